// Package protocol owns the ISO transport wire contract.
//
// Ownership boundary:
// - frame: TPKT/X.224 and compact header primitives
// - session: connection phases, handshake and data path
package protocol
