// Package session owns the ISO connection controller.
//
// Ownership boundary:
// - phase state machine (closed, connecting, connected)
// - CR/CC handshake, reconnect, DR teardown
// - DT send/receive over an owned byte-stream Transport
// - answering-side Peer for local test servers
// - reconnect backoff for callers that retry
package session
