package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/isoctl/internal/protocol/frame"
)

var (
	ErrTransport        = errors.New("session: transport failure")
	ErrUnexpectedCode   = errors.New("session: unexpected pdu code")
	ErrNotConnected     = errors.New("session: not connected")
	ErrAlreadyOpen      = errors.New("session: connection already open")
	ErrPeerDisconnected = errors.New("session: peer sent disconnect request")
)

// CodeError reports a PDU whose code does not fit the current phase.
// Compact is set when the PDU carried no code at all.
type CodeError struct {
	Expected frame.Code
	Actual   frame.Code
	Compact  bool
}

func (e *CodeError) Error() string {
	if e.Compact {
		return fmt.Sprintf("session: expected %s, got compact pdu", e.Expected)
	}
	return fmt.Sprintf("session: expected %s, got 0x%x", e.Expected, uint8(e.Actual))
}

func (e *CodeError) Unwrap() error {
	return ErrUnexpectedCode
}
