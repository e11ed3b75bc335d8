package session

import (
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/isoctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Peer is the answering side of an ISO connection, used by test servers.
type Peer struct {
	rw io.ReadWriter
	// Identity is the mstshash cookie value, empty for a bare CR.
	Identity string
	closed   bool
}

// Accept reads one CR from rw and confirms it with CC.
func Accept(rw io.ReadWriter) (*Peer, error) {
	pdu, err := frame.ReadPDU(rw)
	if err != nil {
		return nil, err
	}
	if pdu.Kind != frame.KindExtended || pdu.Code != frame.CodeConnectionRequest {
		return nil, &CodeError{
			Expected: frame.CodeConnectionRequest,
			Actual:   pdu.Code,
			Compact:  pdu.Kind == frame.KindCompact,
		}
	}
	p := &Peer{rw: rw}
	// Routing tokens and negotiation requests carry no cookie; the peer
	// answers them anonymously.
	if identity, err := frame.ParseCookie(pdu.Payload); err == nil {
		p.Identity = identity
	} else if len(pdu.Payload) > 0 {
		log.Debug().Int("payload", len(pdu.Payload)).Msg("iso peer: CR without cookie")
	}
	cc, err := frame.EncodeControl(frame.CodeConnectionConfirm)
	if err != nil {
		return nil, err
	}
	if _, err := rw.Write(cc); err != nil {
		return nil, err
	}
	log.Debug().Str("identity", p.Identity).Msg("iso peer accepted")
	return p, nil
}

// Receive returns the next DT or compact PDU. A DR from the other side
// ends the peer with ErrPeerDisconnected.
func (p *Peer) Receive() (frame.PDU, error) {
	if p.closed {
		return frame.PDU{}, ErrNotConnected
	}
	pdu, err := frame.ReadPDU(p.rw)
	if err != nil {
		p.closed = true
		return frame.PDU{}, err
	}
	if pdu.Kind == frame.KindCompact || pdu.Code == frame.CodeDataTransfer {
		return pdu, nil
	}
	p.closed = true
	if pdu.Code == frame.CodeDisconnectRequest {
		return frame.PDU{}, ErrPeerDisconnected
	}
	return frame.PDU{}, &CodeError{Expected: frame.CodeDataTransfer, Actual: pdu.Code}
}

func (p *Peer) Send(payload []byte) error {
	if p.closed {
		return ErrNotConnected
	}
	pdu, err := frame.EncodeData(payload)
	if err != nil {
		return err
	}
	_, err = p.rw.Write(pdu)
	return err
}

// SendCompact writes payload behind a compact header tagged with version.
func (p *Peer) SendCompact(version uint8, payload []byte) error {
	if p.closed {
		return ErrNotConnected
	}
	pdu, err := frame.EncodeCompact(version, payload)
	if err != nil {
		return err
	}
	_, err = p.rw.Write(pdu)
	return err
}

// Echo sends every DT payload straight back until the other side
// disconnects or the stream ends. A clean DR or EOF returns nil.
func (p *Peer) Echo() error {
	for {
		pdu, err := p.Receive()
		if err != nil {
			if errors.Is(err, ErrPeerDisconnected) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if pdu.Kind == frame.KindCompact {
			err = p.SendCompact(pdu.Version, pdu.Payload)
		} else {
			err = p.Send(pdu.Payload)
		}
		if err != nil {
			return fmt.Errorf("session: echo: %w", err)
		}
	}
}
