package session

import (
	"context"
	"fmt"

	"github.com/danmuck/isoctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Link is the Connected phase of a Conn. It is only handed out by a
// successful handshake and goes dead on Disconnect, Reset, or any fatal
// error, after which every method returns ErrNotConnected.
type Link struct {
	conn *Conn
}

func (l *Link) live() (*Conn, error) {
	if l == nil || l.conn == nil || l.conn.link != l || l.conn.phase != PhaseConnected {
		return nil, ErrNotConnected
	}
	return l.conn, nil
}

// Alive reports whether the link can still carry data.
func (l *Link) Alive() bool {
	_, err := l.live()
	return err == nil
}

// InitData returns a buffer with the DT header reserved and room for size
// payload bytes. Write the payload into it, then pass it to Send.
func (l *Link) InitData(size int) *frame.Buffer {
	return frame.NewDataBuffer(size)
}

// Send back-fills the DT header over the reserved region and writes the
// whole PDU.
func (l *Link) Send(buf *frame.Buffer) error {
	c, err := l.live()
	if err != nil {
		return err
	}
	pdu, err := buf.Seal()
	if err != nil {
		return err
	}
	if err := c.write(frame.CodeDataTransfer, pdu); err != nil {
		c.abort()
		return err
	}
	return nil
}

// SendPayload frames and sends payload in one call.
func (l *Link) SendPayload(payload []byte) error {
	buf := l.InitData(len(payload))
	_, _ = buf.Write(payload)
	return l.Send(buf)
}

// Receive blocks for the next inbound PDU. Compact PDUs come back with
// Kind KindCompact and no code; extended PDUs must be DT. The eot byte is
// consumed but not interpreted.
func (l *Link) Receive() (frame.PDU, error) {
	c, err := l.live()
	if err != nil {
		return frame.PDU{}, err
	}
	pdu, err := c.readPDU()
	if err != nil {
		c.abort()
		return frame.PDU{}, err
	}
	if pdu.Kind == frame.KindCompact {
		return pdu, nil
	}
	if pdu.Code != frame.CodeDataTransfer {
		err := c.unexpected(frame.CodeDataTransfer, pdu)
		c.abort()
		return frame.PDU{}, err
	}
	return pdu, nil
}

// Disconnect sends DR without waiting for a reply, then closes the
// transport. A failed DR write is logged, not returned.
func (l *Link) Disconnect() error {
	c, err := l.live()
	if err != nil {
		return err
	}
	_, span := c.tracer.Start(context.Background(), "iso.disconnect", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	dr, err := frame.EncodeControl(frame.CodeDisconnectRequest)
	if err == nil {
		err = c.write(frame.CodeDisconnectRequest, dr)
	}
	if err != nil {
		log.Debug().Err(err).Msg("iso disconnect: DR not delivered")
	}

	c.invalidate()
	c.setPhase(PhaseClosed)
	if err := c.transport.Close(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: close: %w", ErrTransport, err)
	}
	return nil
}
