package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/isoctl/internal/observability"
	"github.com/danmuck/isoctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/danmuck/isoctl/internal/protocol/session"

// Transport is the reliable, ordered byte stream the ISO layer rides on.
// The Conn owns it exclusively.
type Transport interface {
	Open(ctx context.Context, host string, port int) error
	Write(p []byte) error
	// ReadFull fills p or fails; a stream that ends early is an error.
	ReadFull(p []byte) error
	Close() error
	// Reset clears connection-scoped stream state for a later Open.
	Reset()
}

type Phase uint8

const (
	PhaseClosed Phase = iota
	PhaseConnecting
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

type Option func(*Conn)

func WithDiagnostics(d Diagnostics) Option {
	return func(c *Conn) {
		if d != nil {
			c.diag = d
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Conn) {
		if t != nil {
			c.tracer = t
		}
	}
}

// Conn drives one ISO connection at a time over its transport. It is not
// safe for concurrent use; a single caller sequences every operation.
type Conn struct {
	transport Transport
	diag      Diagnostics
	tracer    trace.Tracer
	phase     Phase
	link      *Link
}

func NewConn(t Transport, opts ...Option) *Conn {
	c := &Conn{
		transport: t,
		diag:      LogDiagnostics{},
		tracer:    otel.Tracer(tracerName),
		phase:     PhaseClosed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) Phase() Phase {
	return c.phase
}

// Connect opens the transport and runs the CR/CC handshake, announcing
// identity in the mstshash cookie.
func (c *Conn) Connect(ctx context.Context, host, identity string, port int) (*Link, error) {
	request, err := frame.EncodeConnectionRequest(identity)
	if err != nil {
		return nil, err
	}
	return c.handshake(ctx, "connect", host, port, request)
}

// Reconnect re-establishes the stream with a bare CR, for callers whose
// identity was already announced on an earlier connection.
func (c *Conn) Reconnect(ctx context.Context, host string, port int) (*Link, error) {
	request, err := frame.EncodeControl(frame.CodeConnectionRequest)
	if err != nil {
		return nil, err
	}
	return c.handshake(ctx, "reconnect", host, port, request)
}

func (c *Conn) handshake(ctx context.Context, op, host string, port int, request []byte) (*Link, error) {
	if c.phase != PhaseClosed {
		return nil, fmt.Errorf("%w: phase=%s", ErrAlreadyOpen, c.phase)
	}

	ctx, span := c.tracer.Start(ctx, "iso."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("iso.host", host),
			attribute.Int("iso.port", port),
		),
	)
	defer span.End()

	link, err := c.runHandshake(ctx, host, port, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordHandshake(op, handshakeOutcome(err))
		log.Debug().Str("op", op).Str("host", host).Int("port", port).Err(err).Msg("iso handshake failed")
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	observability.RecordHandshake(op, "connected")
	log.Debug().Str("op", op).Str("host", host).Int("port", port).Msg("iso connected")
	return link, nil
}

func (c *Conn) runHandshake(ctx context.Context, host string, port int, request []byte) (*Link, error) {
	if err := c.transport.Open(ctx, host, port); err != nil {
		return nil, fmt.Errorf("%w: open: %w", ErrTransport, err)
	}
	if err := c.write(frame.CodeConnectionRequest, request); err != nil {
		c.abort()
		return nil, err
	}
	c.setPhase(PhaseConnecting)

	pdu, err := c.readPDU()
	if err != nil {
		c.abort()
		return nil, err
	}
	if pdu.Kind != frame.KindExtended || pdu.Code != frame.CodeConnectionConfirm {
		err := c.unexpected(frame.CodeConnectionConfirm, pdu)
		c.abort()
		return nil, err
	}

	c.setPhase(PhaseConnected)
	c.link = &Link{conn: c}
	return c.link, nil
}

// Reset discards connection-scoped transport state and returns to Closed
// so the same Conn can connect again.
func (c *Conn) Reset() {
	c.transport.Reset()
	c.invalidate()
	c.setPhase(PhaseClosed)
}

// Close tears down whatever is open: a live link is disconnected, anything
// else just closes the transport.
func (c *Conn) Close() error {
	if c.link != nil && c.phase == PhaseConnected {
		return c.link.Disconnect()
	}
	c.invalidate()
	c.setPhase(PhaseClosed)
	return c.transport.Close()
}

func (c *Conn) write(code frame.Code, pdu []byte) error {
	if err := c.transport.Write(pdu); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrTransport, code, err)
	}
	observability.RecordPDUSent(code.String(), len(pdu))
	return nil
}

// readPDU pulls one PDU of either header shape off the transport: the
// 4-byte prefix first, then the remainder it advertises.
func (c *Conn) readPDU() (frame.PDU, error) {
	var head [frame.PrefixLen]byte
	if err := c.transport.ReadFull(head[:]); err != nil {
		return frame.PDU{}, fmt.Errorf("%w: read prefix: %w", ErrTransport, err)
	}
	prefix, err := frame.DecodePrefix(head[:])
	if err != nil {
		c.report("bad packet header")
		observability.RecordProtocolError("framing")
		return frame.PDU{}, err
	}
	rest := make([]byte, prefix.Length-frame.PrefixLen)
	if len(rest) > 0 {
		if err := c.transport.ReadFull(rest); err != nil {
			return frame.PDU{}, fmt.Errorf("%w: read body: %w", ErrTransport, err)
		}
	}
	pdu, err := frame.DecodeBody(prefix, head[:], rest)
	if err != nil {
		c.report("bad packet header")
		observability.RecordProtocolError("framing")
		return frame.PDU{}, err
	}
	code := ""
	if pdu.Kind == frame.KindExtended {
		code = pdu.Code.String()
	}
	observability.RecordPDUReceived(pdu.Kind.String(), code, prefix.Length)
	return pdu, nil
}

func (c *Conn) unexpected(want frame.Code, pdu frame.PDU) error {
	err := &CodeError{Expected: want, Actual: pdu.Code, Compact: pdu.Kind == frame.KindCompact}
	if err.Compact {
		c.report(fmt.Sprintf("expected %s, got compact pdu", want))
	} else {
		c.report(fmt.Sprintf("expected %s, got 0x%x", want, uint8(pdu.Code)))
	}
	observability.RecordProtocolError("unexpected_code")
	return err
}

func (c *Conn) report(msg string) {
	c.diag.Report(msg)
}

// abort closes the transport after a failed transition. The phase always
// ends up Closed.
func (c *Conn) abort() {
	if err := c.transport.Close(); err != nil {
		log.Debug().Err(err).Msg("iso abort: transport close")
	}
	c.invalidate()
	c.setPhase(PhaseClosed)
}

func (c *Conn) invalidate() {
	if c.link != nil {
		c.link.conn = nil
		c.link = nil
	}
}

func (c *Conn) setPhase(p Phase) {
	if c.phase == p {
		return
	}
	log.Trace().Str("from", c.phase.String()).Str("to", p.String()).Msg("iso phase")
	c.phase = p
}

func handshakeOutcome(err error) string {
	switch {
	case errors.Is(err, ErrUnexpectedCode):
		return "unexpected_code"
	case errors.Is(err, frame.ErrFraming), errors.Is(err, frame.ErrShortPDU):
		return "framing"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "error"
	}
}
