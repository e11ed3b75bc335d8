package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyOpen  = errors.New("transport: stream already open")
	ErrNotOpen      = errors.New("transport: stream not open")
	ErrHostRequired = errors.New("transport: host required")
	ErrInvalidPort  = errors.New("transport: invalid port")
	ErrClosedByPeer = errors.New("transport: stream closed by peer")
	ErrShortWrite   = errors.New("transport: short write")
)

// DefaultPort is the well-known port for the ISO transport.
const DefaultPort = 3389

// Config holds the stream-level knobs. Zero read/write timeouts block
// without a deadline.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	KeepAlive        time.Duration
	SecurityMode     SecurityMode
	TLS              TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      0,
		WriteTimeout:     15 * time.Second,
		KeepAlive:        30 * time.Second,
		SecurityMode:     SecurityModeDevelopment,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.ReadTimeout < 0 {
		c.ReadTimeout = 0
	}
	if c.WriteTimeout < 0 {
		c.WriteTimeout = 0
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}

// Stats counts bytes moved since the last Reset.
type Stats struct {
	BytesIn  uint64
	BytesOut uint64
	Opens    int
}

// TCP is the byte-stream collaborator under the ISO layer: a single owned
// net.Conn with optional TLS.
type TCP struct {
	cfg   Config
	conn  net.Conn
	addr  string
	stats Stats
}

func NewTCP(cfg Config) *TCP {
	return &TCP{cfg: cfg.WithDefaults()}
}

func (t *TCP) Open(ctx context.Context, host string, port int) error {
	if t.conn != nil {
		return ErrAlreadyOpen
	}
	if strings.TrimSpace(host) == "" {
		return ErrHostRequired
	}
	if port <= 0 || port > 0xFFFF {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	if err := t.cfg.ValidateClient(); err != nil {
		return err
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout, KeepAlive: t.cfg.KeepAlive}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	conn := rawConn
	if t.cfg.TLS.Enabled {
		tlsCfg, err := t.cfg.clientTLSConfig(host)
		if err != nil {
			_ = rawConn.Close()
			return err
		}
		tlsConn := tls.Client(rawConn, tlsCfg)
		handshakeCtx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = rawConn.Close()
			return err
		}
		conn = tlsConn
	}

	t.conn = conn
	t.addr = addr
	t.stats.Opens++
	log.Debug().Str("addr", addr).Bool("tls", t.cfg.TLS.Enabled).Msg("transport open")
	return nil
}

func (t *TCP) Write(p []byte) error {
	if t.conn == nil {
		return ErrNotOpen
	}
	if t.cfg.WriteTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	n, err := t.conn.Write(p)
	t.stats.BytesOut += uint64(n)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("%w: %d of %d", ErrShortWrite, n, len(p))
	}
	return nil
}

// ReadFull blocks until len(p) bytes arrive. A stream that ends early
// reports ErrClosedByPeer.
func (t *TCP) ReadFull(p []byte) error {
	if t.conn == nil {
		return ErrNotOpen
	}
	if t.cfg.ReadTimeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout)); err != nil {
			return err
		}
	}
	n, err := io.ReadFull(t.conn, p)
	t.stats.BytesIn += uint64(n)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: read %d of %d", ErrClosedByPeer, n, len(p))
		}
		return err
	}
	return nil
}

func (t *TCP) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	log.Debug().Str("addr", t.addr).Msg("transport closed")
	t.conn = nil
	t.addr = ""
	return err
}

// Reset drops any connection-scoped state so the next Open starts clean.
func (t *TCP) Reset() {
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.conn = nil
	t.addr = ""
	t.stats = Stats{}
}

func (t *TCP) Stats() Stats {
	return t.stats
}

// RemoteAddr is the dialed address, empty while closed.
func (t *TCP) RemoteAddr() string {
	return t.addr
}
