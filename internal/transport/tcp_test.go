package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/danmuck/isoctl/internal/protocol/frame"
	"github.com/danmuck/isoctl/internal/protocol/session"
	"github.com/danmuck/isoctl/internal/testutil/testlog"
	"github.com/danmuck/isoctl/internal/testutil/tlstest"
)

func servePeer(t *testing.T, ln net.Listener) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		peer, err := session.Accept(conn)
		if err != nil {
			done <- err
			return
		}
		done <- peer.Echo()
	}()
	return done
}

func hostPort(t *testing.T, ln net.Listener) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

func TestTCPConnectEchoDisconnect(t *testing.T) {
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	done := servePeer(t, ln)
	host, port := hostPort(t, ln)

	cfg := DefaultConfig()
	cfg.ReadTimeout = 2 * time.Second
	tcp := NewTCP(cfg)
	conn := session.NewConn(tcp)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	link, err := conn.Connect(ctx, host, "alice", port)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	payload := bytes.Repeat([]byte{0x7E}, 4096)
	if err := link.SendPayload(payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	pdu, err := link.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if pdu.Code != frame.CodeDataTransfer || !bytes.Equal(pdu.Payload, payload) {
		t.Fatalf("echo mismatch: code=%s len=%d", pdu.Code, len(pdu.Payload))
	}

	stats := tcp.Stats()
	if stats.BytesOut != uint64(35+len(payload)+frame.DataHeaderLen) {
		t.Fatalf("unexpected bytes out: %d", stats.BytesOut)
	}

	if err := link.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("peer: %v", err)
	}
	if tcp.RemoteAddr() != "" {
		t.Fatalf("remote addr kept after close: %q", tcp.RemoteAddr())
	}
}

func TestTCPReadReportsPeerClose(t *testing.T) {
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// half a CC, then hang up
		cc, _ := frame.EncodeControl(frame.CodeConnectionConfirm)
		_, _ = frame.ReadPDU(conn)
		_, _ = conn.Write(cc[:5])
		_ = conn.Close()
	}()
	host, port := hostPort(t, ln)

	conn := session.NewConn(NewTCP(DefaultConfig()), session.WithDiagnostics(session.DiagnosticsFunc(func(string) {})))
	_, err = conn.Connect(context.Background(), host, "alice", port)
	if !errors.Is(err, ErrClosedByPeer) || !errors.Is(err, session.ErrTransport) {
		t.Fatalf("expected ErrClosedByPeer, got %v", err)
	}
	if conn.Phase() != session.PhaseClosed {
		t.Fatalf("unexpected phase: %s", conn.Phase())
	}
}

func TestTCPOpenValidation(t *testing.T) {
	testlog.Start(t)
	tcp := NewTCP(DefaultConfig())
	if err := tcp.Open(context.Background(), " ", 3389); !errors.Is(err, ErrHostRequired) {
		t.Fatalf("expected ErrHostRequired, got %v", err)
	}
	if err := tcp.Open(context.Background(), "localhost", 70000); !errors.Is(err, ErrInvalidPort) {
		t.Fatalf("expected ErrInvalidPort, got %v", err)
	}
	if err := tcp.Write([]byte{1}); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if err := tcp.ReadFull(make([]byte, 1)); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if err := tcp.Close(); err != nil {
		t.Fatalf("close on idle transport: %v", err)
	}
}

func TestTCPResetClearsState(t *testing.T) {
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	host, port := hostPort(t, ln)

	tcp := NewTCP(DefaultConfig())
	if err := tcp.Open(context.Background(), host, port); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tcp.Open(context.Background(), host, port); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}
	tcp.Reset()
	if tcp.Stats() != (Stats{}) || tcp.RemoteAddr() != "" {
		t.Fatalf("reset left state: %+v %q", tcp.Stats(), tcp.RemoteAddr())
	}
	if err := tcp.Open(context.Background(), host, port); err != nil {
		t.Fatalf("open after reset: %v", err)
	}
	_ = tcp.Close()
}

func TestTLSConnectWithMutualAuth(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "iso-test-ca")
	serverCert, serverKey := ca.IssueLoopbackServerCert(t, dir)
	clientCert, clientKey := ca.IssueClientCert(t, dir, "iso-client")

	serverCfg := DefaultConfig()
	serverCfg.SecurityMode = SecurityModeProduction
	serverCfg.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: serverCert, KeyFile: serverKey, CAFile: ca.CAFile()}
	ln, err := serverCfg.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tls: %v", err)
	}
	defer ln.Close()
	done := servePeer(t, ln)
	host, port := hostPort(t, ln)

	clientCfg := DefaultConfig()
	clientCfg.SecurityMode = SecurityModeProduction
	clientCfg.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: clientCert, KeyFile: clientKey, CAFile: ca.CAFile()}
	conn := session.NewConn(NewTCP(clientCfg))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	link, err := conn.Connect(ctx, host, "secure", port)
	if err != nil {
		t.Fatalf("tls connect: %v", err)
	}
	if err := link.SendPayload([]byte("over tls")); err != nil {
		t.Fatalf("send: %v", err)
	}
	pdu, err := link.Receive()
	if err != nil || string(pdu.Payload) != "over tls" {
		t.Fatalf("receive: %q %v", pdu.Payload, err)
	}
	if err := link.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("peer: %v", err)
	}
}
