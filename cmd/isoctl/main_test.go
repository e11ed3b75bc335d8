package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/isoctl/internal/config"
	"github.com/danmuck/isoctl/internal/testutil/testlog"
)

func startServe(t *testing.T) (string, int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := config.DefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"

	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, ready) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})

	select {
	case addr := <-ready:
		host, portStr, err := net.SplitHostPort(addr.String())
		if err != nil {
			t.Fatalf("split addr: %v", err)
		}
		port, _ := strconv.Atoi(portStr)
		return host, port
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("serve never became ready")
	}
	return "", 0
}

func TestConnectAgainstServeEchoes(t *testing.T) {
	testlog.Start(t)
	host, port := startServe(t)

	cfg := config.DefaultClientConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.Identity = "alice"

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := runConnect(ctx, cfg, []string{"hello", "world"}, &out); err != nil {
		t.Fatalf("connect: %v", err)
	}
	want := "DT hello\nDT world\n"
	if out.String() != want {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestConnectBareRequest(t *testing.T) {
	testlog.Start(t)
	host, port := startServe(t)

	cfg := config.DefaultClientConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.Reconnect = true

	var out bytes.Buffer
	if err := runConnect(context.Background(), cfg, []string{"again"}, &out); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !strings.Contains(out.String(), "again") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestConnectRefusedReportsError(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	cfg := config.DefaultClientConfig()
	cfg.Port = port
	cfg.MaxConnectAttempts = 2
	cfg.Backoff.InitialDelay = time.Millisecond
	if err := runConnect(context.Background(), cfg, nil, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected connect error")
	}
}

func TestConfigCommandWritesTemplate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "server.toml")
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--kind", "server", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config command: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("template not written: %v", err)
	}
	if _, err := config.LoadServerConfig(path); err != nil {
		t.Fatalf("template does not load: %v", err)
	}
}

func TestServeExposesMetrics(t *testing.T) {
	testlog.Start(t)
	spare, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	metricsAddr := spare.Addr().String()
	_ = spare.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := config.DefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.MetricsAddr = metricsAddr
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, nil) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + metricsAddr + "/metrics")
		if err == nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
				t.Fatalf("unexpected metrics response: %d", resp.StatusCode)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics server never answered: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
