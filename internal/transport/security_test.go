package transport

import (
	"errors"
	"testing"

	"github.com/danmuck/isoctl/internal/testutil/testlog"
)

func TestValidateClientTransport(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig()
	if err := cfg.ValidateClient(); err != nil {
		t.Fatalf("development default should validate: %v", err)
	}

	cfg.SecurityMode = "staging"
	if err := cfg.ValidateClient(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}

	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	cfg.TLS.InsecureSkipVerify = true
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}

	cfg.TLS.InsecureSkipVerify = false
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "ca.crt"
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
}

func TestValidateServerTransport(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig()
	cfg.SecurityMode = " Production "
	if err := cfg.ValidateServer(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateServer(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}

	cfg.TLS.Mutual = true
	cfg.TLS.CertFile = "server.crt"
	cfg.TLS.KeyFile = "server.key"
	if err := cfg.ValidateServer(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
}

func TestWithDefaultsNormalizes(t *testing.T) {
	cfg := Config{ReadTimeout: -1, SecurityMode: ""}.WithDefaults()
	if cfg.ConnectTimeout != DefaultConfig().ConnectTimeout || cfg.ReadTimeout != 0 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.SecurityMode != SecurityModeDevelopment {
		t.Fatalf("unexpected mode: %q", cfg.SecurityMode)
	}
}
