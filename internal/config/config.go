package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/isoctl/internal/protocol/frame"
	"github.com/danmuck/isoctl/internal/protocol/session"
	"github.com/danmuck/isoctl/internal/transport"
)

// ClientConfig drives `isoctl connect`.
type ClientConfig struct {
	Host               string
	Port               int
	Identity           string
	Reconnect          bool
	MaxConnectAttempts int
	Transport          transport.Config
	Backoff            session.BackoffConfig
}

// ServerConfig drives `isoctl serve`.
type ServerConfig struct {
	Addr        string
	MetricsAddr string
	Transport   transport.Config
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:               "127.0.0.1",
		Port:               transport.DefaultPort,
		MaxConnectAttempts: 1,
		Transport:          transport.DefaultConfig(),
		Backoff:            session.DefaultBackoffConfig(),
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      fmt.Sprintf("127.0.0.1:%d", transport.DefaultPort),
		Transport: transport.DefaultConfig(),
	}
}

type tlsFile struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type backoffFile struct {
	Initial    string  `toml:"initial"`
	Multiplier float64 `toml:"multiplier"`
	Max        string  `toml:"max"`
	Jitter     bool    `toml:"jitter"`
}

type clientFile struct {
	Host               string      `toml:"host"`
	Port               int         `toml:"port"`
	Identity           string      `toml:"identity"`
	Reconnect          bool        `toml:"reconnect"`
	ConnectTimeout     string      `toml:"connect_timeout"`
	ReadTimeout        string      `toml:"read_timeout"`
	WriteTimeout       string      `toml:"write_timeout"`
	MaxConnectAttempts int         `toml:"max_connect_attempts"`
	SecurityMode       string      `toml:"security_mode"`
	TLS                tlsFile     `toml:"tls"`
	Backoff            backoffFile `toml:"backoff"`
}

type serverFile struct {
	Addr         string  `toml:"addr"`
	MetricsAddr  string  `toml:"metrics_addr"`
	SecurityMode string  `toml:"security_mode"`
	ReadTimeout  string  `toml:"read_timeout"`
	WriteTimeout string  `toml:"write_timeout"`
	TLS          tlsFile `toml:"tls"`
}

// LoadClientConfig overlays the keys present in path onto
// DefaultClientConfig and validates the result.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("identity") {
		cfg.Identity = strings.TrimSpace(raw.Identity)
	}
	if meta.IsDefined("reconnect") {
		cfg.Reconnect = raw.Reconnect
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("security_mode") {
		cfg.Transport.SecurityMode = transport.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Transport.ConnectTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.Transport.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Transport.WriteTimeout},
		{"backoff.initial", raw.Backoff.Initial, &cfg.Backoff.InitialDelay},
		{"backoff.max", raw.Backoff.Max, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if err := overlayDuration(meta, d.key, d.raw, d.dst); err != nil {
			return ClientConfig{}, fmt.Errorf("load client config: %w", err)
		}
	}
	if meta.IsDefined("backoff", "multiplier") {
		cfg.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "jitter") {
		cfg.Backoff.Jitter = raw.Backoff.Jitter
	}
	overlayTLS(meta, raw.TLS, &cfg.Transport.TLS)

	cfg.Transport = cfg.Transport.WithDefaults()
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}
	return cfg, nil
}

// LoadServerConfig overlays the keys present in path onto
// DefaultServerConfig and validates the result.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	var raw serverFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("security_mode") {
		cfg.Transport.SecurityMode = transport.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if err := overlayDuration(meta, "read_timeout", raw.ReadTimeout, &cfg.Transport.ReadTimeout); err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}
	if err := overlayDuration(meta, "write_timeout", raw.WriteTimeout, &cfg.Transport.WriteTimeout); err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}
	overlayTLS(meta, raw.TLS, &cfg.Transport.TLS)

	cfg.Transport = cfg.Transport.WithDefaults()
	if strings.TrimSpace(cfg.Addr) == "" {
		return ServerConfig{}, fmt.Errorf("load server config: addr is required")
	}
	if err := cfg.Transport.ValidateServer(); err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}
	return cfg, nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if strings.TrimSpace(cfg.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 0xFFFF {
		return fmt.Errorf("port out of range: %d", cfg.Port)
	}
	if err := frame.ValidateIdentity(cfg.Identity); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if cfg.MaxConnectAttempts < 1 {
		return fmt.Errorf("max_connect_attempts must be at least 1")
	}
	return cfg.Transport.ValidateClient()
}

func overlayDuration(meta toml.MetaData, key, raw string, dst *time.Duration) error {
	if !meta.IsDefined(strings.Split(key, ".")...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

func overlayTLS(meta toml.MetaData, raw tlsFile, dst *transport.TLSConfig) {
	if meta.IsDefined("tls", "enabled") {
		dst.Enabled = raw.Enabled
	}
	if meta.IsDefined("tls", "mutual") {
		dst.Mutual = raw.Mutual
	}
	if meta.IsDefined("tls", "ca_file") {
		dst.CAFile = strings.TrimSpace(raw.CAFile)
	}
	if meta.IsDefined("tls", "cert_file") {
		dst.CertFile = strings.TrimSpace(raw.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		dst.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if meta.IsDefined("tls", "server_name") {
		dst.ServerName = strings.TrimSpace(raw.ServerName)
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		dst.InsecureSkipVerify = raw.InsecureSkipVerify
	}
}
