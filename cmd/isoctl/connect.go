package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/danmuck/isoctl/internal/config"
	"github.com/danmuck/isoctl/internal/protocol/frame"
	"github.com/danmuck/isoctl/internal/protocol/session"
	"github.com/danmuck/isoctl/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func connectCmd() *cobra.Command {
	var (
		cfgPath  string
		host     string
		port     int
		identity string
		bare     bool
		attempts int
		send     []string
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Handshake with a peer, optionally exchange data, then disconnect",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultClientConfig()
			if cfgPath != "" {
				loaded, err := config.LoadClientConfig(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			flags := cmd.Flags()
			if flags.Changed("host") {
				cfg.Host = host
			}
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("identity") {
				cfg.Identity = identity
			}
			if flags.Changed("reconnect") {
				cfg.Reconnect = bare
			}
			if flags.Changed("attempts") {
				cfg.MaxConnectAttempts = attempts
			}
			if err := config.ValidateClientConfig(cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, cfg, send, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "client config file (toml)")
	cmd.Flags().StringVar(&host, "host", "", "peer host")
	cmd.Flags().IntVar(&port, "port", transport.DefaultPort, "peer port")
	cmd.Flags().StringVar(&identity, "identity", "", "mstshash cookie identity")
	cmd.Flags().BoolVar(&bare, "reconnect", false, "send a bare CR without the cookie")
	cmd.Flags().IntVar(&attempts, "attempts", 1, "max connect attempts")
	cmd.Flags().StringArrayVar(&send, "send", nil, "payload to send as DT; repeatable")
	return cmd
}

func runConnect(ctx context.Context, cfg config.ClientConfig, payloads []string, out io.Writer) error {
	conn := session.NewConn(transport.NewTCP(cfg.Transport))
	defer conn.Close()

	var (
		link *session.Link
		err  error
	)
	if cfg.Reconnect {
		link, err = conn.ReconnectWithRetry(ctx, cfg.Host, cfg.Port, cfg.MaxConnectAttempts, cfg.Backoff)
	} else {
		link, err = conn.ConnectWithRetry(ctx, cfg.Host, cfg.Identity, cfg.Port, cfg.MaxConnectAttempts, cfg.Backoff)
	}
	if err != nil {
		return fmt.Errorf("connect %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	log.Info().Str("host", cfg.Host).Int("port", cfg.Port).Str("identity", cfg.Identity).Msg("connected")

	for _, payload := range payloads {
		buf := link.InitData(len(payload))
		buf.WriteString(payload)
		if err := link.Send(buf); err != nil {
			return err
		}
		pdu, err := link.Receive()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s\n", describe(pdu), pdu.Payload)
	}

	return link.Disconnect()
}

func describe(pdu frame.PDU) string {
	if pdu.Kind == frame.KindCompact {
		return fmt.Sprintf("compact(v%d)", pdu.Version)
	}
	return pdu.Code.String()
}
