package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/isoctl/internal/config"
	"github.com/danmuck/isoctl/internal/observability"
	"github.com/danmuck/isoctl/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		cfgPath     string
		addr        string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a test peer that confirms connections and echoes data",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultServerConfig()
			if cfgPath != "" {
				loaded, err := config.LoadServerConfig(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, nil)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "server config file (toml)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "prometheus listen address; empty disables")
	return cmd
}

// runServe accepts until ctx ends. ready, when set, receives the bound
// listener address once accepting has started.
func runServe(ctx context.Context, cfg config.ServerConfig, ready chan<- net.Addr) error {
	ln, err := cfg.Transport.Listen(cfg.Addr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Bool("tls", cfg.Transport.TLS.Enabled).Msg("iso peer listening")

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           observability.NewMetricsRouter("isoctl", log.Logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
	}()
	if ready != nil {
		ready <- ln.Addr()
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			servePeer(ctx, conn, cfg.Transport.ReadTimeout)
		}()
	}
}

func servePeer(ctx context.Context, conn net.Conn, idle time.Duration) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	if idle > 0 {
		_ = conn.SetDeadline(time.Now().Add(idle))
	}
	peer, err := session.Accept(conn)
	if err != nil {
		log.Warn().Str("remote", remote).Err(err).Msg("iso accept failed")
		return
	}
	_ = conn.SetDeadline(time.Time{})
	log.Info().Str("remote", remote).Str("identity", peer.Identity).Msg("iso peer connected")
	if err := peer.Echo(); err != nil && ctx.Err() == nil {
		log.Warn().Str("remote", remote).Err(err).Msg("iso peer ended")
		return
	}
	log.Info().Str("remote", remote).Msg("iso peer disconnected")
}
