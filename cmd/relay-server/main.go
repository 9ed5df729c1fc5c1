// Command relay-server runs the relay service: it pairs two authenticated
// endpoints on a shared session id and forwards their binary frames
// verbatim, serving as the fallback transport when peer-to-peer fails.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/remotetunnel/relay/internal/config"
	"github.com/remotetunnel/relay/internal/httpserver"
	"github.com/remotetunnel/relay/internal/metrics"
	"github.com/remotetunnel/relay/internal/relay"
)

var (
	// Set via -ldflags at build time. May be empty in local/dev builds.
	buildVersion = "dev"
)

func main() {
	fs := flag.NewFlagSet("relay-server", flag.ContinueOnError)
	cfg, err := config.FromEnv(fs)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := cfg.NewLogger()
	logger.Info("starting relay-server",
		"listen_addr", cfg.ListenAddr,
		"max_message_bytes", cfg.RelayMaxMessageBytes,
		"max_sessions", cfg.RelayMaxSessions,
		"heartbeat_interval", cfg.RelayHeartbeatInterval,
		"half_open_timeout", cfg.RelayHalfOpenTimeout,
	)

	m := metrics.New()
	tokens := cfg.NewTokenIssuer()
	mgr := relay.NewManager(relay.Config{
		MaxMessageBytes:   cfg.RelayMaxMessageBytes,
		MaxSessions:       cfg.RelayMaxSessions,
		HeartbeatInterval: cfg.RelayHeartbeatInterval,
		HeartbeatTimeout:  cfg.RelayHeartbeatTimeout,
		HalfOpenTimeout:   cfg.RelayHalfOpenTimeout,
	}, m, logger)
	srv := relay.NewServer(mgr, tokens, m, logger)

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("GET /relay/", srv.Handler())
	httpserver.RegisterHealth(httpMux, buildVersion)
	httpMux.Handle("GET /metrics", metrics.PrometheusHandler(m))

	handler := httpserver.Chain(httpMux,
		httpserver.Recover(logger),
		httpserver.RequestID(),
		httpserver.RequestLogger(logger),
		httpserver.CheckOrigin(cfg.AllowedOrigins),
	)

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-errCh:
		logger.Error("server exited", "err", err)
		os.Exit(1)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}
