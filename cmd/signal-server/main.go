// Command signal-server runs the signaling service: user auth, device
// registration, and the /signal WebSocket that routes session descriptions,
// ICE candidates, and connect-request/ack frames between a user's devices.
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
	"github.com/remotetunnel/relay/internal/signaling"
	"github.com/remotetunnel/relay/internal/store"
)

var (
	// Set via -ldflags at build time. May be empty in local/dev builds.
	buildVersion = "dev"
)

func main() {
	fs := flag.NewFlagSet("signal-server", flag.ContinueOnError)
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
	logger.Info("starting signal-server",
		"listen_addr", cfg.ListenAddr,
		"store_driver", cfg.StoreDriver,
		"relay_url_set", cfg.RelayURL != "",
		"allowed_origins", len(cfg.AllowedOrigins),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Driver(cfg.StoreDriver), cfg.StoreDSN)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	m := metrics.New()
	tokens := cfg.NewTokenIssuer()
	registry := signaling.NewRegistry()

	wsServer := signaling.NewServer(st, tokens, registry, m, logger, cfg.MaxSignalingMessageBytes)
	wsServer.RelayURL = cfg.RelayURL
	handlers := &signaling.HTTPHandlers{Store: st, Tokens: tokens, Metrics: m, Log: logger}

	httpMux := http.NewServeMux()
	wsServer.RegisterRoutes(httpMux)
	handlers.RegisterRoutes(httpMux)
	httpserver.RegisterHealth(httpMux, buildVersion)
	httpMux.Handle("GET /metrics", metrics.PrometheusHandler(m))

	handler := httpserver.Chain(httpMux,
		httpserver.Recover(logger),
		httpserver.RequestID(),
		httpserver.RequestLogger(logger),
		httpserver.CheckOrigin(cfg.AllowedOrigins),
	)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		logger.Error("server exited", "err", err)
		os.Exit(1)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}
