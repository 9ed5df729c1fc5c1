// Command tunnel-host runs the host endpoint daemon: it keeps a signaling
// session open, answers peer connections from the user's browser devices
// (falling back to the relay when asked), and dispatches tunneled HTTP
// requests and WebSocket sub-connections to the local service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/remotetunnel/relay/internal/config"
	"github.com/remotetunnel/relay/internal/metrics"
	"github.com/remotetunnel/relay/internal/mux"
	"github.com/remotetunnel/relay/internal/transport"
)

func main() {
	fs := flag.NewFlagSet("tunnel-host", flag.ContinueOnError)
	cfg, err := config.FromEnv(fs)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.SignalingURL == "" || cfg.AccessToken == "" {
		fmt.Fprintln(os.Stderr, "tunnel-host: "+config.EnvSignalingURL+" and "+config.EnvAccessToken+" must be set")
		os.Exit(2)
	}

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = "ho_" + uuid.NewString()
	}

	logger := cfg.NewLogger()
	logger.Info("starting tunnel-host",
		"device_id", deviceID,
		"signaling_url", cfg.SignalingURL,
		"local_http_base", cfg.LocalHTTPBase,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := transport.RegisterDevice(ctx, cfg.SignalingURL, cfg.AccessToken, deviceID, nil); err != nil {
		logger.Error("device registration failed", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	responder := transport.NewResponder(transport.ResponderConfig{
		SignalingURL:  cfg.SignalingURL,
		RelayURL:      cfg.RelayURL,
		DeviceID:      deviceID,
		AccessToken:   cfg.AccessToken,
		ICEServerURLs: cfg.ICEServerURLs,
	}, m, logger)
	responder.OnTransport = func(t transport.Transport) {
		logger.Info("transport established", "mode", string(t.Mode()))
		host := mux.NewHost(t, cfg.LocalHTTPBase, logger)
		go func() {
			<-t.Done()
			logger.Info("transport closed", "mode", string(t.Mode()))
			_ = host.Mux().Close()
		}()
	}

	// The signaling session is the host's lifeline; redial it with a small
	// pause until shutdown.
	for {
		err := responder.Run(ctx)
		if ctx.Err() != nil {
			logger.Info("shutting down")
			return
		}
		logger.Warn("signaling session ended, redialing", "err", err)
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		}
	}
}
