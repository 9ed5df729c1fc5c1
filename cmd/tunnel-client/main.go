// Command tunnel-client runs the remote endpoint: it establishes a tunnel
// to a target host device (peer-to-peer first, relay fallback) and exposes
// the tunneled service on a local listen address, so a browser pointed at
// that address transparently reaches the service running behind the host.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/remotetunnel/relay/internal/config"
	"github.com/remotetunnel/relay/internal/frame"
	"github.com/remotetunnel/relay/internal/metrics"
	"github.com/remotetunnel/relay/internal/mux"
	"github.com/remotetunnel/relay/internal/transport"
)

func main() {
	fs := flag.NewFlagSet("tunnel-client", flag.ContinueOnError)
	cfg, err := config.FromEnv(fs)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.SignalingURL == "" || cfg.AccessToken == "" || cfg.TargetDeviceID == "" {
		fmt.Fprintln(os.Stderr, "tunnel-client: "+config.EnvSignalingURL+", "+config.EnvAccessToken+
			" and "+config.EnvTargetDeviceID+" must be set")
		os.Exit(2)
	}

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = "br_" + uuid.NewString()
	}

	logger := cfg.NewLogger()
	logger.Info("starting tunnel-client",
		"device_id", deviceID,
		"target_device_id", cfg.TargetDeviceID,
		"proxy_listen_addr", cfg.ProxyListenAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := transport.RegisterDevice(ctx, cfg.SignalingURL, cfg.AccessToken, deviceID, nil); err != nil {
		logger.Error("device registration failed", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	connector := transport.NewConnector(transport.ConnectorConfig{
		SignalingURL:   cfg.SignalingURL,
		RelayURL:       cfg.RelayURL,
		DeviceID:       deviceID,
		TargetDeviceID: cfg.TargetDeviceID,
		AccessToken:    cfg.AccessToken,
		ICEServerURLs:  cfg.ICEServerURLs,
	}, m, logger)
	defer connector.Close()

	t, err := connector.Connect(ctx)
	if err != nil {
		logger.Error("failed to establish tunnel", "err", err)
		os.Exit(1)
	}
	logger.Info("tunnel established", "mode", string(t.Mode()))

	tunnel := mux.New(t, m, logger)
	defer tunnel.Close()

	// Every request to the local listener becomes one proxied fetch through
	// the tunnel.
	proxy := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, frame.DefaultMaxPayload))
		if err != nil {
			http.Error(w, "error reading request body", http.StatusBadRequest)
			return
		}
		headers := make(frame.Headers, len(r.Header))
		for name := range r.Header {
			headers[name] = r.Header.Get(name)
		}
		resp, err := tunnel.ProxyFetch(r.Context(), mux.FetchRequest{
			Method:  r.Method,
			URL:     r.URL.String(),
			Headers: headers,
			Body:    body,
		})
		switch {
		case errors.Is(err, mux.ErrRequestTimeout):
			http.Error(w, "tunnel request timed out", http.StatusGatewayTimeout)
			return
		case errors.Is(err, mux.ErrConnectionClosed):
			http.Error(w, "tunnel closed", http.StatusBadGateway)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		for name, value := range resp.Headers {
			w.Header().Set(name, value)
		}
		w.WriteHeader(int(resp.Status))
		_, _ = w.Write(resp.Body)
	})

	srv := &http.Server{Addr: cfg.ProxyListenAddr, Handler: proxy}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		logger.Error("proxy listener exited", "err", err)
		os.Exit(1)
	case <-t.Done():
		logger.Warn("tunnel transport closed", "mode", string(connector.TransportMode()))
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
