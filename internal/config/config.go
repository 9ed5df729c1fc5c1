// Package config provides env-driven configuration for the tunnel binaries
// (signal-server, relay-server, tunnel-host, tunnel-client).
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/remotetunnel/relay/internal/account"
)

// Environment variable names, grouped by concern.
const (
	EnvListenAddr      = "REMOTETUNNEL_LISTEN_ADDR"
	EnvPublicBaseURL   = "REMOTETUNNEL_PUBLIC_BASE_URL"
	EnvAllowedOrigins  = "ALLOWED_ORIGINS"
	EnvLogFormat       = "REMOTETUNNEL_LOG_FORMAT"
	EnvLogLevel        = "REMOTETUNNEL_LOG_LEVEL"
	EnvShutdownTimeout = "REMOTETUNNEL_SHUTDOWN_TIMEOUT"

	// Shared bearer-token secret. Signaling and relay must verify tokens
	// with the same secret.
	EnvTokenSecret = "TOKEN_SECRET"
	EnvTokenTTL    = "TOKEN_TTL"

	// Signaling service knobs.
	EnvMaxSignalingMessageBytes = "MAX_SIGNALING_MESSAGE_BYTES"
	EnvRelayURL                 = "RELAY_URL" // added to connect-request-received frames for the target device

	// Relay service knobs.
	EnvRelayMaxMessageBytes   = "RELAY_MAX_MESSAGE_BYTES"
	EnvRelayMaxSessions       = "RELAY_MAX_SESSIONS"
	EnvRelayHeartbeatInterval = "RELAY_HEARTBEAT_INTERVAL"
	EnvRelayHeartbeatTimeout  = "RELAY_HEARTBEAT_TIMEOUT"
	EnvRelayHalfOpenTimeout   = "RELAY_HALF_OPEN_TIMEOUT"

	// Persistence (signaling service only).
	EnvStoreDriver = "STORE_DRIVER"
	EnvStoreDSN    = "STORE_DSN"

	// Endpoint (tunnel-host / tunnel-client) knobs.
	EnvSignalingURL    = "SIGNALING_URL"
	EnvICEServers      = "ICE_SERVERS" // comma-separated STUN/TURN URLs
	EnvLocalHTTPBase   = "LOCAL_HTTP_BASE_URL"
	EnvDeviceID        = "DEVICE_ID"
	EnvAccessToken     = "ACCESS_TOKEN"
	EnvTargetDeviceID  = "TARGET_DEVICE_ID"
	EnvProxyListenAddr = "PROXY_LISTEN_ADDR"
)

const (
	DefaultListenAddr = "127.0.0.1:8080"
	DefaultShutdown   = 15 * time.Second
	DefaultTokenTTL   = 24 * time.Hour

	DefaultMaxSignalingMessageBytes = int64(64 * 1024)
	DefaultRelayMaxMessageBytes     = int64(16 << 20)
	DefaultRelayMaxSessions         = 10_000
	DefaultRelayHeartbeatInterval   = 20 * time.Second
	DefaultRelayHeartbeatTimeout    = 10 * time.Second
	DefaultRelayHalfOpenTimeout     = 300 * time.Second

	DefaultStoreDriver = "sqlite"
	DefaultStoreDSN    = "file:remotetunnel.db?_pragma=busy_timeout(5000)"

	DefaultLocalHTTPBase   = "http://127.0.0.1:5142"
	DefaultProxyListenAddr = "127.0.0.1:8800"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config is the common, ambient configuration shared by all four binaries.
// Each cmd/*/main.go reads the subset relevant to it; fields irrelevant to a
// given binary are simply left at their defaults.
type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	TokenSecret string
	TokenTTL    time.Duration

	MaxSignalingMessageBytes int64
	RelayURL                 string

	RelayMaxMessageBytes   int64
	RelayMaxSessions       int
	RelayHeartbeatInterval time.Duration
	RelayHeartbeatTimeout  time.Duration
	RelayHalfOpenTimeout   time.Duration

	StoreDriver string
	StoreDSN    string

	SignalingURL    string
	ICEServerURLs   []string
	LocalHTTPBase   string
	DeviceID        string
	AccessToken     string
	TargetDeviceID  string
	ProxyListenAddr string
}

// FromEnv builds a Config from the environment, applying defaults for unset
// variables. fs, if non-nil, is used to additionally parse -listen-addr so
// operators can override the listen address at the command line without an
// env var.
func FromEnv(fs *flag.FlagSet) (Config, error) {
	cfg := Config{
		ListenAddr:      getEnvOr(EnvListenAddr, DefaultListenAddr),
		PublicBaseURL:   os.Getenv(EnvPublicBaseURL),
		AllowedOrigins:  splitCSV(os.Getenv(EnvAllowedOrigins)),
		LogFormat:       LogFormat(getEnvOr(EnvLogFormat, string(LogFormatText))),
		ShutdownTimeout: DefaultShutdown,

		TokenSecret: os.Getenv(EnvTokenSecret),
		TokenTTL:    DefaultTokenTTL,

		MaxSignalingMessageBytes: DefaultMaxSignalingMessageBytes,
		RelayURL:                 os.Getenv(EnvRelayURL),

		RelayMaxMessageBytes:   DefaultRelayMaxMessageBytes,
		RelayMaxSessions:       DefaultRelayMaxSessions,
		RelayHeartbeatInterval: DefaultRelayHeartbeatInterval,
		RelayHeartbeatTimeout:  DefaultRelayHeartbeatTimeout,
		RelayHalfOpenTimeout:   DefaultRelayHalfOpenTimeout,

		StoreDriver: getEnvOr(EnvStoreDriver, DefaultStoreDriver),
		StoreDSN:    getEnvOr(EnvStoreDSN, DefaultStoreDSN),

		SignalingURL:    os.Getenv(EnvSignalingURL),
		ICEServerURLs:   splitCSV(os.Getenv(EnvICEServers)),
		LocalHTTPBase:   getEnvOr(EnvLocalHTTPBase, DefaultLocalHTTPBase),
		DeviceID:        os.Getenv(EnvDeviceID),
		AccessToken:     os.Getenv(EnvAccessToken),
		TargetDeviceID:  os.Getenv(EnvTargetDeviceID),
		ProxyListenAddr: getEnvOr(EnvProxyListenAddr, DefaultProxyListenAddr),
	}

	if v := os.Getenv(EnvShutdownTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", EnvShutdownTimeout, err)
		}
		cfg.ShutdownTimeout = d
	}
	if v := os.Getenv(EnvTokenTTL); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", EnvTokenTTL, err)
		}
		cfg.TokenTTL = d
	}
	if v := os.Getenv(EnvMaxSignalingMessageBytes); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", EnvMaxSignalingMessageBytes, err)
		}
		cfg.MaxSignalingMessageBytes = n
	}
	if v := os.Getenv(EnvRelayMaxMessageBytes); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", EnvRelayMaxMessageBytes, err)
		}
		cfg.RelayMaxMessageBytes = n
	}
	if v := os.Getenv(EnvRelayMaxSessions); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", EnvRelayMaxSessions, err)
		}
		cfg.RelayMaxSessions = n
	}
	if v := os.Getenv(EnvRelayHeartbeatInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", EnvRelayHeartbeatInterval, err)
		}
		cfg.RelayHeartbeatInterval = d
	}
	if v := os.Getenv(EnvRelayHeartbeatTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", EnvRelayHeartbeatTimeout, err)
		}
		cfg.RelayHeartbeatTimeout = d
	}
	if v := os.Getenv(EnvRelayHalfOpenTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", EnvRelayHalfOpenTimeout, err)
		}
		cfg.RelayHalfOpenTimeout = d
	}

	lvl, err := parseLogLevel(getEnvOr(EnvLogLevel, "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = lvl

	if fs != nil {
		listenAddr := fs.String("listen-addr", cfg.ListenAddr, "address to listen on (overrides "+EnvListenAddr+")")
		if err := fs.Parse(os.Args[1:]); err != nil {
			return Config{}, err
		}
		cfg.ListenAddr = *listenAddr
	}

	return cfg, nil
}

// Validate reports configuration errors that should prevent a binary from
// starting (as opposed to degrading a single request/connection).
func (c Config) Validate() error {
	if c.TokenSecret == "" {
		return errors.New("config: " + EnvTokenSecret + " must be set")
	}
	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: %s: unsupported log level %q", EnvLogLevel, s)
	}
}

// NewTokenIssuer builds the shared bearer-token issuer from
// TokenSecret/TokenTTL.
func (c Config) NewTokenIssuer() *account.TokenIssuer {
	return account.NewTokenIssuer(c.TokenSecret, c.TokenTTL)
}

// NewLogger builds the process-wide slog.Logger per LogFormat/LogLevel.
func (c Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	var handler slog.Handler
	if c.LogFormat == LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func getEnvOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
