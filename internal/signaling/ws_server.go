package signaling

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remotetunnel/relay/internal/account"
	"github.com/remotetunnel/relay/internal/metrics"
	"github.com/remotetunnel/relay/internal/ratelimit"
)

func deadlineSoon() time.Time { return time.Now().Add(time.Second) }

// Server serves GET /signal: authenticated, routed WebSocket signaling.
type Server struct {
	Store           Store
	Tokens          *account.TokenIssuer
	Registry        *Registry
	Metrics         *metrics.Metrics
	Log             *slog.Logger
	MaxMessageBytes int64

	// RelayURL, when set, is advertised to the target device on forwarded
	// connect-request frames so it knows which relay to dial.
	RelayURL string

	// MaxMessagesPerSecond rate-limits each session's inbound messages.
	// Zero selects the default of 25.
	MaxMessagesPerSecond int

	upgrader websocket.Upgrader
}

func NewServer(store Store, tokens *account.TokenIssuer, reg *Registry, m *metrics.Metrics, log *slog.Logger, maxMessageBytes int64) *Server {
	if maxMessageBytes <= 0 {
		maxMessageBytes = 64 << 10
	}
	return &Server{
		Store:           store,
		Tokens:          tokens,
		Registry:        reg,
		Metrics:         m,
		Log:             log,
		MaxMessageBytes: maxMessageBytes,
		upgrader: websocket.Upgrader{
			// Origin is checked by the outer httpserver middleware chain.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) incFailure() {
	if s.Metrics != nil {
		s.Metrics.Inc(metrics.AuthFailure)
	}
}

// Handler serves GET /signal?token=...&device_id=....
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := r.URL.Query().Get("token")
		deviceID := r.URL.Query().Get("device_id")
		if tok == "" || deviceID == "" {
			http.Error(w, "token and device_id are required", http.StatusBadRequest)
			return
		}

		claims, err := s.Tokens.Verify(tok)
		if err != nil {
			s.incFailure()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		dev, err := s.Store.DeviceByID(r.Context(), deviceID)
		if err != nil || dev.UserID != claims.UserID {
			s.incFailure()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		sess := &deviceSession{conn: conn, userID: claims.UserID, deviceID: deviceID}
		superseded := s.Registry.register(sess)
		if s.Metrics != nil {
			s.Metrics.Inc(metrics.SignalingConnectionsTotal)
			if superseded {
				s.Metrics.Inc(metrics.SignalingSuperseded)
			}
		}

		if err := sess.send(connectedEnvelope(deviceID)); err != nil {
			s.Registry.unregister(sess)
			_ = conn.Close()
			return
		}

		s.run(sess)
	}
}

func (s *Server) run(sess *deviceSession) {
	defer func() {
		s.Registry.unregister(sess)
		_ = sess.conn.Close()
	}()

	sess.conn.SetReadLimit(s.MaxMessageBytes)

	perSecond := s.MaxMessagesPerSecond
	if perSecond <= 0 {
		perSecond = 25
	}
	bucket := ratelimit.NewTokenBucket(nil, int64(perSecond)*2, int64(perSecond))

	for {
		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !bucket.Allow(1) {
			if s.Metrics != nil {
				s.Metrics.Inc(metrics.DropReasonRateLimited)
			}
			_ = sess.send(errorEnvelope("rate limited"))
			continue
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			_ = sess.send(errorEnvelope("invalid message"))
			continue
		}
		if s.Metrics != nil {
			s.Metrics.Inc(metrics.SignalingMessagesIn)
		}

		if !IsRouted(env.Type) {
			_ = sess.send(errorEnvelope("unsupported message type"))
			continue
		}

		s.route(sess, env)
	}
}

// route forwards a routed frame from sess to its target_device_id, enforcing
// the same-user ownership invariant.
func (s *Server) route(sess *deviceSession, env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	target, err := s.Store.DeviceByID(ctx, env.TargetDeviceID)
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.Inc(metrics.SignalingRouteMisses)
		}
		_ = sess.send(errorEnvelope("target device not found"))
		return
	}
	if target.UserID != sess.userID {
		if s.Metrics != nil {
			s.Metrics.Inc(metrics.SignalingRouteMisses)
		}
		_ = sess.send(errorEnvelope("target device not found"))
		return
	}

	peer, ok := s.Registry.get(env.TargetDeviceID)
	if !ok {
		if s.Metrics != nil {
			s.Metrics.Inc(metrics.SignalingRouteMisses)
		}
		_ = sess.send(errorEnvelope("target device not connected"))
		return
	}

	// Rewrite the frame for delivery: target_device_id becomes
	// sender_device_id, and the request/ack types additionally become their
	// -received forms carrying from_device_id.
	forward := env
	forward.SenderDeviceID = sess.deviceID
	forward.TargetDeviceID = ""
	switch env.Type {
	case TypeConnectRequest:
		forward.Type = TypeConnectRequestReceived
		forward.FromDeviceID = sess.deviceID
		if forward.RelayURL == "" {
			forward.RelayURL = s.RelayURL
		}
	case TypeConnectAck:
		forward.Type = TypeConnectAckReceived
		forward.FromDeviceID = sess.deviceID
	}

	if err := peer.send(forward); err != nil {
		_ = sess.send(errorEnvelope("failed to deliver message"))
		return
	}
	if s.Metrics != nil {
		s.Metrics.Inc(metrics.SignalingMessagesOut)
	}
	_ = sess.send(ackEnvelope("delivered"))
}

// RegisterRoutes mounts the signaling WebSocket endpoint onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.Handler())
}
