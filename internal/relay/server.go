// Package relay pairs two authenticated WebSocket endpoints on a shared
// opaque session id and forwards binary frames between them verbatim until
// either side disconnects.
package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remotetunnel/relay/internal/account"
	"github.com/remotetunnel/relay/internal/metrics"
)

// Server is the GET /relay/{session_id} WebSocket handler.
type Server struct {
	Manager *Manager
	Tokens  *account.TokenIssuer
	Metrics *metrics.Metrics
	Log     *slog.Logger

	upgrader websocket.Upgrader
}

func NewServer(mgr *Manager, tokens *account.TokenIssuer, m *metrics.Metrics, log *slog.Logger) *Server {
	return &Server{
		Manager: mgr,
		Tokens:  tokens,
		Metrics: m,
		Log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement, when configured, runs in the outer
			// httpserver.CheckOrigin middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the http.HandlerFunc to mount at GET /relay/{session_id}.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := strings.TrimPrefix(r.URL.Path, "/relay/")
		if sessionID == "" || strings.Contains(sessionID, "/") {
			http.Error(w, "missing session id", http.StatusBadRequest)
			return
		}

		token := r.URL.Query().Get("token")
		if _, err := s.Tokens.Verify(token); err != nil {
			if s.Metrics != nil {
				s.Metrics.Inc(metrics.AuthFailure)
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		sess, err := s.Manager.getOrCreate(sessionID)
		if err != nil {
			if errors.Is(err, ErrTooManySessions) {
				http.Error(w, "too many sessions", http.StatusServiceUnavailable)
				return
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		role, self, peer, err := sess.join(conn)
		if err != nil {
			// Session already has two parties: reject this third connection.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session full"),
				time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}

		go s.run(sess, conn, role, self, peer)
	}
}

// run drives one party's side of a paired session: heartbeat plus the
// forwarding read loop. It blocks until the connection or its peer closes.
func (s *Server) run(sess *Session, conn *websocket.Conn, role partyRole, self, peer *wsConn) {
	if peer == nil {
		// This connection is the first party; wait for the second to join,
		// or for the half-open window to expire.
		var ok bool
		peer, ok = sess.awaitPeer()
		if !ok {
			if s.Metrics != nil {
				s.Metrics.Inc(metrics.RelaySessionsTimedOut)
			}
			sess.closeBoth("half_open_timeout")
			s.Manager.evict(sess)
			return
		}
	}

	heartbeatDone := make(chan struct{})
	go s.heartbeat(sess, self, heartbeatDone)
	defer close(heartbeatDone)

	conn.SetReadLimit(sess.cfg.WithDefaults().MaxMessageBytes)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			sess.closeBoth("endpoint_disconnected")
			s.Manager.evict(sess)
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if err := peer.writeMessage(websocket.BinaryMessage, data); err != nil {
				sess.closeBoth("forward_write_error")
				s.Manager.evict(sess)
				return
			}
			sess.addBytes(role, uint64(len(data)))
			if s.Metrics != nil {
				s.Metrics.Inc(metrics.RelayFramesForwarded)
				s.Metrics.Add(metrics.RelayBytesForwarded, uint64(len(data)))
			}
		case websocket.TextMessage:
			// Text messages are ignored in this revision: log only, no
			// forwarding.
			if s.Log != nil {
				s.Log.Debug("relay_text_message_ignored", "session_id", sess.ID)
			}
		case websocket.PingMessage, websocket.PongMessage:
			// Handled by gorilla's default control-frame handlers.
		}
	}
}

// heartbeat sends periodic application-level pings and closes the session
// if the peer fails to respond within the configured timeout.
func (s *Server) heartbeat(sess *Session, self *wsConn, done <-chan struct{}) {
	cfg := sess.cfg.WithDefaults()
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()

	// The pong handler runs on the connection's read goroutine; store the
	// timestamp atomically so this goroutine can read it safely.
	var lastPong atomic.Int64
	lastPong.Store(time.Now().UnixNano())
	self.conn.SetPongHandler(func(string) error {
		lastPong.Store(time.Now().UnixNano())
		return nil
	})

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, lastPong.Load())) > cfg.HeartbeatInterval+cfg.HeartbeatTimeout {
				sess.closeBoth("heartbeat_timeout")
				s.Manager.evict(sess)
				return
			}
			if err := self.writeControl(websocket.PingMessage, nil, time.Now().Add(cfg.HeartbeatTimeout)); err != nil {
				sess.closeBoth("heartbeat_write_error")
				s.Manager.evict(sess)
				return
			}
		}
	}
}
