package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remotetunnel/relay/internal/metrics"
)

// partyRole distinguishes the first and second endpoint admitted to a
// Session.
type partyRole int

const (
	rolePartyA partyRole = iota
	rolePartyB
)

// wsConn serializes writes to a single *websocket.Conn: gorilla/websocket
// permits at most one concurrent writer, and a session writes to each
// connection from two places (the peer's forwarding goroutine and this
// session's heartbeat ticker).
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) writeMessage(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(messageType, data)
}

func (w *wsConn) writeControl(messageType int, data []byte, deadline time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(messageType, data, deadline)
}

// Session is a pair of WebSocket connections bound to a shared opaque
// session id. Its lifecycle is half-open (one party) -> open (both) ->
// closed (either party disconnects, or the half-open window expires).
type Session struct {
	ID  string
	cfg Config

	metrics *metrics.Metrics
	log     *slog.Logger

	mu     sync.Mutex
	partyA *wsConn
	partyB *wsConn
	closed bool

	peerCh chan *wsConn // delivers partyB to partyA's goroutine once partyB joins

	startedAt time.Time
	bytesAtoB uint64
	bytesBtoA uint64

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(id string, cfg Config, m *metrics.Metrics, log *slog.Logger) *Session {
	return &Session{
		ID:        id,
		cfg:       cfg,
		metrics:   m,
		log:       log,
		peerCh:    make(chan *wsConn, 1),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// join admits conn to the session as whichever party slot is free. The
// returned self wrapper serializes all writes to conn (peer forwarding and
// heartbeat share it).
//
// When conn becomes the second party, its wrapper is also delivered over
// peerCh so the first party's already-running goroutine can start
// forwarding.
func (s *Session) join(conn *websocket.Conn) (role partyRole, self, peer *wsConn, err error) {
	wc := &wsConn{conn: conn}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, nil, nil, ErrSessionFull
	}
	switch {
	case s.partyA == nil:
		s.partyA = wc
		return rolePartyA, wc, nil, nil
	case s.partyB == nil:
		s.partyB = wc
		s.peerCh <- wc
		if s.metrics != nil {
			s.metrics.Inc(metrics.RelaySessionsPaired)
		}
		return rolePartyB, wc, s.partyA, nil
	default:
		return 0, nil, nil, ErrSessionFull
	}
}

// awaitPeer blocks the first party until the second joins or the half-open
// window expires.
func (s *Session) awaitPeer() (*wsConn, bool) {
	timeout := s.cfg.WithDefaults().HalfOpenTimeout
	select {
	case peer := <-s.peerCh:
		return peer, true
	case <-time.After(timeout):
		return nil, false
	case <-s.done:
		return nil, false
	}
}

func (s *Session) addBytes(role partyRole, n uint64) {
	s.mu.Lock()
	if role == rolePartyA {
		s.bytesAtoB += n
	} else {
		s.bytesBtoA += n
	}
	s.mu.Unlock()
}

// closeBoth marks the session closed, closes both underlying connections
// (idempotent), and emits the session's metering record.
func (s *Session) closeBoth(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		a, b := s.partyA, s.partyB
		duration := time.Since(s.startedAt)
		bytesAtoB, bytesBtoA := s.bytesAtoB, s.bytesBtoA
		s.mu.Unlock()
		close(s.done)

		if a != nil {
			_ = a.conn.Close()
		}
		if b != nil {
			_ = b.conn.Close()
		}

		if s.metrics != nil {
			s.metrics.Inc(metrics.RelaySessionsClosed)
		}
		if s.log != nil {
			s.log.Info("relay_session_closed",
				"session_id", s.ID,
				"reason", reason,
				"duration_ms", duration.Milliseconds(),
				"bytes_a_to_b", bytesAtoB,
				"bytes_b_to_a", bytesBtoA,
			)
		}
	})
}
