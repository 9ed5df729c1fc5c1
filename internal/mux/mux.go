// Package mux sits between the tunnel transport and the application: it
// correlates HTTP request/response pairs by request id, tracks WebSocket
// sub-connections by connection id, and splices both onto local fetch/dial
// usage on the client endpoint and onto loopback HTTP and outbound WebSocket
// connections on the host endpoint.
package mux

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/remotetunnel/relay/internal/frame"
	"github.com/remotetunnel/relay/internal/metrics"
	"github.com/remotetunnel/relay/internal/transport"
)

var (
	// ErrRequestTimeout marks a pending HTTP correlation that exceeded its
	// deadline.
	ErrRequestTimeout = errors.New("mux: request timed out")

	// ErrConnectionClosed fails every operation pending when the transport
	// goes down, and any new operation issued after it.
	ErrConnectionClosed = errors.New("mux: transport closed")

	// ErrTooManyConnections rejects a WS_CONNECT beyond the sub-connection
	// cap.
	ErrTooManyConnections = errors.New("mux: too many websocket sub-connections")
)

// DefaultRequestTimeout bounds a pending HTTP correlation.
const DefaultRequestTimeout = 30 * time.Second

// Handler consumes the server-bound frame types. The host endpoint installs
// one; the client endpoint leaves it nil and such frames are dropped.
type Handler interface {
	HandleHTTPRequest(req *frame.HTTPRequest)
	HandleWSConnect(req *frame.WSConnect)
}

// subConn is one tracked WebSocket sub-connection, client- or host-side.
type subConn interface {
	handleData(m *frame.WSData)
	handleClose(m *frame.WSClose)
	transportClosed()
}

// Mux demultiplexes frames from one transport by type and sub-stream id.
//
// Ownership: the endpoint that opens a request or sub-connection owns its
// table entry; entries are released on response, close frame, timeout, or
// transport death. Request and connection ids restart from 1 on a new Mux
// (a transport re-establishment builds a new Mux).
type Mux struct {
	t       transport.Transport
	codec   *frame.Codec
	metrics *metrics.Metrics
	log     *slog.Logger

	requestTimeout time.Duration
	maxConns       int

	mu         sync.Mutex
	handler    Handler
	nextReqID  uint32
	nextConnID uint32
	pending    map[uint32]chan *frame.HTTPResponse
	conns      map[uint32]subConn
	closed     bool
}

// Option tweaks a Mux at construction.
type Option func(*Mux)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(m *Mux) { m.requestTimeout = d }
}

// WithMaxConnections caps concurrent WebSocket sub-connections.
func WithMaxConnections(n int) Option {
	return func(m *Mux) { m.maxConns = n }
}

// New attaches a multiplexer to t and starts consuming its frames. The
// returned Mux fails all pending work with ErrConnectionClosed when t dies.
func New(t transport.Transport, mtr *metrics.Metrics, log *slog.Logger, opts ...Option) *Mux {
	m := &Mux{
		t:              t,
		codec:          frame.NewCodec(),
		metrics:        mtr,
		log:            log,
		requestTimeout: DefaultRequestTimeout,
		maxConns:       256,
		pending:        make(map[uint32]chan *frame.HTTPResponse),
		conns:          make(map[uint32]subConn),
	}
	for _, opt := range opts {
		opt(m)
	}
	t.SetReceiver(m.handleFrame)
	go func() {
		<-t.Done()
		m.failAll()
	}()
	return m
}

// SetHandler installs the host-side consumer for HTTP_REQUEST and WS_CONNECT
// frames. Must be set before the peer starts sending; the host endpoint does
// this immediately after New.
func (m *Mux) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Transport returns the underlying transport.
func (m *Mux) Transport() transport.Transport { return m.t }

// handleFrame is the demultiplex rule: the first byte of every frame selects
// the sub-system. Unknown frame types are logged and discarded.
func (m *Mux) handleFrame(data []byte) {
	decoded, err := m.codec.Decode(data)
	if err != nil {
		if m.metrics != nil && errors.Is(err, frame.ErrUnknownFrameType) {
			m.metrics.Inc(metrics.MuxUnknownFrameTypeTotal)
		}
		if m.log != nil {
			m.log.Warn("mux_discarding_frame", "err", err)
		}
		return
	}

	switch f := decoded.(type) {
	case *frame.HTTPResponse:
		m.resolveResponse(f)
	case *frame.WSData:
		m.mu.Lock()
		conn, ok := m.conns[f.ConnectionID]
		m.mu.Unlock()
		if !ok {
			if m.log != nil {
				m.log.Debug("mux_data_for_unknown_connection", "connection_id", f.ConnectionID)
			}
			return
		}
		conn.handleData(f)
	case *frame.WSClose:
		m.mu.Lock()
		conn, ok := m.conns[f.ConnectionID]
		delete(m.conns, f.ConnectionID)
		m.mu.Unlock()
		if !ok {
			return
		}
		conn.handleClose(f)
	case *frame.HTTPRequest:
		m.mu.Lock()
		h := m.handler
		m.mu.Unlock()
		if h == nil {
			if m.log != nil {
				m.log.Warn("mux_request_without_handler", "request_id", f.RequestID)
			}
			return
		}
		h.HandleHTTPRequest(f)
	case *frame.WSConnect:
		m.mu.Lock()
		h := m.handler
		m.mu.Unlock()
		if h == nil {
			if m.log != nil {
				m.log.Warn("mux_connect_without_handler", "connection_id", f.ConnectionID)
			}
			return
		}
		h.HandleWSConnect(f)
	}
}

// resolveResponse hands an HTTP_RESPONSE to its waiting correlation entry.
// Responses with no pending entry (duplicate, or arrived after timeout) are
// logged and dropped.
func (m *Mux) resolveResponse(resp *frame.HTTPResponse) {
	m.mu.Lock()
	ch, ok := m.pending[resp.RequestID]
	delete(m.pending, resp.RequestID)
	m.mu.Unlock()
	if !ok {
		if m.log != nil {
			m.log.Warn("mux_response_for_unknown_request", "request_id", resp.RequestID)
		}
		return
	}
	ch <- resp
}

// writeFrame encodes and sends one frame on the transport.
func (m *Mux) writeFrame(v any) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}
	data, err := m.codec.Encode(v)
	if err != nil {
		return err
	}
	if err := m.t.Send(data); err != nil {
		return ErrConnectionClosed
	}
	return nil
}

// failAll cancels every pending request and open sub-connection; after it
// runs, the pending table is empty and no sub-connection survives.
func (m *Mux) failAll() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pending := m.pending
	conns := m.conns
	m.pending = make(map[uint32]chan *frame.HTTPResponse)
	m.conns = make(map[uint32]subConn)
	m.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, conn := range conns {
		conn.transportClosed()
	}
}

// Close tears down the transport, which in turn fails all pending work.
func (m *Mux) Close() error {
	err := m.t.Close()
	m.failAll()
	return err
}

// PendingCount returns the number of unresolved request correlations.
func (m *Mux) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// ConnCount returns the number of tracked WebSocket sub-connections.
func (m *Mux) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// registerPending allocates a request id and its one-shot response channel.
func (m *Mux) registerPending() (uint32, chan *frame.HTTPResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil, ErrConnectionClosed
	}
	m.nextReqID++
	id := m.nextReqID
	ch := make(chan *frame.HTTPResponse, 1)
	m.pending[id] = ch
	return id, ch, nil
}

func (m *Mux) releasePending(id uint32) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// registerConn allocates a connection id for a locally-opened sub-connection.
func (m *Mux) registerConn(conn subConn) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrConnectionClosed
	}
	if len(m.conns) >= m.maxConns {
		return 0, ErrTooManyConnections
	}
	m.nextConnID++
	id := m.nextConnID
	m.conns[id] = conn
	return id, nil
}

// adoptConn tracks a sub-connection opened by the peer under its id.
func (m *Mux) adoptConn(id uint32, conn subConn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrConnectionClosed
	}
	if len(m.conns) >= m.maxConns {
		return ErrTooManyConnections
	}
	m.conns[id] = conn
	return nil
}

func (m *Mux) releaseConn(id uint32) {
	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
}
