package metrics

import "sync"

// Auth / signaling counters.
const (
	AuthFailure           = "auth_failure"
	DropReasonRateLimited = "rate_limited"

	SignalingConnectionsTotal = "signaling_connections_total"
	SignalingMessagesIn       = "signaling_messages_in"
	SignalingMessagesOut      = "signaling_messages_out"
	SignalingRouteMisses      = "signaling_route_misses"
	SignalingSuperseded       = "signaling_superseded_connections"
)

// Relay service counters.
const (
	RelaySessionsCreated  = "relay_sessions_created"
	RelaySessionsPaired   = "relay_sessions_paired"
	RelaySessionsClosed   = "relay_sessions_closed"
	RelaySessionsTimedOut = "relay_sessions_timed_out"
	RelayFramesForwarded  = "relay_frames_forwarded"
	RelayBytesForwarded   = "relay_bytes_forwarded"
)

// Tunnel transport counters.
const (
	TransportP2PEstablished    = "transport_p2p_established"
	TransportP2PFailed         = "transport_p2p_failed"
	TransportRelayFallbacks    = "transport_relay_fallbacks"
	TransportRelayEstablished  = "transport_relay_established"
	TransportConnectAckTimeout = "transport_connect_ack_timeout"
)

// Tunnel multiplexer counters.
const (
	MuxHTTPRequestsTotal     = "mux_http_requests_total"
	MuxHTTPRequestTimeouts   = "mux_http_request_timeouts"
	MuxWSConnectionsOpened   = "mux_ws_connections_opened"
	MuxWSConnectionsClosed   = "mux_ws_connections_closed"
	MuxUnknownFrameTypeTotal = "mux_unknown_frame_type_total"
)

// Metrics is a minimal, concurrency-safe counter registry. It is the
// canonical in-process counter API (cheap Inc/Add on hot paths); the
// Prometheus exposition in prometheus.go reads from it on scrape.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	if delta == 0 {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		cp[k] = v
	}
	return cp
}
