// Package transport maintains the ordered byte pipe between the two tunnel
// endpoints: a WebRTC data channel when peer-to-peer connectivity works, or
// a WebSocket through the relay service when it does not. The browser-side
// Connector owns the fallback decision; the host-side Responder follows it.
package transport

import "errors"

// Mode is an endpoint's current transport mode.
type Mode string

const (
	ModeP2PDirect Mode = "p2p-direct"
	ModeRelay     Mode = "relay"
	ModeOffline   Mode = "offline"
)

// DataChannelLabel is the single bidirectional data channel negotiated via
// signaling.
const DataChannelLabel = "http-proxy"

var (
	// ErrTransportClosed is returned by Send on a transport that has been
	// closed or has failed.
	ErrTransportClosed = errors.New("transport: closed")

	// ErrTransportFailed marks an underlying peer connection or WebSocket
	// that closed unexpectedly.
	ErrTransportFailed = errors.New("transport: underlying connection failed")

	// ErrConnectAckTimeout is returned when a connect-request is not
	// acknowledged by the target device within the configured window.
	ErrConnectAckTimeout = errors.New("transport: connect-request not acknowledged in time")
)

// Transport is the single send/receive surface the multiplexer rides on.
// Frames are delivered to the receiver whole and in order; up to
// maxBacklogFrames frames received before SetReceiver is called are
// buffered, and further ones are dropped.
type Transport interface {
	// Send writes one complete frame to the peer.
	Send(data []byte) error

	// SetReceiver installs the handler invoked for every received frame.
	// Frames buffered before installation are flushed to it synchronously.
	SetReceiver(fn func(data []byte))

	// IsOpen reports whether the transport can currently send.
	IsOpen() bool

	// Mode identifies the transport flavor, for logs and state reporting.
	Mode() Mode

	// Close tears the transport down. Safe to call more than once.
	Close() error

	// Done is closed when the transport is no longer usable, whether by
	// Close or by an underlying failure.
	Done() <-chan struct{}
}

// receiverState implements the buffer-until-receiver-installed contract
// shared by both transport flavors.
type receiverState struct {
	fn      func([]byte)
	backlog [][]byte
}

// maxBacklogFrames bounds how much can pile up between transport open and
// SetReceiver. In practice the multiplexer attaches before the first frame.
const maxBacklogFrames = 64

func (r *receiverState) deliver(data []byte) {
	if r.fn != nil {
		r.fn(data)
		return
	}
	if len(r.backlog) < maxBacklogFrames {
		r.backlog = append(r.backlog, data)
	}
}

func (r *receiverState) install(fn func([]byte)) {
	r.fn = fn
	for _, data := range r.backlog {
		fn(data)
	}
	r.backlog = nil
}
