package transport

import (
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// newPeerConnection builds a PeerConnection configured with the endpoint's
// STUN/TURN servers.
func newPeerConnection(iceServerURLs []string) (*webrtc.PeerConnection, error) {
	se := webrtc.SettingEngine{LoggerFactory: logging.NewDefaultLoggerFactory()}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	var servers []webrtc.ICEServer
	if len(iceServerURLs) > 0 {
		servers = []webrtc.ICEServer{{URLs: iceServerURLs}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("transport: new peer connection: %w", err)
	}
	return pc, nil
}

// P2PTransport is a Transport over a single bidirectional DataChannel on a
// peer connection negotiated via signaling.
type P2PTransport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	mu       sync.Mutex
	receiver receiverState
	open     bool

	closeOnce sync.Once
	done      chan struct{}
}

// newP2PTransport wraps an established (or establishing) pc/dc pair. Message
// and close handlers are installed here; the channel is considered open once
// OnOpen fires.
func newP2PTransport(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *P2PTransport {
	t := &P2PTransport{
		pc:   pc,
		dc:   dc,
		done: make(chan struct{}),
	}

	dc.OnOpen(func() {
		t.mu.Lock()
		t.open = true
		t.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		t.receiver.deliver(msg.Data)
		t.mu.Unlock()
	})
	dc.OnClose(func() {
		t.shutdown()
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			t.shutdown()
		}
	})

	return t
}

func (t *P2PTransport) Send(data []byte) error {
	if !t.IsOpen() {
		return ErrTransportClosed
	}
	if err := t.dc.Send(data); err != nil {
		t.shutdown()
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

func (t *P2PTransport) SetReceiver(fn func(data []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver.install(fn)
}

func (t *P2PTransport) IsOpen() bool {
	select {
	case <-t.done:
		return false
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *P2PTransport) Mode() Mode { return ModeP2PDirect }

func (t *P2PTransport) Close() error {
	t.shutdown()
	return nil
}

func (t *P2PTransport) Done() <-chan struct{} { return t.done }

func (t *P2PTransport) shutdown() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.open = false
		t.mu.Unlock()
		_ = t.dc.Close()
		_ = t.pc.Close()
		close(t.done)
	})
}
