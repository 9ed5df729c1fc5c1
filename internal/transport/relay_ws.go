package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// RelayTransport is a Transport over a WebSocket to the relay service,
// bound to a session id shared with the peer endpoint. The relay forwards
// binary messages verbatim, so Send/receive carry whole frames unchanged.
type RelayTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	receiver receiverState
	closed   bool

	closeOnce sync.Once
	done      chan struct{}
}

// RelaySessionID computes the deterministic session id both endpoints dial:
// "{browser_device_id}-{target_device_id}".
func RelaySessionID(browserDeviceID, targetDeviceID string) string {
	return browserDeviceID + "-" + targetDeviceID
}

// RelayEndpointURL builds the WebSocket URL for a relay session from the
// service base URL (http, https, ws or wss scheme).
func RelayEndpointURL(relayBaseURL, sessionID, token string) (string, error) {
	u, err := url.Parse(relayBaseURL)
	if err != nil {
		return "", fmt.Errorf("transport: relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("transport: relay url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/relay/" + sessionID
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DialRelay opens a relay transport for sessionID against the relay service
// at relayBaseURL, authenticating with token.
func DialRelay(ctx context.Context, relayBaseURL, sessionID, token string) (*RelayTransport, error) {
	endpoint, err := RelayEndpointURL(relayBaseURL, sessionID, token)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial relay: %w", err)
	}
	t := &RelayTransport{
		conn: conn,
		done: make(chan struct{}),
	}
	go t.readPump()
	return t, nil
}

func (t *RelayTransport) readPump() {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			t.shutdown()
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		t.mu.Lock()
		t.receiver.deliver(data)
		t.mu.Unlock()
	}
}

func (t *RelayTransport) Send(data []byte) error {
	if !t.IsOpen() {
		return ErrTransportClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.shutdown()
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

func (t *RelayTransport) SetReceiver(fn func(data []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver.install(fn)
}

func (t *RelayTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *RelayTransport) Mode() Mode { return ModeRelay }

func (t *RelayTransport) Close() error {
	t.shutdown()
	return nil
}

func (t *RelayTransport) Done() <-chan struct{} { return t.done }

func (t *RelayTransport) shutdown() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		_ = t.conn.Close()
		close(t.done)
	})
}
