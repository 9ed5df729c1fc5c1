package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remotetunnel/relay/internal/signaling"
)

// signalChannel is the slice of the signaling session the connector and
// responder need; *SignalClient satisfies it, tests substitute a fake.
type signalChannel interface {
	Send(env signaling.Envelope) error
	Receive() <-chan signaling.Envelope
	Done() <-chan struct{}
	Close() error
}

// SignalClient is an endpoint's live WebSocket session with the signaling
// service. Incoming envelopes are delivered on Receive in arrival order.
type SignalClient struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	recv chan signaling.Envelope

	closeOnce sync.Once
	done      chan struct{}
}

// SignalEndpointURL builds the /signal WebSocket URL from the service base
// URL (http, https, ws or wss scheme).
func SignalEndpointURL(signalingBaseURL, token, deviceID string) (string, error) {
	u, err := url.Parse(signalingBaseURL)
	if err != nil {
		return "", fmt.Errorf("transport: signaling url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("transport: signaling url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/signal"
	q := u.Query()
	q.Set("token", token)
	q.Set("device_id", deviceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DialSignaling opens the signaling session for deviceID and waits for the
// service's initial `connected` envelope before returning.
func DialSignaling(ctx context.Context, signalingBaseURL, token, deviceID string, log *slog.Logger) (*SignalClient, error) {
	endpoint, err := SignalEndpointURL(signalingBaseURL, token, deviceID)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial signaling: %w", err)
	}

	c := &SignalClient{
		conn: conn,
		log:  log,
		recv: make(chan signaling.Envelope, 32),
		done: make(chan struct{}),
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: signaling handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	var env signaling.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != signaling.TypeConnected {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: signaling handshake: unexpected frame %q", data)
	}

	go c.readPump()
	return c, nil
}

func (c *SignalClient) readPump() {
	defer c.shutdown()
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			if c.log != nil {
				c.log.Warn("signaling_client_bad_frame", "err", err)
			}
			continue
		}
		select {
		case c.recv <- env:
		case <-c.done:
			return
		}
	}
}

// Send writes one envelope to the signaling service as a text frame.
func (c *SignalClient) Send(env signaling.Envelope) error {
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive returns the channel of incoming envelopes. The channel is not
// closed on shutdown; select against Done for termination.
func (c *SignalClient) Receive() <-chan signaling.Envelope { return c.recv }

func (c *SignalClient) Close() error {
	c.shutdown()
	return nil
}

// Done is closed when the signaling session ends.
func (c *SignalClient) Done() <-chan struct{} { return c.done }

func (c *SignalClient) shutdown() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		close(c.done)
	})
}
