package mux

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/remotetunnel/relay/internal/frame"
)

// Socket is the WebSocket-shaped surface Dialer hands out, whether the
// underlying connection is tunneled or native.
type Socket interface {
	SendText(data string) error
	SendBinary(data []byte) error
	Close(code uint16, reason string) error
}

// Dialer is the explicit WebSocket factory for client applications.
// Everything dials through the tunnel EXCEPT the signaling control channel,
// which must go direct: tunneling the channel that negotiates the tunnel
// would deadlock the fallback path.
type Dialer struct {
	Mux *Mux

	// ControlURL is the signaling service base URL whose /signal endpoint is
	// exempt from tunneling.
	ControlURL *url.URL

	// NativeDial opens a direct (non-tunneled) WebSocket. Nil selects a
	// gorilla/websocket dial.
	NativeDial func(rawURL string, headers frame.Headers) (Socket, error)
}

// NewDialer builds a Dialer for m that exempts the control channel at
// controlURL.
func NewDialer(m *Mux, controlURL string) (*Dialer, error) {
	u, err := url.Parse(controlURL)
	if err != nil {
		return nil, fmt.Errorf("mux: control url: %w", err)
	}
	return &Dialer{Mux: m, ControlURL: u}, nil
}

// IsControlChannel reports whether rawURL addresses the signaling control
// channel (same host, /signal path).
func (d *Dialer) IsControlChannel(rawURL string) bool {
	if d.ControlURL == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if !strings.EqualFold(u.Hostname(), d.ControlURL.Hostname()) {
		return false
	}
	return u.Path == "/signal" || strings.HasSuffix(u.Path, "/signal")
}

// Dial returns a Socket for rawURL: a native WebSocket for the control
// channel, a tunneled sub-connection for everything else.
func (d *Dialer) Dial(rawURL string, headers frame.Headers) (Socket, error) {
	if d.IsControlChannel(rawURL) {
		dial := d.NativeDial
		if dial == nil {
			dial = nativeDial
		}
		return dial(rawURL, headers)
	}
	return d.Mux.OpenWebSocket(rawURL, headers)
}

// nativeSocket adapts a direct gorilla connection to the Socket surface.
type nativeSocket struct {
	conn *websocket.Conn
}

func nativeDial(rawURL string, headers frame.Headers) (Socket, error) {
	h := make(http.Header, len(headers))
	for name, value := range headers {
		h.Set(name, value)
	}
	conn, _, err := websocket.DefaultDialer.Dial(rawURL, h)
	if err != nil {
		return nil, err
	}
	return &nativeSocket{conn: conn}, nil
}

func (s *nativeSocket) SendText(data string) error {
	return s.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

func (s *nativeSocket) SendBinary(data []byte) error {
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *nativeSocket) Close(code uint16, reason string) error {
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(int(code), reason))
	return s.conn.Close()
}
