package mux

import (
	"errors"
	"sync"

	"github.com/remotetunnel/relay/internal/frame"
	"github.com/remotetunnel/relay/internal/metrics"
)

// WSState is a sub-connection's lifecycle position, following WebSocket
// semantics.
type WSState int

const (
	WSConnecting WSState = iota
	WSOpen
	WSClosing
	WSClosed
)

func (s WSState) String() string {
	switch s {
	case WSConnecting:
		return "connecting"
	case WSOpen:
		return "open"
	case WSClosing:
		return "closing"
	case WSClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// CloseAbnormal is the close code reported when a sub-connection dies
// without a proper close handshake.
const CloseAbnormal uint16 = 1006

var ErrWSNotOpen = errors.New("mux: websocket sub-connection not open")

// WSConn is the client-side surface of one WebSocket sub-connection
// multiplexed over the tunnel. Callbacks are invoked from the transport's
// receive path and must not block.
type WSConn struct {
	mux *Mux
	id  uint32
	url string

	// OnMessage receives each inbound message with its decoded opcode
	// (frame.OpcodeText payloads are valid UTF-8 by contract).
	OnMessage func(opcode byte, payload []byte)
	// OnClose fires exactly once when the sub-connection reaches closed.
	OnClose func(code uint16, reason string)

	mu        sync.Mutex
	state     WSState
	closeOnce sync.Once
}

// OpenWebSocket opens a sub-connection to url via the tunnel: it allocates a
// fresh connection id, sends WS_CONNECT, and returns the conn in the open
// state. Set the callbacks before any peer data can arrive,
// i.e. immediately, before yielding.
func (m *Mux) OpenWebSocket(url string, headers frame.Headers) (*WSConn, error) {
	c := &WSConn{mux: m, url: url, state: WSConnecting}
	id, err := m.registerConn(c)
	if err != nil {
		return nil, err
	}
	c.id = id

	err = m.writeFrame(&frame.WSConnect{ConnectionID: id, URL: url, Headers: headers})
	if err != nil {
		m.releaseConn(id)
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.Inc(metrics.MuxWSConnectionsOpened)
	}

	// There is no open acknowledgement on the wire; the sub-connection is
	// usable as soon as WS_CONNECT is on its way.
	c.mu.Lock()
	c.state = WSOpen
	c.mu.Unlock()
	return c, nil
}

// ConnectionID returns the sub-connection's 32-bit id.
func (c *WSConn) ConnectionID() uint32 { return c.id }

// URL returns the target URL the sub-connection was opened against.
func (c *WSConn) URL() string { return c.url }

// State returns the sub-connection's lifecycle state.
func (c *WSConn) State() WSState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendText sends data as a text message.
func (c *WSConn) SendText(data string) error {
	return c.send(frame.OpcodeText, []byte(data))
}

// SendBinary sends data as a binary message.
func (c *WSConn) SendBinary(data []byte) error {
	return c.send(frame.OpcodeBinary, data)
}

func (c *WSConn) send(opcode byte, payload []byte) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != WSOpen {
		return ErrWSNotOpen
	}
	return c.mux.writeFrame(&frame.WSData{ConnectionID: c.id, Opcode: opcode, Payload: payload})
}

// Close sends WS_CLOSE and transitions to closing. The close event fires
// when the peer's close (or the transport's death) comes back.
func (c *WSConn) Close(code uint16, reason string) error {
	c.mu.Lock()
	if c.state == WSClosing || c.state == WSClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = WSClosing
	c.mu.Unlock()
	return c.mux.writeFrame(&frame.WSClose{ConnectionID: c.id, Code: code, Reason: reason})
}

func (c *WSConn) handleData(m *frame.WSData) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == WSClosed {
		return
	}
	if c.OnMessage != nil {
		c.OnMessage(m.Opcode, m.Payload)
	}
}

func (c *WSConn) handleClose(m *frame.WSClose) {
	c.finish(m.Code, m.Reason)
}

func (c *WSConn) transportClosed() {
	c.finish(CloseAbnormal, "transport closed")
}

func (c *WSConn) finish(code uint16, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = WSClosed
		c.mu.Unlock()
		c.mux.releaseConn(c.id)
		if c.mux.metrics != nil {
			c.mux.metrics.Inc(metrics.MuxWSConnectionsClosed)
		}
		if c.OnClose != nil {
			c.OnClose(code, reason)
		}
	})
}
