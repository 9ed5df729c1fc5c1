package mux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remotetunnel/relay/internal/frame"
	"github.com/remotetunnel/relay/internal/transport"
)

// Host is the host endpoint's side of the multiplexer: it dispatches
// HTTP_REQUEST frames against a loopback HTTP base URL and WS_CONNECT frames
// to outbound WebSocket dials, mirroring everything back as frames.
type Host struct {
	mux *Mux
	log *slog.Logger

	// LocalBase is the HTTP base URL requests are dispatched against.
	LocalBase string

	client   *http.Client
	wsDialer *websocket.Dialer
}

// DefaultDispatchTimeout bounds one local HTTP dispatch. Slightly below the
// client's correlation timeout so the host answers with a 5xx instead of
// letting the correlation expire.
const DefaultDispatchTimeout = 25 * time.Second

// NewHost attaches a host dispatcher to t.
func NewHost(t transport.Transport, localBase string, log *slog.Logger, opts ...Option) *Host {
	h := &Host{
		log:       log,
		LocalBase: strings.TrimSuffix(localBase, "/"),
		client:    &http.Client{Timeout: DefaultDispatchTimeout},
		wsDialer:  websocket.DefaultDialer,
	}
	h.mux = New(t, nil, log, opts...)
	h.mux.SetHandler(h)
	return h
}

// Mux returns the underlying multiplexer, for lifecycle control.
func (h *Host) Mux() *Mux { return h.mux }

// HandleHTTPRequest reconstructs the request, dispatches it locally, and
// streams the fully-received response back as a single HTTP_RESPONSE frame.
func (h *Host) HandleHTTPRequest(req *frame.HTTPRequest) {
	go func() {
		resp := h.dispatch(req)
		if err := h.mux.writeFrame(resp); err != nil && h.log != nil {
			h.log.Warn("host_response_write_failed", "request_id", req.RequestID, "err", err)
		}
	}()
}

func (h *Host) dispatch(req *frame.HTTPRequest) *frame.HTTPResponse {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultDispatchTimeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	target := h.LocalBase + req.Path
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return errorResponse(req.RequestID, http.StatusBadRequest, "bad request")
	}
	for name, value := range req.Headers {
		// Host and connection management headers belong to the local hop.
		switch http.CanonicalHeaderKey(name) {
		case "Host", "Connection", "Content-Length":
			continue
		}
		httpReq.Header.Set(name, value)
	}

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		if h.log != nil {
			h.log.Warn("host_dispatch_failed", "request_id", req.RequestID, "target", target, "err", err)
		}
		return errorResponse(req.RequestID, http.StatusBadGateway, "local service unreachable")
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, frame.DefaultMaxPayload))
	if err != nil {
		return errorResponse(req.RequestID, http.StatusBadGateway, "error reading local response")
	}

	headers := make(frame.Headers, len(httpResp.Header))
	for name := range httpResp.Header {
		headers[name] = httpResp.Header.Get(name)
	}
	return &frame.HTTPResponse{
		RequestID: req.RequestID,
		Status:    uint16(httpResp.StatusCode),
		Headers:   headers,
		Body:      respBody,
	}
}

func errorResponse(requestID uint32, status int, message string) *frame.HTTPResponse {
	return &frame.HTTPResponse{
		RequestID: requestID,
		Status:    uint16(status),
		Headers:   frame.Headers{"Content-Type": "text/plain"},
		Body:      []byte(message),
	}
}

// HandleWSConnect opens the outbound WebSocket the sub-connection maps to
// and bridges frames in both directions until either side closes.
func (h *Host) HandleWSConnect(req *frame.WSConnect) {
	sub := &hostSub{host: h, id: req.ConnectionID}
	if err := h.mux.adoptConn(req.ConnectionID, sub); err != nil {
		_ = h.mux.writeFrame(&frame.WSClose{
			ConnectionID: req.ConnectionID,
			Code:         CloseAbnormal,
			Reason:       "too many sub-connections",
		})
		return
	}

	go func() {
		header := make(http.Header, len(req.Headers))
		for name, value := range req.Headers {
			switch http.CanonicalHeaderKey(name) {
			// The dialer computes its own handshake headers.
			case "Host", "Connection", "Upgrade", "Sec-Websocket-Key", "Sec-Websocket-Version":
				continue
			}
			header.Set(name, value)
		}
		conn, _, err := h.wsDialer.Dial(req.URL, header)
		if err != nil {
			if h.log != nil {
				h.log.Warn("host_ws_dial_failed", "connection_id", req.ConnectionID, "url", req.URL, "err", err)
			}
			h.mux.releaseConn(req.ConnectionID)
			_ = h.mux.writeFrame(&frame.WSClose{
				ConnectionID: req.ConnectionID,
				Code:         CloseAbnormal,
				Reason:       "dial failed",
			})
			return
		}
		sub.attach(conn)
		sub.readLoop()
	}()
}

// hostSub is the host-side record of one sub-connection: the outbound socket
// to the real local service.
type hostSub struct {
	host *Host
	id   uint32

	mu      sync.Mutex
	conn    *websocket.Conn
	pending []*frame.WSData // frames that arrived while the dial was in flight
	done    bool
}

func (s *hostSub) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	pending := s.pending
	s.pending = nil
	done := s.done
	s.mu.Unlock()
	if done {
		_ = conn.Close()
		return
	}
	for _, m := range pending {
		s.writeOut(m)
	}
}

// readLoop forwards inbound messages from the local service to the peer as
// WS_DATA frames, and its close as WS_CLOSE.
func (s *hostSub) readLoop() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			code, reason := CloseAbnormal, "abnormal"
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code, reason = uint16(closeErr.Code), closeErr.Text
			}
			s.teardown(code, reason, true)
			return
		}
		var opcode byte
		switch msgType {
		case websocket.TextMessage:
			opcode = frame.OpcodeText
		case websocket.BinaryMessage:
			opcode = frame.OpcodeBinary
		default:
			continue
		}
		err = s.host.mux.writeFrame(&frame.WSData{ConnectionID: s.id, Opcode: opcode, Payload: data})
		if err != nil {
			s.teardown(CloseAbnormal, "transport closed", false)
			return
		}
	}
}

// handleData forwards a peer frame onto the outbound socket. Frames racing
// the outbound dial are buffered and flushed by attach.
func (s *hostSub) handleData(m *frame.WSData) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	if s.conn == nil {
		s.pending = append(s.pending, m)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.writeOut(m)
}

func (s *hostSub) writeOut(m *frame.WSData) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	var err error
	switch m.Opcode {
	case frame.OpcodeText:
		err = conn.WriteMessage(websocket.TextMessage, m.Payload)
	case frame.OpcodeBinary:
		err = conn.WriteMessage(websocket.BinaryMessage, m.Payload)
	case frame.OpcodePing:
		err = conn.WriteControl(websocket.PingMessage, m.Payload, time.Now().Add(time.Second))
	case frame.OpcodePong:
		err = conn.WriteControl(websocket.PongMessage, m.Payload, time.Now().Add(time.Second))
	default:
		return
	}
	if err != nil {
		s.teardown(CloseAbnormal, "abnormal", true)
	}
}

func (s *hostSub) handleClose(m *frame.WSClose) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(int(m.Code), m.Reason))
		_ = conn.Close()
	}
	// Confirm the close so the peer's closing state completes.
	_ = s.host.mux.writeFrame(&frame.WSClose{ConnectionID: s.id, Code: m.Code, Reason: m.Reason})
}

func (s *hostSub) transportClosed() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// teardown closes the outbound socket and, when notifyPeer is set, reports
// the close to the peer as a WS_CLOSE frame.
func (s *hostSub) teardown(code uint16, reason string, notifyPeer bool) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	conn := s.conn
	s.mu.Unlock()

	s.host.mux.releaseConn(s.id)
	if conn != nil {
		_ = conn.Close()
	}
	if notifyPeer {
		_ = s.host.mux.writeFrame(&frame.WSClose{ConnectionID: s.id, Code: code, Reason: reason})
	}
}
