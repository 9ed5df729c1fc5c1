package mux

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/remotetunnel/relay/internal/frame"
	"github.com/remotetunnel/relay/internal/metrics"
)

// FetchRequest is a proxied HTTP request. URL may be absolute or a bare
// path; only its path and query travel over the tunnel, and the host
// endpoint dispatches against its own configured local base URL.
type FetchRequest struct {
	Method  string
	URL     string
	Headers frame.Headers
	Body    []byte
}

// FetchResponse is the proxied HTTP response.
type FetchResponse struct {
	Status  uint16
	Headers frame.Headers
	Body    []byte
}

// ProxyFetch issues one HTTP transaction through the tunnel: it allocates a
// fresh request id, registers the correlation entry, sends an HTTP_REQUEST
// frame, and waits for the matching HTTP_RESPONSE. The entry is released on
// response, timeout (ErrRequestTimeout), context cancellation, or transport
// death (ErrConnectionClosed); it never stays pending past any of those.
func (m *Mux) ProxyFetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	method := req.Method
	if method == "" {
		method = "GET"
	}
	path, err := pathWithQuery(req.URL)
	if err != nil {
		return nil, err
	}

	id, ch, err := m.registerPending()
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.Inc(metrics.MuxHTTPRequestsTotal)
	}

	err = m.writeFrame(&frame.HTTPRequest{
		RequestID: id,
		Method:    method,
		Path:      path,
		Headers:   req.Headers,
		Body:      req.Body,
	})
	if err != nil {
		m.releasePending(id)
		return nil, err
	}

	timer := time.NewTimer(m.requestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return &FetchResponse{Status: resp.Status, Headers: resp.Headers, Body: resp.Body}, nil
	case <-timer.C:
		m.releasePending(id)
		if m.metrics != nil {
			m.metrics.Inc(metrics.MuxHTTPRequestTimeouts)
		}
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		m.releasePending(id)
		return nil, ctx.Err()
	}
}

// pathWithQuery reduces rawURL to the path-plus-query the wire format
// carries.
func pathWithQuery(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("mux: parse url: %w", err)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path, nil
}
