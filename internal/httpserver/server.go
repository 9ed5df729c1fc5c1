// Package httpserver provides the shared HTTP middleware chain and JSON
// helpers used by the signaling and relay service binaries: recover,
// request id, request logging, and Origin enforcement.
package httpserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/remotetunnel/relay/internal/origin"
)

// Middleware wraps an http.Handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares to handler in order, so the first middleware
// listed is outermost (runs first on a request, last on a response).
func Chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recover turns a panic in next into a 500 response instead of crashing the
// process, logging the recovered value and stack.
func Recover(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID assigns (or propagates) an X-Request-ID header for correlating
// log lines across a request's lifetime.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	// WebSocket upgrades bypass WriteHeader; track 101 explicitly so access
	// logs don't record upgraded connections as 200 OK.
	if w.status == http.StatusOK {
		w.status = http.StatusSwitchingProtocols
	}
	return hijacker.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// RequestLogger logs one structured line per request: method, path, status,
// duration, and the X-Request-ID set by RequestID.
func RequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

// originContextKey is how CheckOrigin's verdict is threaded to downstream
// WebSocket upgraders that need the raw Origin header for their own checks.
type originContextKey struct{}

// CheckOrigin enforces allowedOrigins against the request's Origin header for
// non-empty allow-lists. An empty allow-list permits any origin (useful for a
// signaling/relay deployment fronted by a reverse proxy that already
// enforces this).
//
// The normalized origin is stashed in the request context for handlers (e.g.
// WebSocket upgrade code) that need it again without re-parsing the header.
func CheckOrigin(allowedOrigins []string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowedOrigins) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			originHeader := r.Header.Get("Origin")
			if originHeader == "" {
				// Not a browser-originated CORS/WebSocket request; same-origin
				// clients (e.g. the host endpoint daemon, curl) don't send Origin.
				next.ServeHTTP(w, r)
				return
			}
			normalized, host, ok := origin.NormalizeHeader(originHeader)
			if !ok || !origin.IsAllowed(normalized, host, r.Host, allowedOrigins) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), originContextKey{}, normalized)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OriginFromContext returns the normalized Origin stashed by CheckOrigin, if
// any.
func OriginFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(originContextKey{}).(string)
	return v, ok
}

// WriteJSON writes v as a JSON response body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

// RegisterHealth installs GET /healthz and GET /version on mux.
func RegisterHealth(mux *http.ServeMux, version string) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"version": version})
	})
}
