package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/remotetunnel/relay/internal/account"
	"github.com/remotetunnel/relay/internal/httpserver"
	"github.com/remotetunnel/relay/internal/metrics"
)

// Store is the persistence surface the HTTP handlers need; *store.Store
// satisfies it.
type Store interface {
	CreateUser(ctx context.Context, email, passwordHash string) (account.User, error)
	UserByEmail(ctx context.Context, email string) (account.User, error)
	UpsertDevice(ctx context.Context, userID int64, deviceID string, pubkey []byte) (account.Device, error)
	DevicesByUser(ctx context.Context, userID int64) ([]account.Device, error)
	DeviceByID(ctx context.Context, deviceID string) (account.Device, error)
}

// HTTPHandlers implements the signaling service's HTTP surface:
// /auth/register, /auth/login, /devices/register, /devices/.
type HTTPHandlers struct {
	Store   Store
	Tokens  *account.TokenIssuer
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

func (h *HTTPHandlers) incFailure() {
	if h.Metrics != nil {
		h.Metrics.Inc(metrics.AuthFailure)
	}
}

// Register handles POST /auth/register.
func (h *HTTPHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"code": "validation_error", "message": "email and password are required"})
		return
	}

	hash, err := account.HashPassword(req.Password)
	if err != nil {
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"code": "internal_error", "message": "internal error"})
		return
	}

	u, err := h.Store.CreateUser(r.Context(), req.Email, hash)
	if err != nil {
		if errors.Is(err, account.ErrEmailTaken) {
			httpserver.WriteJSON(w, http.StatusConflict, map[string]any{"code": "conflict", "message": "email already registered"})
			return
		}
		httpserver.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"code": "service_unavailable", "message": "storage unavailable"})
		return
	}

	tok, err := h.Tokens.Issue(u.ID)
	if err != nil {
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"code": "internal_error", "message": "internal error"})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, tokenResponse{AccessToken: tok})
}

// Login handles POST /auth/login.
func (h *HTTPHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"code": "validation_error", "message": "email and password are required"})
		return
	}

	u, err := h.Store.UserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, account.ErrUserNotFound) {
			h.incFailure()
			httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]any{"code": "authentication_failed", "message": "invalid email or password"})
			return
		}
		httpserver.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"code": "service_unavailable", "message": "storage unavailable"})
		return
	}

	if err := account.VerifyPassword(u.PasswordHash, req.Password); err != nil {
		h.incFailure()
		httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]any{"code": "authentication_failed", "message": "invalid email or password"})
		return
	}

	tok, err := h.Tokens.Issue(u.ID)
	if err != nil {
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"code": "internal_error", "message": "internal error"})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, tokenResponse{AccessToken: tok})
}

// authenticate extracts and verifies the bearer token from r, returning the
// caller's user id.
func (h *HTTPHandlers) authenticate(r *http.Request) (int64, error) {
	tok, ok := account.BearerFromHeader(r.Header.Get("Authorization"))
	if !ok {
		return 0, account.ErrInvalidToken
	}
	claims, err := h.Tokens.Verify(tok)
	if err != nil {
		return 0, err
	}
	return claims.UserID, nil
}

type registerDeviceRequest struct {
	DeviceID string `json:"device_id"`
	PubKey   string `json:"pubkey"` // base64-free: treated as opaque text in this revision
}

// RegisterDevice handles POST /devices/register.
func (h *HTTPHandlers) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		h.incFailure()
		httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]any{"code": "authentication_failed", "message": "unauthorized"})
		return
	}

	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"code": "validation_error", "message": "device_id is required"})
		return
	}

	d, err := h.Store.UpsertDevice(r.Context(), userID, req.DeviceID, []byte(req.PubKey))
	if err != nil {
		if errors.Is(err, account.ErrDeviceOwnedByOther) {
			httpserver.WriteJSON(w, http.StatusConflict, map[string]any{"code": "conflict", "message": "device registered to a different user"})
			return
		}
		httpserver.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"code": "service_unavailable", "message": "storage unavailable"})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"id":         d.ID,
		"user_id":    d.UserID,
		"pubkey":     string(d.PubKey),
		"created_at": d.CreatedAt,
	})
}

// ListDevices handles GET /devices/.
func (h *HTTPHandlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		h.incFailure()
		httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]any{"code": "authentication_failed", "message": "unauthorized"})
		return
	}

	devices, err := h.Store.DevicesByUser(r.Context(), userID)
	if err != nil {
		httpserver.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"code": "service_unavailable", "message": "storage unavailable"})
		return
	}

	out := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		out = append(out, map[string]any{
			"id":         d.ID,
			"user_id":    d.UserID,
			"pubkey":     string(d.PubKey),
			"created_at": d.CreatedAt,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, out)
}

// RegisterRoutes mounts the HTTP handlers onto mux.
func (h *HTTPHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/register", h.Register)
	mux.HandleFunc("POST /auth/login", h.Login)
	mux.HandleFunc("POST /devices/register", h.RegisterDevice)
	mux.HandleFunc("GET /devices/", h.ListDevices)
}
