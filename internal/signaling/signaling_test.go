package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remotetunnel/relay/internal/account"
	"github.com/remotetunnel/relay/internal/metrics"
	"github.com/remotetunnel/relay/internal/store"
)

// memStore is an in-memory Store for handler and routing tests.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	users   map[string]account.User
	devices map[string]account.Device
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[string]account.User),
		devices: make(map[string]account.Device),
	}
}

func (s *memStore) CreateUser(_ context.Context, email, passwordHash string) (account.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; ok {
		return account.User{}, account.ErrEmailTaken
	}
	s.nextID++
	u := account.User{ID: s.nextID, Email: email, PasswordHash: passwordHash, CreatedAt: time.Now()}
	s.users[email] = u
	return u, nil
}

func (s *memStore) UserByEmail(_ context.Context, email string) (account.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return account.User{}, account.ErrUserNotFound
	}
	return u, nil
}

func (s *memStore) UpsertDevice(_ context.Context, userID int64, deviceID string, pubkey []byte) (account.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[deviceID]; ok {
		if d.UserID != userID {
			return account.Device{}, account.ErrDeviceOwnedByOther
		}
		return d, nil
	}
	d := account.Device{ID: deviceID, UserID: userID, PubKey: pubkey, CreatedAt: time.Now()}
	s.devices[deviceID] = d
	return d, nil
}

func (s *memStore) DevicesByUser(_ context.Context, userID int64) ([]account.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []account.Device
	for _, d := range s.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memStore) DeviceByID(_ context.Context, deviceID string) (account.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return account.Device{}, store.ErrDeviceNotFound
	}
	return d, nil
}

type testEnv struct {
	ts       *httptest.Server
	tokens   *account.TokenIssuer
	registry *Registry
	store    *memStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := newMemStore()
	tokens := account.NewTokenIssuer("test-secret", time.Hour)
	reg := NewRegistry()
	logger := slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))

	srv := NewServer(st, tokens, reg, metrics.New(), logger, 0)
	handlers := &HTTPHandlers{Store: st, Tokens: tokens, Metrics: metrics.New(), Log: logger}

	httpMux := http.NewServeMux()
	srv.RegisterRoutes(httpMux)
	handlers.RegisterRoutes(httpMux)
	ts := httptest.NewServer(httpMux)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, tokens: tokens, registry: reg, store: st}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// addDevice registers a device for userID directly in the store.
func (e *testEnv) addDevice(t *testing.T, userID int64, deviceID string) {
	t.Helper()
	if _, err := e.store.UpsertDevice(context.Background(), userID, deviceID, []byte("pk")); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
}

// dialSignal opens an authenticated signaling session and consumes the
// initial `connected` frame.
func (e *testEnv) dialSignal(t *testing.T, userID int64, deviceID string) *websocket.Conn {
	t.Helper()
	tok, err := e.tokens.Issue(userID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/signal?token=" + tok + "&device_id=" + deviceID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial signal: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	env := readEnvelope(t, conn)
	if env.Type != TypeConnected || env.DeviceID != deviceID {
		t.Fatalf("handshake frame = %+v, want connected for %s", env, deviceID)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope %q: %v", data, err)
	}
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

func TestSupersessionClosesPriorSocket(t *testing.T) {
	e := newTestEnv(t)
	e.addDevice(t, 1, "d1")

	first := e.dialSignal(t, 1, "d1")
	second := e.dialSignal(t, 1, "d1")

	// The first socket must be closed with the supersession reason.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	if err == nil {
		t.Fatal("first socket still readable after supersession")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("first socket close = %v, want policy-violation supersession", err)
	}

	if n := e.registry.Count(); n != 1 {
		t.Fatalf("registry count = %d, want 1", n)
	}
	// The second socket is the live one: routing a connect-request to an
	// unknown device id gets an error frame back on it.
	writeEnvelope(t, second, Envelope{
		Type:               TypeConnectRequest,
		TargetDeviceID:     "nope",
		PreferredTransport: TransportRelay,
	})
	if env := readEnvelope(t, second); env.Type != TypeError {
		t.Fatalf("expected error frame on second socket, got %+v", env)
	}
}

func TestCrossUserRoutingRefused(t *testing.T) {
	e := newTestEnv(t)
	e.addDevice(t, 1, "d1")
	e.addDevice(t, 2, "d2")

	d1 := e.dialSignal(t, 1, "d1")
	d2 := e.dialSignal(t, 2, "d2")

	payload, _ := json.Marshal(SDPPayload{SDP: "v=0", Type: "offer"})
	writeEnvelope(t, d1, Envelope{Type: TypeOffer, TargetDeviceID: "d2", Payload: payload})

	if env := readEnvelope(t, d1); env.Type != TypeError {
		t.Fatalf("sender got %+v, want error frame", env)
	}

	// Nothing may reach d2.
	_ = d2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := d2.ReadMessage(); err == nil {
		t.Fatalf("cross-user frame delivered to target: %s", data)
	}
}

func TestRoutedOfferDeliveredToSameUserDevice(t *testing.T) {
	e := newTestEnv(t)
	e.addDevice(t, 1, "d1")
	e.addDevice(t, 1, "d3")

	d1 := e.dialSignal(t, 1, "d1")
	d3 := e.dialSignal(t, 1, "d3")

	payload, _ := json.Marshal(SDPPayload{SDP: "v=0", Type: "offer"})
	writeEnvelope(t, d1, Envelope{Type: TypeOffer, TargetDeviceID: "d3", Payload: payload})

	got := readEnvelope(t, d3)
	if got.Type != TypeOffer || got.SenderDeviceID != "d1" {
		t.Fatalf("target got %+v, want offer from d1", got)
	}
	if got.TargetDeviceID != "" {
		t.Fatalf("forwarded frame leaked target_device_id %q", got.TargetDeviceID)
	}
	var sdp SDPPayload
	if err := json.Unmarshal(got.Payload, &sdp); err != nil || sdp.SDP != "v=0" {
		t.Fatalf("payload not delivered verbatim: %s", got.Payload)
	}

	if ack := readEnvelope(t, d1); ack.Type != TypeAck {
		t.Fatalf("sender got %+v, want ack", ack)
	}
}

func TestConnectRequestRewrittenToReceivedForm(t *testing.T) {
	e := newTestEnv(t)
	e.addDevice(t, 1, "d1")
	e.addDevice(t, 1, "d3")

	d1 := e.dialSignal(t, 1, "d1")
	d3 := e.dialSignal(t, 1, "d3")

	writeEnvelope(t, d1, Envelope{
		Type:               TypeConnectRequest,
		TargetDeviceID:     "d3",
		PreferredTransport: TransportRelay,
		RelaySessionID:     "d1-d3",
	})

	got := readEnvelope(t, d3)
	if got.Type != TypeConnectRequestReceived {
		t.Fatalf("target got type %q, want connect-request-received", got.Type)
	}
	if got.FromDeviceID != "d1" || got.RelaySessionID != "d1-d3" || got.PreferredTransport != TransportRelay {
		t.Fatalf("forwarded connect-request = %+v", got)
	}

	writeEnvelope(t, d3, Envelope{
		Type:           TypeConnectAck,
		TargetDeviceID: "d1",
		Transport:      TransportRelay,
		RelaySessionID: "d1-d3",
		Status:         StatusConnecting,
	})
	// d1 first reads the ack for its own send, then the forwarded reply.
	first := readEnvelope(t, d1)
	if first.Type != TypeAck {
		t.Fatalf("sender got %+v, want routing ack first", first)
	}
	reply := readEnvelope(t, d1)
	if reply.Type != TypeConnectAckReceived || reply.FromDeviceID != "d3" || reply.Status != StatusConnecting {
		t.Fatalf("reply = %+v, want connect-ack-received from d3", reply)
	}
}

func TestRouteToOfflineDeviceReturnsError(t *testing.T) {
	e := newTestEnv(t)
	e.addDevice(t, 1, "d1")
	e.addDevice(t, 1, "d9") // registered but never connected

	d1 := e.dialSignal(t, 1, "d1")
	payload, _ := json.Marshal(SDPPayload{SDP: "v=0", Type: "offer"})
	writeEnvelope(t, d1, Envelope{Type: TypeOffer, TargetDeviceID: "d9", Payload: payload})

	if env := readEnvelope(t, d1); env.Type != TypeError {
		t.Fatalf("sender got %+v, want error frame", env)
	}
}

func TestUpgradeRejectsForeignDevice(t *testing.T) {
	e := newTestEnv(t)
	e.addDevice(t, 2, "d2")

	tok, _ := e.tokens.Issue(1)
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/signal?token=" + tok + "&device_id=d2"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected upgrade rejection for a foreign device id")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthAndDeviceHTTPFlow(t *testing.T) {
	e := newTestEnv(t)

	post := func(path, token string, body any) *http.Response {
		t.Helper()
		data, _ := json.Marshal(body)
		req, _ := http.NewRequest(http.MethodPost, e.ts.URL+path, strings.NewReader(string(data)))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := post("/auth/register", "", map[string]string{"email": "a@example.com", "password": "hunter22"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil || tok.AccessToken == "" {
		t.Fatalf("register response: %v, %+v", err, tok)
	}

	if resp := post("/auth/register", "", map[string]string{"email": "a@example.com", "password": "x"}); resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register status = %d, want 409", resp.StatusCode)
	}
	if resp := post("/auth/login", "", map[string]string{"email": "a@example.com", "password": "wrong"}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d, want 401", resp.StatusCode)
	}
	if resp := post("/auth/login", "", map[string]string{"email": "a@example.com", "password": "hunter22"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}

	if resp := post("/devices/register", tok.AccessToken, map[string]string{"device_id": "ho_abc", "pubkey": "pk"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("device register status = %d", resp.StatusCode)
	}
	// Idempotent re-registration by the same owner.
	if resp := post("/devices/register", tok.AccessToken, map[string]string{"device_id": "ho_abc", "pubkey": "pk"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("re-register status = %d, want 200", resp.StatusCode)
	}

	// A second user claiming the same device id conflicts.
	resp = post("/auth/register", "", map[string]string{"email": "b@example.com", "password": "hunter23"})
	var tok2 struct {
		AccessToken string `json:"access_token"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&tok2)
	if resp := post("/devices/register", tok2.AccessToken, map[string]string{"device_id": "ho_abc", "pubkey": "pk"}); resp.StatusCode != http.StatusConflict {
		t.Fatalf("foreign device register status = %d, want 409", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, e.ts.URL+"/devices/", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	listResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /devices/: %v", err)
	}
	defer listResp.Body.Close()
	var devices []map[string]any
	if err := json.NewDecoder(listResp.Body).Decode(&devices); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if len(devices) != 1 || devices[0]["id"] != "ho_abc" {
		t.Fatalf("devices = %+v", devices)
	}
}
