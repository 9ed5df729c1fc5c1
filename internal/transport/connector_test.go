package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/remotetunnel/relay/internal/metrics"
	"github.com/remotetunnel/relay/internal/signaling"
)

// fakeSignal is an in-memory signalChannel whose sent envelopes are recorded
// and whose incoming side is driven by the test.
type fakeSignal struct {
	mu   sync.Mutex
	sent []signaling.Envelope
	recv chan signaling.Envelope
	done chan struct{}

	// onSend, if set, is invoked for every sent envelope (e.g. to reply).
	onSend func(env signaling.Envelope)
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{
		recv: make(chan signaling.Envelope, 16),
		done: make(chan struct{}),
	}
}

func (f *fakeSignal) Send(env signaling.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	onSend := f.onSend
	f.mu.Unlock()
	if onSend != nil {
		onSend(env)
	}
	return nil
}

func (f *fakeSignal) Receive() <-chan signaling.Envelope { return f.recv }
func (f *fakeSignal) Done() <-chan struct{}              { return f.done }
func (f *fakeSignal) Close() error                       { return nil }

func (f *fakeSignal) sentOfType(t signaling.MessageType) []signaling.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signaling.Envelope
	for _, env := range f.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// fakeTransport is a trivially-open Transport.
type fakeTransport struct {
	mode      Mode
	closeOnce sync.Once
	done      chan struct{}
}

func newFakeTransport(mode Mode) *fakeTransport {
	return &fakeTransport{mode: mode, done: make(chan struct{})}
}

func (t *fakeTransport) Send([]byte) error        { return nil }
func (t *fakeTransport) SetReceiver(func([]byte)) {}
func (t *fakeTransport) IsOpen() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}
func (t *fakeTransport) Mode() Mode { return t.mode }
func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}
func (t *fakeTransport) Done() <-chan struct{} { return t.done }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testConnector(cfg ConnectorConfig) (*Connector, *fakeSignal) {
	if cfg.DeviceID == "" {
		cfg.DeviceID = "browser-A"
	}
	if cfg.TargetDeviceID == "" {
		cfg.TargetDeviceID = "host-B"
	}
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 4 * time.Millisecond
	if cfg.ConnectAckTimeout == 0 {
		cfg.ConnectAckTimeout = time.Second
	}
	c := NewConnector(cfg, metrics.New(), quietLogger())
	sig := newFakeSignal()
	c.dialSignal = func(context.Context) (signalChannel, error) { return sig, nil }
	return c, sig
}

func TestFallbackAfterThreeFailures(t *testing.T) {
	c, sig := testConnector(ConnectorConfig{})

	var p2pAttempts int
	c.dialP2P = func(context.Context, signalChannel) (Transport, error) {
		p2pAttempts++
		return nil, ErrTransportFailed
	}
	var relaySession string
	relayT := newFakeTransport(ModeRelay)
	c.dialRelay = func(_ context.Context, sessionID string) (Transport, error) {
		relaySession = sessionID
		return relayT, nil
	}
	// The target acknowledges the relay handover as soon as it is asked.
	sig.onSend = func(env signaling.Envelope) {
		if env.Type == signaling.TypeConnectRequest {
			sig.recv <- signaling.Envelope{
				Type:           signaling.TypeConnectAckReceived,
				FromDeviceID:   "host-B",
				Transport:      signaling.TransportRelay,
				RelaySessionID: env.RelaySessionID,
				Status:         signaling.StatusConnecting,
			}
		}
	}

	got, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got != relayT {
		t.Fatalf("Connect returned %v, want the relay transport", got)
	}
	if p2pAttempts != 3 {
		t.Fatalf("p2p attempts = %d, want 3", p2pAttempts)
	}
	if relaySession != "browser-A-host-B" {
		t.Fatalf("relay session id = %q, want browser-A-host-B", relaySession)
	}
	if got := c.State(); got != StateRelayOpen {
		t.Fatalf("state = %v, want relay_open", got)
	}
	if got := c.TransportMode(); got != ModeRelay {
		t.Fatalf("mode = %v, want relay", got)
	}

	reqs := sig.sentOfType(signaling.TypeConnectRequest)
	if len(reqs) != 1 {
		t.Fatalf("connect-requests sent = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.TargetDeviceID != "host-B" ||
		req.PreferredTransport != signaling.TransportRelay ||
		req.RelaySessionID != "browser-A-host-B" {
		t.Fatalf("connect-request = %+v", req)
	}
	// The stubbed attempts never reach the offer stage, and nothing
	// P2P-related may follow the fallback edge.
	if offers := sig.sentOfType(signaling.TypeOffer); len(offers) != 0 {
		t.Fatalf("unexpected offers: %d", len(offers))
	}
}

func TestConnectAckTimeout(t *testing.T) {
	c, _ := testConnector(ConnectorConfig{
		DisableP2P:        true,
		ConnectAckTimeout: 30 * time.Millisecond,
	})
	c.dialRelay = func(context.Context, string) (Transport, error) {
		t.Fatal("relay dialed without an acknowledgement")
		return nil, nil
	}

	_, err := c.Connect(context.Background())
	if !errors.Is(err, ErrConnectAckTimeout) {
		t.Fatalf("Connect error = %v, want ErrConnectAckTimeout", err)
	}
	if got := c.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestConnectAckFailedStatus(t *testing.T) {
	c, sig := testConnector(ConnectorConfig{DisableP2P: true})
	c.dialRelay = func(context.Context, string) (Transport, error) {
		t.Fatal("relay dialed despite failed acknowledgement")
		return nil, nil
	}
	sig.onSend = func(env signaling.Envelope) {
		if env.Type == signaling.TypeConnectRequest {
			sig.recv <- signaling.Envelope{
				Type:         signaling.TypeConnectAckReceived,
				FromDeviceID: "host-B",
				Status:       signaling.StatusFailed,
			}
		}
	}

	_, err := c.Connect(context.Background())
	if !errors.Is(err, ErrTransportFailed) {
		t.Fatalf("Connect error = %v, want ErrTransportFailed", err)
	}
	if got := c.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestP2PSuccessSkipsFallback(t *testing.T) {
	c, sig := testConnector(ConnectorConfig{})
	p2pT := newFakeTransport(ModeP2PDirect)
	c.dialP2P = func(context.Context, signalChannel) (Transport, error) { return p2pT, nil }
	c.dialRelay = func(context.Context, string) (Transport, error) {
		t.Fatal("relay dialed despite p2p success")
		return nil, nil
	}

	got, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got != p2pT {
		t.Fatalf("Connect returned %v, want the p2p transport", got)
	}
	if got := c.State(); got != StateWBOpen {
		t.Fatalf("state = %v, want wb_open", got)
	}
	if got := c.Failures(); got != 0 {
		t.Fatalf("failure count = %d, want 0", got)
	}
	if reqs := sig.sentOfType(signaling.TypeConnectRequest); len(reqs) != 0 {
		t.Fatalf("connect-requests sent = %d, want 0", len(reqs))
	}
}

func TestDisableP2PGoesStraightToRelay(t *testing.T) {
	c, sig := testConnector(ConnectorConfig{DisableP2P: true})
	c.dialP2P = func(context.Context, signalChannel) (Transport, error) {
		t.Fatal("p2p dialed with DisableP2P set")
		return nil, nil
	}
	relayT := newFakeTransport(ModeRelay)
	c.dialRelay = func(context.Context, string) (Transport, error) { return relayT, nil }
	sig.onSend = func(env signaling.Envelope) {
		if env.Type == signaling.TypeConnectRequest {
			sig.recv <- signaling.Envelope{
				Type:         signaling.TypeConnectAckReceived,
				FromDeviceID: "host-B",
				Status:       signaling.StatusConnected,
			}
		}
	}

	got, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got != relayT {
		t.Fatalf("Connect returned %v, want the relay transport", got)
	}
}

func TestTransportDeathReportsOffline(t *testing.T) {
	c, _ := testConnector(ConnectorConfig{})
	p2pT := newFakeTransport(ModeP2PDirect)
	c.dialP2P = func(context.Context, signalChannel) (Transport, error) { return p2pT, nil }

	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = p2pT.Close()

	deadline := time.After(time.Second)
	for c.TransportMode() != ModeOffline {
		select {
		case <-deadline:
			t.Fatal("mode never became offline after transport death")
		case <-time.After(time.Millisecond):
		}
	}
	if got := c.State(); got != StateWBFailed {
		t.Fatalf("state = %v, want wb_failed", got)
	}
}

func TestRelaySessionID(t *testing.T) {
	if got := RelaySessionID("browser-A", "host-B"); got != "browser-A-host-B" {
		t.Fatalf("RelaySessionID = %q", got)
	}
}

func TestRelayEndpointURL(t *testing.T) {
	got, err := RelayEndpointURL("https://relay.example", "browser-A-host-B", "tok")
	if err != nil {
		t.Fatalf("RelayEndpointURL: %v", err)
	}
	want := "wss://relay.example/relay/browser-A-host-B?token=tok"
	if got != want {
		t.Fatalf("RelayEndpointURL = %q, want %q", got, want)
	}
	if _, err := RelayEndpointURL("ftp://x", "s", "t"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestSignalEndpointURL(t *testing.T) {
	got, err := SignalEndpointURL("http://signal.example:8080", "tok", "br_1")
	if err != nil {
		t.Fatalf("SignalEndpointURL: %v", err)
	}
	want := "ws://signal.example:8080/signal?device_id=br_1&token=tok"
	if got != want {
		t.Fatalf("SignalEndpointURL = %q, want %q", got, want)
	}
}
