package mux

import (
	"testing"

	"github.com/remotetunnel/relay/internal/frame"
	"github.com/remotetunnel/relay/internal/metrics"
)

type fakeNativeSocket struct {
	closed bool
}

func (s *fakeNativeSocket) SendText(string) error      { return nil }
func (s *fakeNativeSocket) SendBinary([]byte) error    { return nil }
func (s *fakeNativeSocket) Close(uint16, string) error { s.closed = true; return nil }

func TestDialerExemptsControlChannel(t *testing.T) {
	a, _ := newPipePair()
	client := New(a, metrics.New(), testLogger())
	d, err := NewDialer(client, "wss://signal.example")
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	var nativeDials int
	d.NativeDial = func(rawURL string, headers frame.Headers) (Socket, error) {
		nativeDials++
		return &fakeNativeSocket{}, nil
	}

	sock, err := d.Dial("wss://signal.example/signal?token=abc&device_id=br_1", nil)
	if err != nil {
		t.Fatalf("Dial control channel: %v", err)
	}
	if nativeDials != 1 {
		t.Fatalf("native dials = %d, want 1", nativeDials)
	}
	if _, ok := sock.(*fakeNativeSocket); !ok {
		t.Fatalf("control channel returned %T, want native socket", sock)
	}
	if len(a.sentFrames(t)) != 0 {
		t.Fatal("control channel dial leaked a frame onto the tunnel")
	}
}

func TestDialerTunnelsEverythingElse(t *testing.T) {
	a, _ := newPipePair()
	client := New(a, metrics.New(), testLogger())
	d, err := NewDialer(client, "wss://signal.example")
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	d.NativeDial = func(string, frame.Headers) (Socket, error) {
		t.Fatal("native dial used for a non-control URL")
		return nil, nil
	}

	sock, err := d.Dial("ws://localhost:3000/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn, ok := sock.(*WSConn)
	if !ok {
		t.Fatalf("Dial returned %T, want *WSConn", sock)
	}
	if conn.ConnectionID() != 1 {
		t.Fatalf("connection id = %d, want a fresh id 1", conn.ConnectionID())
	}

	sent := a.sentFrames(t)
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1 WS_CONNECT", len(sent))
	}
	connect, ok := sent[0].(*frame.WSConnect)
	if !ok {
		t.Fatalf("sent frame is %T, want *frame.WSConnect", sent[0])
	}
	if connect.URL != "ws://localhost:3000/ws" || connect.ConnectionID != 1 {
		t.Fatalf("WS_CONNECT frame = %+v", connect)
	}
}

func TestIsControlChannel(t *testing.T) {
	a, _ := newPipePair()
	d, err := NewDialer(New(a, nil, testLogger()), "https://signal.example:8443")
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	cases := map[string]bool{
		"wss://signal.example:8443/signal?token=x": true,
		"wss://SIGNAL.example/signal":              true,
		"wss://signal.example/other":               false,
		"ws://localhost:3000/ws":                   false,
		"ws://localhost:3000/signal":               false,
	}
	for rawURL, want := range cases {
		if got := d.IsControlChannel(rawURL); got != want {
			t.Fatalf("IsControlChannel(%q) = %v, want %v", rawURL, got, want)
		}
	}
}
