package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/remotetunnel/relay/internal/metrics"
	"github.com/remotetunnel/relay/internal/signaling"
)

// State is the browser endpoint's connection state machine position.
type State int

const (
	StateIdle State = iota
	StateSignaling
	StateWBConnecting
	StateWBOpen
	StateWBFailed
	StateRelayConnecting
	StateRelayOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSignaling:
		return "signaling"
	case StateWBConnecting:
		return "wb_connecting"
	case StateWBOpen:
		return "wb_open"
	case StateWBFailed:
		return "wb_failed"
	case StateRelayConnecting:
		return "relay_connecting"
	case StateRelayOpen:
		return "relay_open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectorConfig configures the browser-side endpoint.
type ConnectorConfig struct {
	SignalingURL   string
	RelayURL       string
	DeviceID       string
	TargetDeviceID string
	AccessToken    string
	ICEServerURLs  []string

	// DisableP2P skips straight to relay fallback, for platforms with no
	// peer-connection capability.
	DisableP2P bool

	// Zero values take the defaults below.
	MaxP2PAttempts    int           // 3
	ConnectWatchdog   time.Duration // 15s: peer connection + data channel open
	ConnectAckTimeout time.Duration // 30s: connect-request acknowledgement
	InitialBackoff    time.Duration // 2s, doubling per consecutive failure
	MaxBackoff        time.Duration // 60s cap
}

func (c ConnectorConfig) withDefaults() ConnectorConfig {
	if c.MaxP2PAttempts <= 0 {
		c.MaxP2PAttempts = 3
	}
	if c.ConnectWatchdog <= 0 {
		c.ConnectWatchdog = 15 * time.Second
	}
	if c.ConnectAckTimeout <= 0 {
		c.ConnectAckTimeout = 30 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	return c
}

// Connector drives the browser endpoint's fallback state machine: try a
// peer-to-peer data channel up to MaxP2PAttempts times with exponential
// back-off, then negotiate relay fallback through signaling. The signaling
// session stays open across retries.
type Connector struct {
	cfg     ConnectorConfig
	metrics *metrics.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	signal   signalChannel
	current  Transport

	// Dial seams, replaced in tests.
	dialSignal func(ctx context.Context) (signalChannel, error)
	dialP2P    func(ctx context.Context, sig signalChannel) (Transport, error)
	dialRelay  func(ctx context.Context, sessionID string) (Transport, error)
}

func NewConnector(cfg ConnectorConfig, m *metrics.Metrics, log *slog.Logger) *Connector {
	c := &Connector{
		cfg:     cfg.withDefaults(),
		metrics: m,
		log:     log,
		state:   StateIdle,
	}
	c.dialSignal = func(ctx context.Context) (signalChannel, error) {
		return DialSignaling(ctx, c.cfg.SignalingURL, c.cfg.AccessToken, c.cfg.DeviceID, c.log)
	}
	c.dialP2P = c.establishP2P
	c.dialRelay = func(ctx context.Context, sessionID string) (Transport, error) {
		return DialRelay(ctx, c.cfg.RelayURL, sessionID, c.cfg.AccessToken)
	}
	return c
}

// State returns the machine's current state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Failures returns the consecutive P2P failure count.
func (c *Connector) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// TransportMode reports the endpoint's current transport mode. A retained
// transport found closed is recorded as dead here, as watch would, so State
// and Failures agree with the offline mode reported.
func (c *Connector) TransportMode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ModeOffline
	}
	if c.current.IsOpen() {
		return c.current.Mode()
	}
	if c.current.Mode() == ModeP2PDirect {
		c.state = StateWBFailed
		c.failures++
	} else {
		c.state = StateClosed
	}
	c.current = nil
	return ModeOffline
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.log != nil {
		c.log.Debug("connector_state", "state", s.String(), "device_id", c.cfg.DeviceID)
	}
}

// Connect runs the state machine until a transport is open or the attempt is
// terminally closed. The returned transport is also retained for
// TransportMode reporting; its death is observed so mode reporting stays
// truthful, but reconnection is the caller's decision.
func (c *Connector) Connect(ctx context.Context) (Transport, error) {
	c.setState(StateSignaling)
	sig, err := c.dialSignal(ctx)
	if err != nil {
		c.setState(StateClosed)
		return nil, err
	}
	c.mu.Lock()
	c.signal = sig
	c.mu.Unlock()

	backoff := c.cfg.InitialBackoff
	for !c.cfg.DisableP2P {
		c.mu.Lock()
		failures := c.failures
		c.mu.Unlock()
		if failures >= c.cfg.MaxP2PAttempts {
			break
		}

		c.setState(StateWBConnecting)
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectWatchdog)
		t, err := c.dialP2P(attemptCtx, sig)
		cancel()
		if err == nil {
			c.mu.Lock()
			c.failures = 0
			c.current = t
			c.mu.Unlock()
			c.setState(StateWBOpen)
			if c.metrics != nil {
				c.metrics.Inc(metrics.TransportP2PEstablished)
			}
			go c.watch(t, StateWBFailed)
			return t, nil
		}

		c.mu.Lock()
		c.failures++
		failures = c.failures
		c.mu.Unlock()
		c.setState(StateWBFailed)
		if c.metrics != nil {
			c.metrics.Inc(metrics.TransportP2PFailed)
		}
		if c.log != nil {
			c.log.Warn("p2p_attempt_failed", "attempt", failures, "err", err)
		}

		if failures >= c.cfg.MaxP2PAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			c.setState(StateClosed)
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}

	return c.connectRelay(ctx, sig)
}

// connectRelay performs the fallback edge: announce the relay session to the
// target through signaling, await its acknowledgement, then dial the relay.
func (c *Connector) connectRelay(ctx context.Context, sig signalChannel) (Transport, error) {
	sessionID := RelaySessionID(c.cfg.DeviceID, c.cfg.TargetDeviceID)

	if c.metrics != nil {
		c.metrics.Inc(metrics.TransportRelayFallbacks)
	}
	err := sig.Send(signaling.Envelope{
		Type:               signaling.TypeConnectRequest,
		TargetDeviceID:     c.cfg.TargetDeviceID,
		PreferredTransport: signaling.TransportRelay,
		RelaySessionID:     sessionID,
	})
	if err != nil {
		c.setState(StateClosed)
		return nil, err
	}

	ackTimer := time.NewTimer(c.cfg.ConnectAckTimeout)
	defer ackTimer.Stop()
	for {
		select {
		case env := <-sig.Receive():
			if env.Type != signaling.TypeConnectAckReceived {
				// SDP answers or ICE candidates from an abandoned P2P attempt
				// may still be in flight; ignore them.
				continue
			}
			switch env.Status {
			case signaling.StatusConnecting, signaling.StatusConnected:
			default:
				c.setState(StateClosed)
				return nil, fmt.Errorf("%w: connect-ack status %q", ErrTransportFailed, env.Status)
			}
			c.setState(StateRelayConnecting)
			t, err := c.dialRelay(ctx, sessionID)
			if err != nil {
				c.setState(StateClosed)
				return nil, err
			}
			c.mu.Lock()
			c.current = t
			c.mu.Unlock()
			c.setState(StateRelayOpen)
			if c.metrics != nil {
				c.metrics.Inc(metrics.TransportRelayEstablished)
			}
			go c.watch(t, StateClosed)
			return t, nil
		case <-sig.Done():
			c.setState(StateClosed)
			return nil, ErrTransportFailed
		case <-ackTimer.C:
			if c.metrics != nil {
				c.metrics.Inc(metrics.TransportConnectAckTimeout)
			}
			c.setState(StateClosed)
			return nil, ErrConnectAckTimeout
		case <-ctx.Done():
			c.setState(StateClosed)
			return nil, ctx.Err()
		}
	}
}

// watch records the death of the active transport so state and mode
// reporting stay truthful after an unexpected failure.
func (c *Connector) watch(t Transport, onDeath State) {
	<-t.Done()
	c.mu.Lock()
	if c.current == t {
		c.current = nil
		c.state = onDeath
		if onDeath == StateWBFailed {
			c.failures++
		}
	}
	c.mu.Unlock()
}

// Close tears down the active transport and the signaling session.
func (c *Connector) Close() {
	c.mu.Lock()
	t, sig := c.current, c.signal
	c.current, c.signal = nil, nil
	c.state = StateClosed
	c.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
	if sig != nil {
		_ = sig.Close()
	}
}

// establishP2P runs one full offer/answer/ICE exchange and waits for the
// data channel to open. ctx carries the connection watchdog.
func (c *Connector) establishP2P(ctx context.Context, sig signalChannel) (Transport, error) {
	pc, err := newPeerConnection(c.cfg.ICEServerURLs)
	if err != nil {
		return nil, err
	}
	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	t := newP2PTransport(pc, dc)

	dcOpen := make(chan struct{})
	dc.OnOpen(func() {
		t.mu.Lock()
		t.open = true
		t.mu.Unlock()
		close(dcOpen)
	})

	pcConnected := make(chan struct{})
	pcFailed := make(chan struct{})
	var connOnce, failOnce sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			connOnce.Do(func() { close(pcConnected) })
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			failOnce.Do(func() { close(pcFailed) })
			t.shutdown()
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		payload, err := json.Marshal(signaling.ICECandidatePayload{
			Candidate:     init.Candidate,
			SDPMid:        deref(init.SDPMid),
			SDPMLineIndex: intPtr(init.SDPMLineIndex),
		})
		if err != nil {
			return
		}
		_ = sig.Send(signaling.Envelope{
			Type:           signaling.TypeICECandidate,
			TargetDeviceID: c.cfg.TargetDeviceID,
			Payload:        payload,
		})
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.shutdown()
		return nil, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.shutdown()
		return nil, err
	}
	offerPayload, err := json.Marshal(signaling.SDPPayload{SDP: offer.SDP, Type: offer.Type.String()})
	if err != nil {
		t.shutdown()
		return nil, err
	}
	if err := sig.Send(signaling.Envelope{
		Type:           signaling.TypeOffer,
		TargetDeviceID: c.cfg.TargetDeviceID,
		Payload:        offerPayload,
	}); err != nil {
		t.shutdown()
		return nil, err
	}

	dcOpened, connected := false, false
	for {
		select {
		case env := <-sig.Receive():
			switch env.Type {
			case signaling.TypeAnswer:
				var sdp signaling.SDPPayload
				if err := json.Unmarshal(env.Payload, &sdp); err != nil {
					continue
				}
				answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp.SDP}
				if err := pc.SetRemoteDescription(answer); err != nil {
					t.shutdown()
					return nil, fmt.Errorf("%w: set remote description: %v", ErrTransportFailed, err)
				}
			case signaling.TypeICECandidate:
				var cand signaling.ICECandidatePayload
				if err := json.Unmarshal(env.Payload, &cand); err != nil {
					continue
				}
				_ = pc.AddICECandidate(webrtc.ICECandidateInit{
					Candidate:     cand.Candidate,
					SDPMid:        &cand.SDPMid,
					SDPMLineIndex: uint16Ptr(cand.SDPMLineIndex),
				})
			}
		case <-dcOpen:
			dcOpened = true
			dcOpen = nil
		case <-pcConnected:
			connected = true
			pcConnected = nil
		case <-pcFailed:
			t.shutdown()
			return nil, ErrTransportFailed
		case <-ctx.Done():
			t.shutdown()
			return nil, fmt.Errorf("%w: watchdog expired", ErrTransportFailed)
		}
		if dcOpened && connected {
			return t, nil
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intPtr(v *uint16) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}

func uint16Ptr(v *int) *uint16 {
	if v == nil {
		return nil
	}
	n := uint16(*v)
	return &n
}
