package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/remotetunnel/relay/internal/metrics"
	"github.com/remotetunnel/relay/internal/signaling"
)

// ResponderConfig configures the host-side endpoint.
type ResponderConfig struct {
	SignalingURL  string
	RelayURL      string
	DeviceID      string
	AccessToken   string
	ICEServerURLs []string
}

// Responder is the host endpoint's signaling loop: it answers SDP offers
// (the answering peer) and follows the browser's relay fallback by dialing
// the announced relay session and acknowledging the connect-request. The
// host never counts failures and never chooses fallback itself.
type Responder struct {
	cfg     ResponderConfig
	metrics *metrics.Metrics
	log     *slog.Logger

	// OnTransport is invoked once per established transport, before any
	// frame is delivered on it.
	OnTransport func(t Transport)

	mu    sync.Mutex
	peers map[string]*answeringPeer // keyed by offering device id

	dialSignal func(ctx context.Context) (signalChannel, error)
	dialRelay  func(ctx context.Context, relayBaseURL, sessionID string) (Transport, error)
}

// answeringPeer is one in-flight answered peer connection.
type answeringPeer struct {
	pc *webrtc.PeerConnection
	t  *P2PTransport
}

func NewResponder(cfg ResponderConfig, m *metrics.Metrics, log *slog.Logger) *Responder {
	r := &Responder{
		cfg:     cfg,
		metrics: m,
		log:     log,
		peers:   make(map[string]*answeringPeer),
	}
	r.dialSignal = func(ctx context.Context) (signalChannel, error) {
		return DialSignaling(ctx, r.cfg.SignalingURL, r.cfg.AccessToken, r.cfg.DeviceID, r.log)
	}
	r.dialRelay = func(ctx context.Context, relayBaseURL, sessionID string) (Transport, error) {
		return DialRelay(ctx, relayBaseURL, sessionID, r.cfg.AccessToken)
	}
	return r
}

// Run connects to signaling and serves envelopes until ctx is canceled or
// the signaling session drops.
func (r *Responder) Run(ctx context.Context) error {
	sig, err := r.dialSignal(ctx)
	if err != nil {
		return err
	}
	defer sig.Close()

	for {
		select {
		case env := <-sig.Receive():
			r.handle(ctx, sig, env)
		case <-sig.Done():
			return ErrTransportFailed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Responder) handle(ctx context.Context, sig signalChannel, env signaling.Envelope) {
	from := env.FromDeviceID
	if from == "" {
		from = env.SenderDeviceID
	}
	switch env.Type {
	case signaling.TypeOffer:
		r.handleOffer(sig, from, env)
	case signaling.TypeICECandidate:
		r.handleICECandidate(from, env)
	case signaling.TypeConnectRequestReceived:
		r.handleConnectRequest(ctx, sig, from, env)
	case signaling.TypeAck, signaling.TypeError:
		// Routing acknowledgements for our own sends; nothing to do.
	default:
		if r.log != nil {
			r.log.Debug("responder_ignoring_envelope", "type", string(env.Type))
		}
	}
}

// handleOffer builds the answering peer connection, wires the data channel
// handoff, and returns the SDP answer to the offering device.
func (r *Responder) handleOffer(sig signalChannel, from string, env signaling.Envelope) {
	var sdp signaling.SDPPayload
	if err := json.Unmarshal(env.Payload, &sdp); err != nil {
		if r.log != nil {
			r.log.Warn("responder_bad_offer", "from", from, "err", err)
		}
		return
	}

	pc, err := newPeerConnection(r.cfg.ICEServerURLs)
	if err != nil {
		if r.log != nil {
			r.log.Error("responder_peer_connection", "err", err)
		}
		return
	}

	peer := &answeringPeer{pc: pc}
	r.mu.Lock()
	if prior, ok := r.peers[from]; ok {
		// A fresh offer supersedes the prior attempt from the same device.
		if prior.t != nil {
			prior.t.shutdown()
		} else {
			_ = prior.pc.Close()
		}
	}
	r.peers[from] = peer
	r.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			_ = dc.Close()
			return
		}
		t := newP2PTransport(pc, dc)
		r.mu.Lock()
		if cur, ok := r.peers[from]; ok && cur == peer {
			peer.t = t
		}
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.Inc(metrics.TransportP2PEstablished)
		}
		if r.OnTransport != nil {
			r.OnTransport(t)
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
			TargetDeviceID: from,
			Payload:        payload,
		})
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp.SDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		r.dropPeer(from, peer)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		r.dropPeer(from, peer)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		r.dropPeer(from, peer)
		return
	}
	payload, err := json.Marshal(signaling.SDPPayload{SDP: answer.SDP, Type: answer.Type.String()})
	if err != nil {
		r.dropPeer(from, peer)
		return
	}
	_ = sig.Send(signaling.Envelope{
		Type:           signaling.TypeAnswer,
		TargetDeviceID: from,
		Payload:        payload,
	})
}

func (r *Responder) handleICECandidate(from string, env signaling.Envelope) {
	r.mu.Lock()
	peer, ok := r.peers[from]
	r.mu.Unlock()
	if !ok {
		return
	}
	var cand signaling.ICECandidatePayload
	if err := json.Unmarshal(env.Payload, &cand); err != nil {
		return
	}
	_ = peer.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &cand.SDPMid,
		SDPMLineIndex: uint16Ptr(cand.SDPMLineIndex),
	})
}

// handleConnectRequest follows a browser's relay fallback: dial the
// announced session id on the relay, hand the transport up, and acknowledge
// with the outcome.
func (r *Responder) handleConnectRequest(ctx context.Context, sig signalChannel, from string, env signaling.Envelope) {
	if env.PreferredTransport != signaling.TransportRelay {
		return
	}
	sessionID := env.RelaySessionID
	if sessionID == "" {
		sessionID = RelaySessionID(from, r.cfg.DeviceID)
	}
	relayURL := r.cfg.RelayURL
	if env.RelayURL != "" {
		relayURL = env.RelayURL
	}

	t, err := r.dialRelay(ctx, relayURL, sessionID)
	status := signaling.StatusConnected
	if err != nil {
		status = signaling.StatusFailed
		if r.log != nil {
			r.log.Warn("responder_relay_dial_failed", "session_id", sessionID, "err", err)
		}
	}
	_ = sig.Send(signaling.Envelope{
		Type:           signaling.TypeConnectAck,
		TargetDeviceID: from,
		Transport:      signaling.TransportRelay,
		RelaySessionID: sessionID,
		Status:         status,
	})
	if err != nil {
		return
	}
	if r.metrics != nil {
		r.metrics.Inc(metrics.TransportRelayEstablished)
	}
	if r.OnTransport != nil {
		r.OnTransport(t)
	}
}

func (r *Responder) dropPeer(from string, peer *answeringPeer) {
	r.mu.Lock()
	if cur, ok := r.peers[from]; ok && cur == peer {
		delete(r.peers, from)
	}
	r.mu.Unlock()
	_ = peer.pc.Close()
}
