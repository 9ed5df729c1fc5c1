// Package signaling authenticates users, registers devices, and routes
// WebRTC session-description and ICE-candidate messages (plus
// connect-request/connect-ack fallback negotiation) between two endpoints
// owned by the same user.
package signaling

import (
	"encoding/json"
	"fmt"
)

// MessageType is the `type` discriminator of every signaling WebSocket
// frame.
type MessageType string

const (
	TypeConnected              MessageType = "connected"
	TypeOffer                  MessageType = "offer"
	TypeAnswer                 MessageType = "answer"
	TypeICECandidate           MessageType = "ice-candidate"
	TypeConnectRequest         MessageType = "connect-request"
	TypeConnectRequestReceived MessageType = "connect-request-received"
	TypeConnectAck             MessageType = "connect-ack"
	TypeConnectAckReceived     MessageType = "connect-ack-received"
	TypeAck                    MessageType = "ack"
	TypeError                  MessageType = "error"
)

// routedTypes are client->server frames the service forwards to a target
// device rather than acting on itself.
var routedTypes = map[MessageType]bool{
	TypeOffer:          true,
	TypeAnswer:         true,
	TypeICECandidate:   true,
	TypeConnectRequest: true,
	TypeConnectAck:     true,
}

// IsRouted reports whether t is forwarded to target_device_id rather than
// handled locally.
func IsRouted(t MessageType) bool { return routedTypes[t] }

// PreferredTransport is the connect-request/connect-ack transport choice.
type PreferredTransport string

const (
	TransportWebRTC PreferredTransport = "webrtc"
	TransportRelay  PreferredTransport = "relay"
	TransportAuto   PreferredTransport = "auto"
)

// ConnectStatus is the connect-ack/connect-ack-received status field.
type ConnectStatus string

const (
	StatusConnecting ConnectStatus = "connecting"
	StatusConnected  ConnectStatus = "connected"
	StatusFailed     ConnectStatus = "failed"
)

// SDPPayload carries an offer/answer's session description.
type SDPPayload struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// ICECandidatePayload carries one ICE candidate.
type ICECandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex *int   `json:"sdpMLineIndex,omitempty"`
}

// Envelope is the single wire shape for every signaling message. Only the
// fields relevant to Type are populated.
type Envelope struct {
	Type MessageType `json:"type"`

	// connected
	DeviceID string `json:"device_id,omitempty"`

	// client->server routed frames
	TargetDeviceID string          `json:"target_device_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`

	// server->client relayed frames
	SenderDeviceID string `json:"sender_device_id,omitempty"`
	FromDeviceID   string `json:"from_device_id,omitempty"`

	// connect-request / connect-request-received / connect-ack / connect-ack-received
	PreferredTransport PreferredTransport `json:"preferred_transport,omitempty"`
	Transport          PreferredTransport `json:"transport,omitempty"`
	RelaySessionID     string             `json:"relay_session_id,omitempty"`
	RelayURL           string             `json:"relay_url,omitempty"`
	Status             ConnectStatus      `json:"status,omitempty"`

	// ack / error / connected
	Message string `json:"message,omitempty"`
}

// ParseEnvelope decodes and validates one client->server frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("signaling: invalid message: %w", err)
	}
	if err := e.validateClientBound(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func (e Envelope) validateClientBound() error {
	switch e.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		if e.TargetDeviceID == "" {
			return fmt.Errorf("signaling: %s missing target_device_id", e.Type)
		}
		if len(e.Payload) == 0 {
			return fmt.Errorf("signaling: %s missing payload", e.Type)
		}
	case TypeConnectRequest:
		if e.TargetDeviceID == "" {
			return fmt.Errorf("signaling: connect-request missing target_device_id")
		}
		switch e.PreferredTransport {
		case TransportWebRTC, TransportRelay, TransportAuto:
		default:
			return fmt.Errorf("signaling: connect-request invalid preferred_transport %q", e.PreferredTransport)
		}
	case TypeConnectAck:
		if e.TargetDeviceID == "" {
			return fmt.Errorf("signaling: connect-ack missing target_device_id")
		}
		switch e.Status {
		case StatusConnecting, StatusConnected, StatusFailed:
		default:
			return fmt.Errorf("signaling: connect-ack invalid status %q", e.Status)
		}
	default:
		return fmt.Errorf("signaling: unsupported client message type %q", e.Type)
	}
	return nil
}

// Marshal serializes e for sending over the WebSocket as a text frame.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func connectedEnvelope(deviceID string) Envelope {
	return Envelope{Type: TypeConnected, DeviceID: deviceID, Message: "connected"}
}

func ackEnvelope(message string) Envelope {
	return Envelope{Type: TypeAck, Message: message}
}

func errorEnvelope(message string) Envelope {
	return Envelope{Type: TypeError, Message: message}
}
