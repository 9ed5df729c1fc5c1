package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

func TestHTTPRequestRoundTrip(t *testing.T) {
	c := NewCodec()
	orig := &HTTPRequest{
		RequestID: 42,
		Method:    "POST",
		Path:      "/api/items?q=héllo",
		Headers: Headers{
			"Content-Type": "application/json",
			"X-Tracé":      "naïve",
		},
		Body: []byte(`{"ok":true}`),
	}
	encoded, err := c.Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decodedAny, err := c.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	decoded, ok := decodedAny.(*HTTPRequest)
	if !ok {
		t.Fatalf("Decode returned %T, want *HTTPRequest", decodedAny)
	}
	if !reflect.DeepEqual(decoded, orig) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, orig)
	}
}

func TestHTTPRequestWireLayout(t *testing.T) {
	c := NewCodec()
	encoded, err := c.EncodeHTTPRequest(&HTTPRequest{RequestID: 7, Method: "GET", Path: "/x"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// type(1) request_id(4) method_len(2) "GET" path_len(2) "/x"
	// headers_len(4)=0 body_len(4)=0
	want := 1 + 4 + 2 + 3 + 2 + 2 + 4 + 4
	if len(encoded) != want {
		t.Fatalf("frame length %d, want %d (no trailing padding)", len(encoded), want)
	}
	if encoded[0] != byte(TypeHTTPRequest) {
		t.Fatalf("leading byte 0x%02x, want 0x01", encoded[0])
	}
	if got := binary.BigEndian.Uint32(encoded[1:5]); got != 7 {
		t.Fatalf("request_id %d, want 7", got)
	}
	if got := binary.BigEndian.Uint16(encoded[5:7]); got != 3 {
		t.Fatalf("method_len %d, want 3", got)
	}
	if string(encoded[7:10]) != "GET" {
		t.Fatalf("method %q, want GET", encoded[7:10])
	}
}

func TestHTTPResponseRoundTripEmptyBody(t *testing.T) {
	c := NewCodec()
	orig := &HTTPResponse{RequestID: 7, Status: 204, Headers: nil, Body: nil}
	encoded, err := c.Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if encoded[0] != 0x02 {
		t.Fatalf("leading byte 0x%02x, want 0x02", encoded[0])
	}
	decodedAny, err := c.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	decoded := decodedAny.(*HTTPResponse)
	if decoded.RequestID != 7 || decoded.Status != 204 {
		t.Fatalf("decoded mismatch: %+v", decoded)
	}
	if len(decoded.Headers) != 0 || len(decoded.Body) != 0 {
		t.Fatalf("expected empty headers and body, got %+v", decoded)
	}
}

func TestHTTPRequestMaxRequestID(t *testing.T) {
	c := NewCodec()
	orig := &HTTPRequest{RequestID: 0xFFFFFFFF, Method: "GET", Path: "/"}
	encoded, err := c.Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decodedAny, err := c.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decodedAny.(*HTTPRequest).RequestID != 0xFFFFFFFF {
		t.Fatalf("request id not preserved across max u32 boundary")
	}
}

func TestWSConnectRoundTrip(t *testing.T) {
	c := NewCodec()
	orig := &WSConnect{
		ConnectionID: 9001,
		URL:          "ws://localhost:3000/ws/écho",
		Headers:      Headers{"Sec-WebSocket-Protocol": "chat"},
	}
	encoded, err := c.Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decodedAny, err := c.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	decoded := decodedAny.(*WSConnect)
	if !reflect.DeepEqual(decoded, orig) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, orig)
	}
}

func TestWSDataRoundTrip(t *testing.T) {
	c := NewCodec()
	for _, opcode := range []byte{OpcodeContinuation, OpcodeText, OpcodeBinary, OpcodeClose, OpcodePing, OpcodePong} {
		orig := &WSData{ConnectionID: 1, Opcode: opcode, Payload: []byte("payload")}
		encoded, err := c.Encode(orig)
		if err != nil {
			t.Fatalf("Encode opcode %d: %v", opcode, err)
		}
		decodedAny, err := c.Decode(encoded)
		if err != nil {
			t.Fatalf("Decode opcode %d: %v", opcode, err)
		}
		decoded := decodedAny.(*WSData)
		if decoded.Opcode != opcode || !bytes.Equal(decoded.Payload, orig.Payload) {
			t.Fatalf("round trip mismatch for opcode %d: %+v", opcode, decoded)
		}
	}
}

func TestWSDataRoundTripZeroLength(t *testing.T) {
	c := NewCodec()
	orig := &WSData{ConnectionID: 1, Opcode: OpcodeBinary, Payload: []byte{}}
	encoded, err := c.Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decodedAny, err := c.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	decoded := decodedAny.(*WSData)
	if decoded.ConnectionID != 1 || len(decoded.Payload) != 0 {
		t.Fatalf("decoded mismatch: %+v", decoded)
	}
}

func TestWSCloseRoundTrip(t *testing.T) {
	c := NewCodec()
	orig := &WSClose{ConnectionID: 3, Code: 1001, Reason: "going away — adiós"}
	encoded, err := c.Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decodedAny, err := c.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	decoded := decodedAny.(*WSClose)
	if !reflect.DeepEqual(decoded, orig) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, orig)
	}
}

func TestWSCloseEmptyReason(t *testing.T) {
	c := NewCodec()
	encoded, err := c.EncodeWSClose(&WSClose{ConnectionID: 3, Code: 1000})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := c.DecodeWSClose(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Reason != "" {
		t.Fatalf("expected empty reason, got %q", decoded.Reason)
	}
}

func TestDecodeUnknownFrameType(t *testing.T) {
	c := NewCodec()
	for _, lead := range []byte{0x00, 0x03, 0x13, 0x7F, 0xFF} {
		_, err := c.Decode([]byte{lead, 0, 0, 0, 0})
		if !errors.Is(err, ErrUnknownFrameType) {
			t.Fatalf("lead 0x%02x: expected ErrUnknownFrameType, got %v", lead, err)
		}
	}
}

func TestDecodeTooShort(t *testing.T) {
	c := NewCodec()
	if _, err := c.Decode(nil); !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort for empty buffer, got %v", err)
	}
	if _, err := c.Decode([]byte{byte(TypeHTTPRequest), 0, 0}); !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort for truncated header, got %v", err)
	}
}

func TestDecodeOversizedBodyRejected(t *testing.T) {
	small := &Codec{MaxPayload: 8}
	encoded, err := NewCodec().Encode(&WSData{ConnectionID: 1, Opcode: OpcodeBinary, Payload: make([]byte, 1024)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := small.Decode(encoded); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestTypeString(t *testing.T) {
	cases := map[Type]string{
		TypeHTTPRequest:  "HTTP_REQUEST",
		TypeHTTPResponse: "HTTP_RESPONSE",
		TypeWSConnect:    "WS_CONNECT",
		TypeWSData:       "WS_DATA",
		TypeWSClose:      "WS_CLOSE",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Fatalf("Type(%d).String() = %q, want %q", typ, got, want)
		}
	}
}
