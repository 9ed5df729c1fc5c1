// Package frame implements the length-prefixed binary wire format carried
// over a tunnel transport: HTTP request/response framing and WebSocket
// sub-connection framing, multiplexed over one underlying stream.
//
// All integers are big-endian. Strings are UTF-8. Headers travel as the
// UTF-8 encoding of a JSON object mapping header names to single string
// values. There is no frame-level checksum; the transport underneath (TLS
// over TCP, or DTLS over a data channel) is assumed reliable and ordered.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Type identifies the kind of frame encoded on the wire.
type Type byte

const (
	TypeHTTPRequest  Type = 0x01
	TypeHTTPResponse Type = 0x02
	TypeWSConnect    Type = 0x10
	TypeWSData       Type = 0x11
	TypeWSClose      Type = 0x12
)

func (t Type) String() string {
	switch t {
	case TypeHTTPRequest:
		return "HTTP_REQUEST"
	case TypeHTTPResponse:
		return "HTTP_RESPONSE"
	case TypeWSConnect:
		return "WS_CONNECT"
	case TypeWSData:
		return "WS_DATA"
	case TypeWSClose:
		return "WS_CLOSE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// WS_DATA opcodes, matching the standard WebSocket opcode numbering.
const (
	OpcodeContinuation byte = 0x0
	OpcodeText         byte = 0x1
	OpcodeBinary       byte = 0x2
	OpcodeClose        byte = 0x8
	OpcodePing         byte = 0x9
	OpcodePong         byte = 0xA
)

var (
	ErrTooShort         = errors.New("frame: buffer too short")
	ErrUnknownFrameType = errors.New("frame: unknown frame type")
	ErrPayloadTooLarge  = errors.New("frame: payload exceeds maximum size")
	ErrInvalidFrame     = errors.New("frame: malformed frame")
)

// DefaultMaxPayload bounds the size of any single variable-length field
// (header blob or body) decoded from the wire, defending against a peer that
// sends a huge length prefix to force an oversized allocation.
const DefaultMaxPayload = 16 << 20 // 16 MiB

// Headers maps header names to single string values, as carried in a frame's
// headers_json field.
type Headers map[string]string

// HTTPRequest is the payload of a TypeHTTPRequest frame.
type HTTPRequest struct {
	RequestID uint32
	Method    string
	Path      string
	Headers   Headers
	Body      []byte
}

// HTTPResponse is the payload of a TypeHTTPResponse frame.
type HTTPResponse struct {
	RequestID uint32
	Status    uint16
	Headers   Headers
	Body      []byte
}

// WSConnect is the payload of a TypeWSConnect frame, opening a logical
// WebSocket sub-connection identified by ConnectionID.
type WSConnect struct {
	ConnectionID uint32
	URL          string
	Headers      Headers
}

// WSData is the payload of a TypeWSData frame carrying one WebSocket message
// on an already-open sub-connection.
type WSData struct {
	ConnectionID uint32
	Opcode       byte
	Payload      []byte
}

// WSClose is the payload of a TypeWSClose frame, tearing down a logical
// WebSocket sub-connection.
type WSClose struct {
	ConnectionID uint32
	Code         uint16
	Reason       string
}

// Codec encodes and decodes frames with an enforced maximum payload size.
type Codec struct {
	MaxPayload int
}

// NewCodec returns a Codec with DefaultMaxPayload.
func NewCodec() *Codec {
	return &Codec{MaxPayload: DefaultMaxPayload}
}

func (c *Codec) maxPayload() int {
	if c.MaxPayload <= 0 {
		return DefaultMaxPayload
	}
	return c.MaxPayload
}

// Encode serializes v (one of *HTTPRequest, *HTTPResponse, *WSConnect,
// *WSData, *WSClose) into a complete wire frame, including its leading type
// byte.
func (c *Codec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *HTTPRequest:
		return c.EncodeHTTPRequest(msg)
	case *HTTPResponse:
		return c.EncodeHTTPResponse(msg)
	case *WSConnect:
		return c.EncodeWSConnect(msg)
	case *WSData:
		return c.EncodeWSData(msg)
	case *WSClose:
		return c.EncodeWSClose(msg)
	default:
		return nil, fmt.Errorf("frame: cannot encode %T", v)
	}
}

// Decode reads the leading type byte of buf and returns the matching typed
// payload, one of *HTTPRequest, *HTTPResponse, *WSConnect, *WSData,
// *WSClose. A first byte outside the five known types fails with
// ErrUnknownFrameType.
func (c *Codec) Decode(buf []byte) (any, error) {
	if len(buf) < 1 {
		return nil, ErrTooShort
	}
	switch Type(buf[0]) {
	case TypeHTTPRequest:
		return c.DecodeHTTPRequest(buf)
	case TypeHTTPResponse:
		return c.DecodeHTTPResponse(buf)
	case TypeWSConnect:
		return c.DecodeWSConnect(buf)
	case TypeWSData:
		return c.DecodeWSData(buf)
	case TypeWSClose:
		return c.DecodeWSClose(buf)
	default:
		return nil, ErrUnknownFrameType
	}
}

// --- encoding helpers -------------------------------------------------

type byteWriter struct {
	buf []byte
	err error
}

func (w *byteWriter) putByte(b byte) { w.buf = append(w.buf, b) }

func (w *byteWriter) putU16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *byteWriter) putU32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// putShortString writes a u16-length-prefixed UTF-8 string.
func (w *byteWriter) putShortString(s string) {
	if len(s) > math.MaxUint16 {
		w.err = ErrPayloadTooLarge
		return
	}
	w.putU16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// putBlob writes a u32-length-prefixed byte blob.
func (w *byteWriter) putBlob(b []byte) {
	w.putU32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// putHeaders writes headers as a u32-length-prefixed JSON object. Empty
// headers encode as a zero-length field, which decodes back to nil.
func (w *byteWriter) putHeaders(h Headers) {
	if len(h) == 0 {
		w.putU32(0)
		return
	}
	blob, err := json.Marshal(h)
	if err != nil {
		w.err = fmt.Errorf("frame: encode headers: %w", err)
		return
	}
	w.putBlob(blob)
}

type byteReader struct {
	buf        []byte
	off        int
	maxPayload int
}

func (r *byteReader) remaining() int { return len(r.buf) - r.off }

func (r *byteReader) getByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, ErrTooShort
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *byteReader) getU16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, ErrTooShort
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *byteReader) getU32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrTooShort
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *byteReader) take(n int) ([]byte, error) {
	if n > r.maxPayload {
		return nil, ErrPayloadTooLarge
	}
	if r.remaining() < n {
		return nil, ErrTooShort
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+n])
	r.off += n
	return out, nil
}

// getShortString reads a u16-length-prefixed string.
func (r *byteReader) getShortString() (string, error) {
	n, err := r.getU16()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// getBlob reads a u32-length-prefixed byte blob.
func (r *byteReader) getBlob() ([]byte, error) {
	n, err := r.getU32()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}

func (r *byteReader) getHeaders() (Headers, error) {
	blob, err := r.getBlob()
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		return nil, nil
	}
	var h Headers
	if err := json.Unmarshal(blob, &h); err != nil {
		return nil, fmt.Errorf("%w: headers: %v", ErrInvalidFrame, err)
	}
	return h, nil
}

// --- HTTP_REQUEST (0x01) ----------------------------------------------
//
// type(1) request_id(4) method_len(2) method path_len(2) path
// headers_len(4) headers_json body_len(4) body

func (c *Codec) EncodeHTTPRequest(m *HTTPRequest) ([]byte, error) {
	if len(m.Body) > c.maxPayload() {
		return nil, ErrPayloadTooLarge
	}
	w := &byteWriter{}
	w.putByte(byte(TypeHTTPRequest))
	w.putU32(m.RequestID)
	w.putShortString(m.Method)
	w.putShortString(m.Path)
	w.putHeaders(m.Headers)
	w.putBlob(m.Body)
	return w.buf, w.err
}

func (c *Codec) DecodeHTTPRequest(buf []byte) (*HTTPRequest, error) {
	r := &byteReader{buf: buf, maxPayload: c.maxPayload()}
	typ, err := r.getByte()
	if err != nil {
		return nil, err
	}
	if Type(typ) != TypeHTTPRequest {
		return nil, ErrInvalidFrame
	}
	reqID, err := r.getU32()
	if err != nil {
		return nil, err
	}
	method, err := r.getShortString()
	if err != nil {
		return nil, err
	}
	path, err := r.getShortString()
	if err != nil {
		return nil, err
	}
	headers, err := r.getHeaders()
	if err != nil {
		return nil, err
	}
	body, err := r.getBlob()
	if err != nil {
		return nil, err
	}
	return &HTTPRequest{RequestID: reqID, Method: method, Path: path, Headers: headers, Body: body}, nil
}

// --- HTTP_RESPONSE (0x02) ----------------------------------------------
//
// type(1) request_id(4) status_code(2) headers_len(4) headers_json
// body_len(4) body

func (c *Codec) EncodeHTTPResponse(m *HTTPResponse) ([]byte, error) {
	if len(m.Body) > c.maxPayload() {
		return nil, ErrPayloadTooLarge
	}
	w := &byteWriter{}
	w.putByte(byte(TypeHTTPResponse))
	w.putU32(m.RequestID)
	w.putU16(m.Status)
	w.putHeaders(m.Headers)
	w.putBlob(m.Body)
	return w.buf, w.err
}

func (c *Codec) DecodeHTTPResponse(buf []byte) (*HTTPResponse, error) {
	r := &byteReader{buf: buf, maxPayload: c.maxPayload()}
	typ, err := r.getByte()
	if err != nil {
		return nil, err
	}
	if Type(typ) != TypeHTTPResponse {
		return nil, ErrInvalidFrame
	}
	reqID, err := r.getU32()
	if err != nil {
		return nil, err
	}
	status, err := r.getU16()
	if err != nil {
		return nil, err
	}
	headers, err := r.getHeaders()
	if err != nil {
		return nil, err
	}
	body, err := r.getBlob()
	if err != nil {
		return nil, err
	}
	return &HTTPResponse{RequestID: reqID, Status: status, Headers: headers, Body: body}, nil
}

// --- WS_CONNECT (0x10) ---------------------------------------------------
//
// type(1) connection_id(4) url_len(2) url headers_len(4) headers_json

func (c *Codec) EncodeWSConnect(m *WSConnect) ([]byte, error) {
	w := &byteWriter{}
	w.putByte(byte(TypeWSConnect))
	w.putU32(m.ConnectionID)
	w.putShortString(m.URL)
	w.putHeaders(m.Headers)
	return w.buf, w.err
}

func (c *Codec) DecodeWSConnect(buf []byte) (*WSConnect, error) {
	r := &byteReader{buf: buf, maxPayload: c.maxPayload()}
	typ, err := r.getByte()
	if err != nil {
		return nil, err
	}
	if Type(typ) != TypeWSConnect {
		return nil, ErrInvalidFrame
	}
	connID, err := r.getU32()
	if err != nil {
		return nil, err
	}
	url, err := r.getShortString()
	if err != nil {
		return nil, err
	}
	headers, err := r.getHeaders()
	if err != nil {
		return nil, err
	}
	return &WSConnect{ConnectionID: connID, URL: url, Headers: headers}, nil
}

// --- WS_DATA (0x11) -------------------------------------------------------
//
// type(1) connection_id(4) opcode(1) payload_len(4) payload

func (c *Codec) EncodeWSData(m *WSData) ([]byte, error) {
	if len(m.Payload) > c.maxPayload() {
		return nil, ErrPayloadTooLarge
	}
	w := &byteWriter{}
	w.putByte(byte(TypeWSData))
	w.putU32(m.ConnectionID)
	w.putByte(m.Opcode)
	w.putBlob(m.Payload)
	return w.buf, w.err
}

func (c *Codec) DecodeWSData(buf []byte) (*WSData, error) {
	r := &byteReader{buf: buf, maxPayload: c.maxPayload()}
	typ, err := r.getByte()
	if err != nil {
		return nil, err
	}
	if Type(typ) != TypeWSData {
		return nil, ErrInvalidFrame
	}
	connID, err := r.getU32()
	if err != nil {
		return nil, err
	}
	opcode, err := r.getByte()
	if err != nil {
		return nil, err
	}
	payload, err := r.getBlob()
	if err != nil {
		return nil, err
	}
	return &WSData{ConnectionID: connID, Opcode: opcode, Payload: payload}, nil
}

// --- WS_CLOSE (0x12) ------------------------------------------------------
//
// type(1) connection_id(4) close_code(2) reason_len(2) reason

func (c *Codec) EncodeWSClose(m *WSClose) ([]byte, error) {
	w := &byteWriter{}
	w.putByte(byte(TypeWSClose))
	w.putU32(m.ConnectionID)
	w.putU16(m.Code)
	w.putShortString(m.Reason)
	return w.buf, w.err
}

func (c *Codec) DecodeWSClose(buf []byte) (*WSClose, error) {
	r := &byteReader{buf: buf, maxPayload: c.maxPayload()}
	typ, err := r.getByte()
	if err != nil {
		return nil, err
	}
	if Type(typ) != TypeWSClose {
		return nil, ErrInvalidFrame
	}
	connID, err := r.getU32()
	if err != nil {
		return nil, err
	}
	code, err := r.getU16()
	if err != nil {
		return nil, err
	}
	reason, err := r.getShortString()
	if err != nil {
		return nil, err
	}
	return &WSClose{ConnectionID: connID, Code: code, Reason: reason}, nil
}
