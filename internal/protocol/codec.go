package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Decode errors. A frame either decodes into a complete valid envelope or
// fails with one of these; there is no partially-decoded state.
var (
	ErrBadVersion       = errors.New("protocol: unsupported envelope version")
	ErrInvalidRequestID = errors.New("protocol: request id 0 is reserved")
	ErrUnsetOp          = errors.New("protocol: unset operation code")
)

// NewClientMessage builds a ClientMessage with the given payload encoded in
// place.
func NewClientMessage(requestID uint64, op OpCode, payload interface{}) (*ClientMessage, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", op, err)
	}
	return &ClientMessage{V: Version, RequestID: requestID, Op: op, Payload: raw}, nil
}

// NewServerMessage builds a ServerMessage with the given payload encoded in
// place.
func NewServerMessage(requestID uint64, op OpCode, payload interface{}) (*ServerMessage, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", op, err)
	}
	return &ServerMessage{V: Version, RequestID: requestID, Op: op, Payload: raw}, nil
}

func marshalPayload(payload interface{}) (cbor.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	return cbor.Marshal(payload)
}

// EncodeClient serializes a ClientMessage for the wire.
func EncodeClient(msg *ClientMessage) ([]byte, error) {
	if err := validateEnvelope(msg.V, msg.RequestID, msg.Op); err != nil {
		return nil, err
	}
	return cbor.Marshal(msg)
}

// EncodeServer serializes a ServerMessage for the wire.
func EncodeServer(msg *ServerMessage) ([]byte, error) {
	if err := validateEnvelope(msg.V, msg.RequestID, msg.Op); err != nil {
		return nil, err
	}
	return cbor.Marshal(msg)
}

// DecodeClient parses one wire frame into a ClientMessage. An unknown op
// code decodes successfully; the dispatch layer decides what to do with it.
func DecodeClient(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode client envelope: %w", err)
	}
	if err := validateEnvelope(msg.V, msg.RequestID, msg.Op); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DecodeServer parses one wire frame into a ServerMessage.
func DecodeServer(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode server envelope: %w", err)
	}
	if err := validateEnvelope(msg.V, msg.RequestID, msg.Op); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DecodePayload extracts the typed payload from an envelope's raw bytes.
// A nil raw payload leaves out at its zero value.
func DecodePayload(raw cbor.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return cbor.Unmarshal(raw, out)
}

func validateEnvelope(v uint8, requestID uint64, op OpCode) error {
	if v != Version {
		return fmt.Errorf("%w: got %d want %d", ErrBadVersion, v, Version)
	}
	if requestID == InvalidRequestID {
		return ErrInvalidRequestID
	}
	if op == OpInvalid {
		return ErrUnsetOp
	}
	return nil
}
