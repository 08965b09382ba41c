package protocol

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

// encodeRaw bypasses envelope validation to build tampered frames.
func encodeRaw(msg ClientMessage) ([]byte, error) {
	return cbor.Marshal(msg)
}

func TestClientMessageRoundTrip(t *testing.T) {
	msg, err := NewClientMessage(7, OpSendMessage, SendMessageRequest{SessionID: "s-1", Text: "hello"})
	require.NoError(t, err)

	frame, err := EncodeClient(msg)
	require.NoError(t, err)

	decoded, err := DecodeClient(frame)
	require.NoError(t, err)
	require.Equal(t, uint64(7), decoded.RequestID)
	require.Equal(t, OpSendMessage, decoded.Op)

	var payload SendMessageRequest
	require.NoError(t, DecodePayload(decoded.Payload, &payload))
	require.Equal(t, "s-1", payload.SessionID)
	require.Equal(t, "hello", payload.Text)
}

func TestServerMessageRoundTrip(t *testing.T) {
	msg, err := NewServerMessage(9, OpError, ErrorResponse{Code: CodeNoBackendBound, Message: "no engine is bound"})
	require.NoError(t, err)

	frame, err := EncodeServer(msg)
	require.NoError(t, err)

	decoded, err := DecodeServer(frame)
	require.NoError(t, err)
	require.Equal(t, uint64(9), decoded.RequestID)
	require.Equal(t, OpError, decoded.Op)

	var payload ErrorResponse
	require.NoError(t, DecodePayload(decoded.Payload, &payload))
	require.Equal(t, CodeNoBackendBound, payload.Code)
}

func TestDecodeRejectsReservedRequestID(t *testing.T) {
	msg := &ClientMessage{V: Version, RequestID: InvalidRequestID, Op: OpPing}
	_, err := EncodeClient(msg)
	require.ErrorIs(t, err, ErrInvalidRequestID)

	// A frame hand-built with id 0 must fail at decode, not dispatch.
	frame, err := EncodeClient(&ClientMessage{V: Version, RequestID: 3, Op: OpPing})
	require.NoError(t, err)
	decoded, err := DecodeClient(frame)
	require.NoError(t, err)
	decoded.RequestID = 0
	_, err = EncodeClient(decoded)
	require.ErrorIs(t, err, ErrInvalidRequestID)
}

func TestDecodeRejectsUnsetOp(t *testing.T) {
	_, err := EncodeClient(&ClientMessage{V: Version, RequestID: 5, Op: OpInvalid})
	require.ErrorIs(t, err, ErrUnsetOp)
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	frame, err := EncodeClient(&ClientMessage{V: Version, RequestID: 5, Op: OpPing})
	require.NoError(t, err)

	var raw ClientMessage
	require.NoError(t, DecodePayload(frame, &raw))
	raw.V = Version + 1
	tampered, err := encodeRaw(raw)
	require.NoError(t, err)

	_, err = DecodeClient(tampered)
	require.ErrorIs(t, err, ErrBadVersion)
}

func TestDecodeIsTotal(t *testing.T) {
	// Truncated frames must fail outright, never decode partially.
	frame, err := EncodeClient(&ClientMessage{V: Version, RequestID: 5, Op: OpPing})
	require.NoError(t, err)

	for i := 1; i < len(frame); i++ {
		if _, err := DecodeClient(frame[:i]); err == nil {
			t.Fatalf("truncated frame of %d bytes decoded successfully", i)
		}
	}

	_, err = DecodeClient([]byte{0xff, 0x00, 0x12})
	require.Error(t, err)
}

func TestUnknownOpDecodes(t *testing.T) {
	// Unknown ops survive decode; the dispatch layer reports them as
	// unimplemented. This is the additive-compatibility contract.
	frame, err := EncodeClient(&ClientMessage{V: Version, RequestID: 4, Op: OpCode(999)})
	require.NoError(t, err)

	decoded, err := DecodeClient(frame)
	require.NoError(t, err)
	require.Equal(t, OpCode(999), decoded.Op)
	require.Equal(t, "unknown", decoded.Op.String())
}
