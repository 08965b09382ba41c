package protocol

import "github.com/fxamacker/cbor/v2"

// Version is the envelope schema version carried in every frame.
const Version uint8 = 1

const (
	// InvalidRequestID is reserved and must never be dispatched.
	InvalidRequestID uint64 = 0
	// HandshakeRequestID is the fixed id of the authentication handshake
	// exchange. It is outside the ordinary counter sequence.
	HandshakeRequestID uint64 = 1
	// FirstRequestID is the first id assigned to an ordinary request.
	FirstRequestID uint64 = 2
)

// OpCode identifies the payload variant carried by an envelope. The set is
// closed; adding an operation appends a new code and never renumbers an
// existing one.
type OpCode uint16

const (
	// OpInvalid is the zero value and is never valid on the wire.
	OpInvalid OpCode = 0

	// Client-originated operations.
	OpAuthHandshake OpCode = 1
	OpBindEngine    OpCode = 2
	OpUnbindEngine  OpCode = 3
	OpGetEngine     OpCode = 4
	OpListSessions  OpCode = 5
	OpCreateSession OpCode = 6
	OpSendMessage   OpCode = 7
	OpPing          OpCode = 8

	// OpError marks a ServerMessage carrying an ErrorResponse.
	OpError OpCode = 100
)

func (op OpCode) String() string {
	switch op {
	case OpAuthHandshake:
		return "auth_handshake"
	case OpBindEngine:
		return "bind_engine"
	case OpUnbindEngine:
		return "unbind_engine"
	case OpGetEngine:
		return "get_engine"
	case OpListSessions:
		return "list_sessions"
	case OpCreateSession:
		return "create_session"
	case OpSendMessage:
		return "send_message"
	case OpPing:
		return "ping"
	case OpError:
		return "error"
	default:
		return "unknown"
	}
}

// Error codes surfaced in ErrorResponse.Code.
const (
	CodeNotAuthenticated  = "not-authenticated"
	CodeNoBackendBound    = "no-backend-bound"
	CodeBackendCallFailed = "backend-call-failed"
	CodeDecodeError       = "decode-error"
	CodeUnimplemented     = "unimplemented"
)

// ClientMessage is the envelope for every UI-to-bridge frame.
type ClientMessage struct {
	V         uint8           `cbor:"v"`
	RequestID uint64          `cbor:"id"`
	Op        OpCode          `cbor:"op"`
	Payload   cbor.RawMessage `cbor:"payload,omitempty"`
}

// ServerMessage is the envelope for every bridge-to-UI frame. RequestID
// always echoes the ClientMessage that provoked it.
type ServerMessage struct {
	V         uint8           `cbor:"v"`
	RequestID uint64          `cbor:"id"`
	Op        OpCode          `cbor:"op"`
	Payload   cbor.RawMessage `cbor:"payload,omitempty"`
}

// AuthHandshakeRequest is the mandatory first frame on a connection.
type AuthHandshakeRequest struct {
	Token string `cbor:"token"`
}

// AuthHandshakeResponse reports the outcome of the handshake.
type AuthHandshakeResponse struct {
	Success bool   `cbor:"success"`
	Error   string `cbor:"error,omitempty"`
}

// EngineDescriptor identifies a downstream assistant engine the bridge can
// be bound to.
type EngineDescriptor struct {
	BaseURL string `cbor:"baseUrl" json:"baseUrl"`
	APIKey  string `cbor:"apiKey,omitempty" json:"apiKey,omitempty"`
	Model   string `cbor:"model,omitempty" json:"model,omitempty"`
}

// BindEngineRequest binds the bridge to a downstream engine.
type BindEngineRequest struct {
	Engine EngineDescriptor `cbor:"engine"`
}

// BindEngineResponse acknowledges a successful bind.
type BindEngineResponse struct{}

// UnbindEngineRequest clears the current engine binding.
type UnbindEngineRequest struct{}

// UnbindEngineResponse acknowledges a successful unbind.
type UnbindEngineResponse struct{}

// GetEngineRequest asks for the current engine binding.
type GetEngineRequest struct{}

// GetEngineResponse reports the current binding. The engine's API key is
// never echoed back.
type GetEngineResponse struct {
	Bound  bool              `cbor:"bound"`
	Engine *EngineDescriptor `cbor:"engine,omitempty"`
}

// SessionInfo describes one conversation session on the engine.
type SessionInfo struct {
	ID        string `cbor:"id" json:"id"`
	Title     string `cbor:"title,omitempty" json:"title,omitempty"`
	Model     string `cbor:"model,omitempty" json:"model,omitempty"`
	CreatedAt string `cbor:"createdAt,omitempty" json:"createdAt,omitempty"`
	UpdatedAt string `cbor:"updatedAt,omitempty" json:"updatedAt,omitempty"`
}

// MessageInfo describes one message within a session.
type MessageInfo struct {
	ID        string `cbor:"id" json:"id"`
	SessionID string `cbor:"sessionId,omitempty" json:"sessionId,omitempty"`
	Role      string `cbor:"role,omitempty" json:"role,omitempty"`
	Text      string `cbor:"text,omitempty" json:"text,omitempty"`
	CreatedAt string `cbor:"createdAt,omitempty" json:"createdAt,omitempty"`
}

// ListSessionsRequest lists sessions on the bound engine.
type ListSessionsRequest struct{}

// ListSessionsResponse carries the engine's session list.
type ListSessionsResponse struct {
	Sessions []SessionInfo `cbor:"sessions"`
}

// CreateSessionRequest creates a new session on the bound engine.
type CreateSessionRequest struct {
	Title string `cbor:"title,omitempty"`
	Model string `cbor:"model,omitempty"`
}

// CreateSessionResponse carries the created session.
type CreateSessionResponse struct {
	Session SessionInfo `cbor:"session"`
}

// SendMessageRequest appends a user message to a session.
type SendMessageRequest struct {
	SessionID string `cbor:"sessionId"`
	Text      string `cbor:"text"`
}

// SendMessageResponse carries the engine's reply message.
type SendMessageResponse struct {
	Message MessageInfo `cbor:"message"`
}

// PingRequest is a liveness probe answered without touching shared state.
type PingRequest struct{}

// PingResponse acknowledges a ping.
type PingResponse struct{}

// ErrorResponse reports an application-level failure for one request. It is
// never fatal to the connection.
type ErrorResponse struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message,omitempty"`
}
