// Package client owns the UI side of the bridge: one outbound connection,
// the authentication sequence, a background receive pump and the
// correlation table matching responses to waiting callers.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quillchat/bridge/internal/auth"
	"github.com/quillchat/bridge/internal/protocol"
)

// ConnectionState is observed by callers; it has a single writer (the
// manager itself, under stateMu).
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned by Send before a successful Connect.
	ErrNotConnected = errors.New("bridge client: not connected")
	// ErrConnectInProgress rejects concurrent Connect attempts; they are
	// not queued.
	ErrConnectInProgress = errors.New("bridge client: connect already in progress")
	// ErrConnectionLost fails every outstanding request when the transport
	// drops.
	ErrConnectionLost = errors.New("bridge client: connection lost")
	// ErrAuthFailed marks a rejected handshake; retrying without new
	// credentials is pointless.
	ErrAuthFailed = errors.New("bridge client: authentication failed")
	// ErrDuplicateRequestID flags a correlation-table collision, which is a
	// programming error, never silently overwritten.
	ErrDuplicateRequestID = errors.New("bridge client: duplicate request id")
)

// TimeoutError reports that a request deadline expired before the response
// arrived. The connection stays up; only this caller fails.
type TimeoutError struct {
	RequestID uint64
	Elapsed   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("bridge client: request %d timed out after %s", e.RequestID, e.Elapsed)
}

// Options tune the manager. Zero values fall back to defaults.
type Options struct {
	DialTimeout    time.Duration
	AuthTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxFrameBytes  int64
}

func (o *Options) applyDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 4 * 1024 * 1024
	}
}

type pendingRequest struct {
	id       uint64
	issuedAt time.Time
	done     chan result
}

type result struct {
	msg *protocol.ServerMessage
	err error
}

// Manager is the client-side connection owner. Safe for concurrent use.
type Manager struct {
	url   string
	token string
	opts  Options

	stateMu sync.Mutex
	state   ConnectionState
	ws      *websocket.Conn

	writeMu sync.Mutex

	nextID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]*pendingRequest

	pumpDone chan struct{}
}

// NewManager prepares a manager for the bridge at 127.0.0.1:port. The
// (port, token) pair comes from the server's out-of-band announcement.
func NewManager(port int, token string, opts Options) *Manager {
	opts.applyDefaults()
	m := &Manager{
		url:     fmt.Sprintf("ws://127.0.0.1:%d/bridge", port),
		token:   token,
		opts:    opts,
		state:   StateDisconnected,
		pending: make(map[uint64]*pendingRequest),
	}
	m.nextID.Store(protocol.FirstRequestID - 1)
	return m
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *Manager) setState(s ConnectionState) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

// Connect dials, starts the receive pump and performs the authentication
// handshake. Calling it while Connected is a no-op; calling it while a
// connect attempt is running is an error.
func (m *Manager) Connect(ctx context.Context) error {
	m.stateMu.Lock()
	switch m.state {
	case StateConnected:
		m.stateMu.Unlock()
		return nil
	case StateConnecting, StateAuthenticating, StateDisconnecting:
		m.stateMu.Unlock()
		return ErrConnectInProgress
	}
	m.state = StateConnecting
	m.stateMu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: m.opts.DialTimeout}
	ws, _, err := dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		m.setState(StateFailed)
		return fmt.Errorf("bridge client: dial %s: %w", m.url, err)
	}
	ws.SetReadLimit(m.opts.MaxFrameBytes)

	pumpDone := make(chan struct{})

	m.stateMu.Lock()
	m.ws = ws
	m.state = StateAuthenticating
	m.pumpDone = pumpDone
	m.stateMu.Unlock()

	// The pump starts first so the handshake response flows through the
	// same correlation path as everything else.
	go m.receivePump(ws, pumpDone)

	if err := m.authenticate(ctx, ws); err != nil {
		m.teardown(ws, pumpDone)
		m.setState(StateFailed)
		return err
	}

	m.setState(StateConnected)
	log.Printf("INFO: Bridge client connected to %s", m.url)
	return nil
}

// authenticate sends the handshake frame (fixed id 1) and waits for the
// server's verdict within the auth timeout.
func (m *Manager) authenticate(ctx context.Context, ws *websocket.Conn) error {
	pr := &pendingRequest{
		id:       protocol.HandshakeRequestID,
		issuedAt: time.Now(),
		done:     make(chan result, 1),
	}
	if err := m.register(pr); err != nil {
		return err
	}

	msg, err := protocol.NewClientMessage(protocol.HandshakeRequestID, protocol.OpAuthHandshake,
		protocol.AuthHandshakeRequest{Token: m.token})
	if err != nil {
		m.take(pr.id)
		return err
	}
	if err := m.writeFrame(ws, msg); err != nil {
		m.take(pr.id)
		return fmt.Errorf("bridge client: send handshake: %w", err)
	}

	timer := time.NewTimer(m.opts.AuthTimeout)
	defer timer.Stop()

	var res result
	select {
	case res = <-pr.done:
	case <-timer.C:
		if m.take(pr.id) != nil {
			return fmt.Errorf("%w: no handshake response within %s", ErrAuthFailed, m.opts.AuthTimeout)
		}
		res = <-pr.done
	case <-ctx.Done():
		if m.take(pr.id) != nil {
			return ctx.Err()
		}
		res = <-pr.done
	}

	if res.err != nil {
		// A transport drop before the verdict is not a credential
		// rejection; keep the chain so retry policy can tell them apart.
		return fmt.Errorf("bridge client: handshake: %w", res.err)
	}
	if res.msg.Op != protocol.OpAuthHandshake {
		return fmt.Errorf("%w: unexpected %s response", ErrAuthFailed, res.msg.Op)
	}
	var resp protocol.AuthHandshakeResponse
	if err := protocol.DecodePayload(res.msg.Payload, &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if !resp.Success {
		log.Printf("WARN: Bridge rejected token %s: %s", auth.Redact(m.token), resp.Error)
		return fmt.Errorf("%w: %s", ErrAuthFailed, resp.Error)
	}
	return nil
}

// Send issues one request and waits for exactly one outcome: the matching
// response, a timeout, or cancellation. A zero timeout uses the default.
func (m *Manager) Send(ctx context.Context, op protocol.OpCode, payload interface{}, timeout time.Duration) (*protocol.ServerMessage, error) {
	m.stateMu.Lock()
	if m.state != StateConnected {
		m.stateMu.Unlock()
		return nil, ErrNotConnected
	}
	ws := m.ws
	m.stateMu.Unlock()

	if timeout <= 0 {
		timeout = m.opts.RequestTimeout
	}

	id := m.nextID.Add(1)
	msg, err := protocol.NewClientMessage(id, op, payload)
	if err != nil {
		return nil, err
	}

	pr := &pendingRequest{id: id, issuedAt: time.Now(), done: make(chan result, 1)}
	if err := m.register(pr); err != nil {
		return nil, err
	}

	if err := m.writeFrame(ws, msg); err != nil {
		m.take(id)
		return nil, fmt.Errorf("bridge client: send request %d: %w", id, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pr.done:
		return res.msg, res.err
	case <-timer.C:
		if m.take(id) == nil {
			// Lost the race: the response was delivered while the timer
			// fired. The response wins.
			res := <-pr.done
			return res.msg, res.err
		}
		return nil, &TimeoutError{RequestID: id, Elapsed: time.Since(pr.issuedAt)}
	case <-ctx.Done():
		if m.take(id) == nil {
			res := <-pr.done
			return res.msg, res.err
		}
		return nil, ctx.Err()
	}
}

// writeFrame serializes and writes one frame under the send lock so
// concurrent callers never interleave bytes mid-frame.
func (m *Manager) writeFrame(ws *websocket.Conn, msg *protocol.ClientMessage) error {
	frame, err := protocol.EncodeClient(msg)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	return ws.WriteMessage(websocket.BinaryMessage, frame)
}

// register inserts a pending entry, rejecting duplicates.
func (m *Manager) register(pr *pendingRequest) error {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if _, exists := m.pending[pr.id]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateRequestID, pr.id)
	}
	m.pending[pr.id] = pr
	return nil
}

// take removes and returns the pending entry for id, or nil if it was
// already resolved. Whoever takes the entry owns its one resolution.
func (m *Manager) take(id uint64) *pendingRequest {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	pr, ok := m.pending[id]
	if !ok {
		return nil
	}
	delete(m.pending, id)
	return pr
}

// takeAll drains the correlation table on connection loss.
func (m *Manager) takeAll() []*pendingRequest {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	all := make([]*pendingRequest, 0, len(m.pending))
	for _, pr := range m.pending {
		all = append(all, pr)
	}
	m.pending = make(map[uint64]*pendingRequest)
	return all
}

// receivePump reads frames until the transport fails or closes, resolving
// exactly one waiter per response. The transport hands us one logical frame
// per ReadMessage call; fragmented messages are reassembled before it
// returns. On exit every outstanding request fails with ErrConnectionLost.
func (m *Manager) receivePump(ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	var lossErr error

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			lossErr = err
			break
		}
		if messageType != websocket.BinaryMessage {
			log.Printf("WARN: Bridge client ignoring non-binary frame (type %d)", messageType)
			continue
		}
		msg, err := protocol.DecodeServer(data)
		if err != nil {
			log.Printf("ERROR: Bridge client fatal decode error: %v", err)
			lossErr = err
			break
		}
		pr := m.take(msg.RequestID)
		if pr == nil {
			log.Printf("WARN: Bridge client dropping response with unmatched id %d", msg.RequestID)
			continue
		}
		pr.done <- result{msg: msg}
	}

	// Fail everything still waiting; nothing may hang past this point.
	abandoned := m.takeAll()
	for _, pr := range abandoned {
		pr.done <- result{err: fmt.Errorf("%w: %v", ErrConnectionLost, lossErr)}
	}
	if len(abandoned) > 0 {
		log.Printf("WARN: Bridge client failed %d outstanding requests on connection loss", len(abandoned))
	}

	m.stateMu.Lock()
	if m.state == StateConnected || m.state == StateAuthenticating {
		m.state = StateFailed
		m.ws = nil
	}
	m.stateMu.Unlock()
}

// teardown closes a partially-established connection and waits briefly for
// its pump to exit.
func (m *Manager) teardown(ws *websocket.Conn, pumpDone chan struct{}) {
	_ = ws.Close()
	select {
	case <-pumpDone:
	case <-time.After(m.opts.WriteTimeout):
	}
	m.stateMu.Lock()
	if m.ws == ws {
		m.ws = nil
	}
	m.stateMu.Unlock()
}

// Close disposes the connection. Repeated calls are safe. It attempts a
// bounded graceful close handshake, then waits for the pump to drain.
func (m *Manager) Close() error {
	m.stateMu.Lock()
	if m.state == StateDisconnected {
		m.stateMu.Unlock()
		return nil
	}
	ws := m.ws
	pumpDone := m.pumpDone
	m.state = StateDisconnecting
	m.ws = nil
	m.stateMu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(m.opts.WriteTimeout)
		m.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		m.writeMu.Unlock()
		_ = ws.Close()
	}
	if pumpDone != nil {
		select {
		case <-pumpDone:
		case <-time.After(m.opts.WriteTimeout):
		}
	}

	m.setState(StateDisconnected)
	log.Printf("INFO: Bridge client disconnected")
	return nil
}
