package server

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quillchat/bridge/internal/auth"
	"github.com/quillchat/bridge/internal/protocol"
)

const outgoingBuffer = 64

// bridgeConn is one accepted UI connection. Its lifecycle is
// Unauthenticated -> Authenticated -> Closed: exactly one handshake frame is
// read first, then the receive/dispatch loop runs until the peer goes away.
type bridgeConn struct {
	id     string
	ws     *websocket.Conn
	server *Server

	outgoing chan []byte

	quit      chan struct{}
	closeOnce sync.Once
}

func newBridgeConn(ws *websocket.Conn, s *Server) *bridgeConn {
	return &bridgeConn{
		id:       uuid.New().String(),
		ws:       ws,
		server:   s,
		outgoing: make(chan []byte, outgoingBuffer),
		quit:     make(chan struct{}),
	}
}

func (c *bridgeConn) run() {
	defer c.close()

	c.ws.SetReadLimit(c.server.config.MaxFrameBytes)

	if !c.performHandshake() {
		return
	}

	log.Printf("INFO: Bridge connection %s authenticated from %s", c.id, c.ws.RemoteAddr())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()

	c.readLoop()
	c.close()
	wg.Wait()
}

func (c *bridgeConn) close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		_ = c.ws.Close()
		log.Printf("INFO: Bridge connection %s closed", c.id)
	})
}

// performHandshake reads exactly one frame and requires it to be a valid
// AuthHandshake. Every deviation closes the connection without a response;
// only a well-formed handshake with a wrong token gets the single failure
// response the protocol allows.
func (c *bridgeConn) performHandshake() bool {
	deadline := time.Now().Add(c.server.config.HandshakeTimeout())
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return false
	}

	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		log.Printf("WARN: Handshake read failed on connection %s: %v", c.id, err)
		return false
	}
	if messageType != websocket.BinaryMessage {
		log.Printf("WARN: Handshake frame on connection %s is not binary", c.id)
		return false
	}

	msg, err := protocol.DecodeClient(data)
	if err != nil {
		log.Printf("WARN: Handshake decode failed on connection %s: %v", c.id, err)
		return false
	}
	if msg.Op != protocol.OpAuthHandshake || msg.RequestID != protocol.HandshakeRequestID {
		log.Printf("WARN: First frame on connection %s is %s, not a handshake", c.id, msg.Op)
		return false
	}

	var req protocol.AuthHandshakeRequest
	if err := protocol.DecodePayload(msg.Payload, &req); err != nil {
		log.Printf("WARN: Handshake payload decode failed on connection %s: %v", c.id, err)
		return false
	}

	if !auth.Verify(c.server.token, req.Token) {
		log.Printf("WARN: Invalid auth token %s on connection %s", auth.Redact(req.Token), c.id)
		c.writeHandshakeResponse(protocol.AuthHandshakeResponse{Success: false, Error: "invalid token"})
		return false
	}

	if !c.writeHandshakeResponse(protocol.AuthHandshakeResponse{Success: true}) {
		return false
	}
	return c.ws.SetReadDeadline(time.Time{}) == nil
}

// writeHandshakeResponse writes directly; the write pump is not running yet.
func (c *bridgeConn) writeHandshakeResponse(resp protocol.AuthHandshakeResponse) bool {
	msg, err := protocol.NewServerMessage(protocol.HandshakeRequestID, protocol.OpAuthHandshake, resp)
	if err != nil {
		log.Printf("ERROR: Failed to build handshake response on connection %s: %v", c.id, err)
		return false
	}
	frame, err := protocol.EncodeServer(msg)
	if err != nil {
		log.Printf("ERROR: Failed to encode handshake response on connection %s: %v", c.id, err)
		return false
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout()))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		log.Printf("WARN: Failed to write handshake response on connection %s: %v", c.id, err)
		return false
	}
	return true
}

// readLoop is the authenticated phase. Decode failures are fatal to the
// connection; handler failures are not, they become coded error responses.
func (c *bridgeConn) readLoop() {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("WARN: Read error on connection %s: %v", c.id, err)
			}
			return
		}

		if messageType != websocket.BinaryMessage {
			log.Printf("WARN: Ignoring non-binary frame (type %d) on connection %s", messageType, c.id)
			continue
		}

		msg, err := protocol.DecodeClient(data)
		if err != nil {
			log.Printf("WARN: Fatal decode error on connection %s: %v", c.id, err)
			return
		}
		if msg.Op == protocol.OpAuthHandshake || msg.RequestID == protocol.HandshakeRequestID {
			// The handshake, and its reserved id, are single-use per
			// connection. Reuse is a protocol violation.
			log.Printf("WARN: Handshake replay on connection %s (op %s, id %d)", c.id, msg.Op, msg.RequestID)
			return
		}

		// Handlers may block on the engine; run each request on its own
		// goroutine so slow calls don't stall the connection. Responses are
		// matched by request id, not arrival order.
		go c.dispatch(msg)
	}
}

// enqueue hands an encoded frame to the write pump.
func (c *bridgeConn) enqueue(frame []byte) {
	select {
	case <-c.quit:
	case c.outgoing <- frame:
	}
}

func (c *bridgeConn) writePump() {
	for {
		select {
		case <-c.quit:
			return
		case frame := <-c.outgoing:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout()))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				log.Printf("ERROR: Failed to write to connection %s: %v", c.id, err)
				c.close()
				return
			}
		}
	}
}

// writeResponse encodes one ServerMessage echoing requestID and queues it.
func (c *bridgeConn) writeResponse(requestID uint64, op protocol.OpCode, payload interface{}) {
	msg, err := protocol.NewServerMessage(requestID, op, payload)
	if err != nil {
		log.Printf("ERROR: Failed to build %s response on connection %s: %v", op, c.id, err)
		msg, err = protocol.NewServerMessage(requestID, protocol.OpError, protocol.ErrorResponse{
			Code:    protocol.CodeBackendCallFailed,
			Message: "failed to encode response",
		})
		if err != nil {
			return
		}
	}
	frame, err := protocol.EncodeServer(msg)
	if err != nil {
		log.Printf("ERROR: Failed to encode %s response on connection %s: %v", op, c.id, err)
		return
	}
	c.enqueue(frame)
}

func (c *bridgeConn) writeError(requestID uint64, code, message string) {
	c.writeResponse(requestID, protocol.OpError, protocol.ErrorResponse{Code: code, Message: message})
}

// recoverDispatch keeps a panicking handler from tearing down the
// connection.
func (c *bridgeConn) recoverDispatch(requestID uint64) {
	if r := recover(); r != nil {
		log.Printf("ERROR: Handler panic on connection %s request %d: %v", c.id, requestID, r)
		c.writeError(requestID, protocol.CodeBackendCallFailed, fmt.Sprintf("internal error: %v", r))
	}
}
