package server

import (
	"context"
	"log"

	"github.com/quillchat/bridge/internal/protocol"
)

// dispatch routes one decoded request to its handler. The switch is
// exhaustive over the client op codes; anything else gets an explicit
// "unimplemented" response. Handler failures never terminate the loop.
func (c *bridgeConn) dispatch(msg *protocol.ClientMessage) {
	defer c.recoverDispatch(msg.RequestID)

	ctx, cancel := context.WithTimeout(context.Background(), c.server.config.RequestTimeout())
	defer cancel()

	switch msg.Op {
	case protocol.OpBindEngine:
		c.handleBindEngine(ctx, msg)
	case protocol.OpUnbindEngine:
		c.handleUnbindEngine(ctx, msg)
	case protocol.OpGetEngine:
		c.handleGetEngine(ctx, msg)
	case protocol.OpListSessions:
		c.handleListSessions(ctx, msg)
	case protocol.OpCreateSession:
		c.handleCreateSession(ctx, msg)
	case protocol.OpSendMessage:
		c.handleSendMessage(ctx, msg)
	case protocol.OpPing:
		c.writeResponse(msg.RequestID, protocol.OpPing, protocol.PingResponse{})
	default:
		log.Printf("WARN: Unimplemented op %d on connection %s", msg.Op, c.id)
		c.writeError(msg.RequestID, protocol.CodeUnimplemented, "operation not implemented")
	}
}

func (c *bridgeConn) handleBindEngine(ctx context.Context, msg *protocol.ClientMessage) {
	var req protocol.BindEngineRequest
	if err := protocol.DecodePayload(msg.Payload, &req); err != nil {
		c.writeError(msg.RequestID, protocol.CodeDecodeError, "malformed bind_engine payload")
		return
	}
	if req.Engine.BaseURL == "" {
		c.writeError(msg.RequestID, protocol.CodeDecodeError, "engine baseUrl is required")
		return
	}
	if err := c.server.actor.Bind(ctx, req.Engine); err != nil {
		c.writeError(msg.RequestID, protocol.CodeBackendCallFailed, err.Error())
		return
	}
	log.Printf("INFO: Connection %s bound engine %s", c.id, req.Engine.BaseURL)
	c.writeResponse(msg.RequestID, protocol.OpBindEngine, protocol.BindEngineResponse{})
}

func (c *bridgeConn) handleUnbindEngine(ctx context.Context, msg *protocol.ClientMessage) {
	if err := c.server.actor.Clear(ctx); err != nil {
		c.writeError(msg.RequestID, protocol.CodeBackendCallFailed, err.Error())
		return
	}
	log.Printf("INFO: Connection %s cleared engine binding", c.id)
	c.writeResponse(msg.RequestID, protocol.OpUnbindEngine, protocol.UnbindEngineResponse{})
}

func (c *bridgeConn) handleGetEngine(ctx context.Context, msg *protocol.ClientMessage) {
	desc, bound, err := c.server.actor.Get(ctx)
	if err != nil {
		c.writeError(msg.RequestID, protocol.CodeBackendCallFailed, err.Error())
		return
	}
	resp := protocol.GetEngineResponse{Bound: bound}
	if bound {
		// Secrets stay server-side.
		desc.APIKey = ""
		resp.Engine = &desc
	}
	c.writeResponse(msg.RequestID, protocol.OpGetEngine, resp)
}

// boundEngine resolves the current binding into a caller, or writes the
// no-backend-bound error and returns nil.
func (c *bridgeConn) boundEngine(ctx context.Context, requestID uint64) EngineCaller {
	desc, bound, err := c.server.actor.Get(ctx)
	if err != nil {
		c.writeError(requestID, protocol.CodeBackendCallFailed, err.Error())
		return nil
	}
	if !bound {
		c.writeError(requestID, protocol.CodeNoBackendBound, "no engine is bound")
		return nil
	}
	return c.server.newEngine(desc)
}

func (c *bridgeConn) handleListSessions(ctx context.Context, msg *protocol.ClientMessage) {
	eng := c.boundEngine(ctx, msg.RequestID)
	if eng == nil {
		return
	}
	sessions, err := eng.ListSessions(ctx)
	if err != nil {
		log.Printf("WARN: list_sessions failed on connection %s: %v", c.id, err)
		c.writeError(msg.RequestID, protocol.CodeBackendCallFailed, err.Error())
		return
	}
	c.writeResponse(msg.RequestID, protocol.OpListSessions, protocol.ListSessionsResponse{Sessions: sessions})
}

func (c *bridgeConn) handleCreateSession(ctx context.Context, msg *protocol.ClientMessage) {
	var req protocol.CreateSessionRequest
	if err := protocol.DecodePayload(msg.Payload, &req); err != nil {
		c.writeError(msg.RequestID, protocol.CodeDecodeError, "malformed create_session payload")
		return
	}
	eng := c.boundEngine(ctx, msg.RequestID)
	if eng == nil {
		return
	}
	session, err := eng.CreateSession(ctx, req.Title, req.Model)
	if err != nil {
		log.Printf("WARN: create_session failed on connection %s: %v", c.id, err)
		c.writeError(msg.RequestID, protocol.CodeBackendCallFailed, err.Error())
		return
	}
	c.writeResponse(msg.RequestID, protocol.OpCreateSession, protocol.CreateSessionResponse{Session: *session})
}

func (c *bridgeConn) handleSendMessage(ctx context.Context, msg *protocol.ClientMessage) {
	var req protocol.SendMessageRequest
	if err := protocol.DecodePayload(msg.Payload, &req); err != nil {
		c.writeError(msg.RequestID, protocol.CodeDecodeError, "malformed send_message payload")
		return
	}
	if req.SessionID == "" {
		c.writeError(msg.RequestID, protocol.CodeDecodeError, "sessionId is required")
		return
	}
	eng := c.boundEngine(ctx, msg.RequestID)
	if eng == nil {
		return
	}
	reply, err := eng.SendMessage(ctx, req.SessionID, req.Text)
	if err != nil {
		log.Printf("WARN: send_message failed on connection %s: %v", c.id, err)
		c.writeError(msg.RequestID, protocol.CodeBackendCallFailed, err.Error())
		return
	}
	c.writeResponse(msg.RequestID, protocol.OpSendMessage, protocol.SendMessageResponse{Message: *reply})
}
