// Package server accepts bridge connections from the UI shell on a
// loopback-only listener and runs the authenticated receive/dispatch loop
// for each of them.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quillchat/bridge/internal/auth"
	"github.com/quillchat/bridge/internal/config"
	"github.com/quillchat/bridge/internal/engine"
	"github.com/quillchat/bridge/internal/protocol"
	"github.com/quillchat/bridge/internal/state"
)

const shutdownTimeout = 5 * time.Second

// EngineCaller is the slice of the downstream engine client the dispatch
// layer needs. Tests substitute a fake.
type EngineCaller interface {
	ListSessions(ctx context.Context) ([]protocol.SessionInfo, error)
	CreateSession(ctx context.Context, title, model string) (*protocol.SessionInfo, error)
	SendMessage(ctx context.Context, sessionID, text string) (*protocol.MessageInfo, error)
}

// EngineFactory builds an engine client for the currently bound descriptor.
type EngineFactory func(desc protocol.EngineDescriptor) EngineCaller

// Server owns the loopback listener, the per-process auth token and the
// shared state actor.
type Server struct {
	config     *config.Config
	token      string
	actor      *state.Actor
	newEngine  EngineFactory
	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	mu    sync.Mutex
	port  int
	conns map[string]*bridgeConn
}

// New creates a Server with a freshly generated auth token.
func New(cfg *config.Config) (*Server, error) {
	token, err := auth.GenerateToken()
	if err != nil {
		return nil, err
	}
	s := &Server{
		config: cfg,
		token:  token,
		actor:  state.NewActor(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*bridgeConn),
	}
	s.newEngine = func(desc protocol.EngineDescriptor) EngineCaller {
		return engine.NewClient(desc,
			engine.WithTimeout(cfg.EngineRequestTimeout()),
			engine.WithJWTSecret(cfg.Engine.JWTSecret),
		)
	}
	return s, nil
}

// Token returns the per-process auth token for out-of-band delivery.
func (s *Server) Token() string {
	return s.token
}

// Port returns the bound listener port. Valid after Run.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Actor exposes the shared state actor for the default-engine bind at
// startup.
func (s *Server) Actor() *state.Actor {
	return s.actor
}

// Run binds the loopback listener and starts serving. It returns once the
// listener is accepting; serving continues in the background.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("bind bridge listener on %s: %w", s.config.ListenAddress, err)
	}
	s.listener = ln
	s.mu.Lock()
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/bridge", s.handleBridge)
	s.httpServer = &http.Server{Handler: mux}

	log.Printf("INFO: Bridge listening on %s (token %s)", ln.Addr(), auth.Redact(s.token))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR: Bridge listener failed: %v", err)
		}
	}()
	return nil
}

// AnnounceCredentials writes the (port, token) pair as one JSON line. The
// hosting shell reads it from stdout and passes it to the UI process; the
// bridge itself does not define how it travels further.
func (s *Server) AnnounceCredentials(w *json.Encoder) error {
	return w.Encode(struct {
		Port  int    `json:"port"`
		Token string `json:"token"`
	}{Port: s.Port(), Token: s.token})
}

// Stop gracefully shuts down the listener and open connections. Shutdown
// alone leaves upgraded websocket connections untouched, so every live
// bridgeConn is closed explicitly.
func (s *Server) Stop() {
	log.Println("INFO: Shutting down bridge server...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("WARN: Bridge graceful shutdown failed: %v", err)
		}
	}
	for _, conn := range s.liveConns() {
		conn.close()
	}
}

func (s *Server) trackConn(c *bridgeConn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *Server) untrackConn(c *bridgeConn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

func (s *Server) liveConns() []*bridgeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*bridgeConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// handleBridge vets the peer address, upgrades, and hands the socket to a
// connection handler. Non-loopback peers are refused before any bridge
// frame is exchanged.
func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRemote(r.RemoteAddr) {
		log.Printf("WARN: Rejected non-local bridge connection from %s", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ERROR: Failed to upgrade bridge connection: %v", err)
		return
	}

	conn := newBridgeConn(ws, s)
	s.trackConn(conn)
	defer s.untrackConn(conn)
	conn.run()
}

// isLoopbackRemote reports whether addr (host:port) originates from the
// local host.
func isLoopbackRemote(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
