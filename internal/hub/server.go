// Package hub is the request-routing fabric tying clients, portals, and
// sandbox-bridge-clients together over JSON WebSocket frames. It owns
// every connection; the registry and correlation table only ever see
// peer ids.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/tibzejoker/mcp-wrapper-sub000/internal/config"
	"github.com/tibzejoker/mcp-wrapper-sub000/internal/logger"
	"github.com/tibzejoker/mcp-wrapper-sub000/internal/pending"
	"github.com/tibzejoker/mcp-wrapper-sub000/internal/protocol"
	"github.com/tibzejoker/mcp-wrapper-sub000/internal/registry"
	"github.com/tibzejoker/mcp-wrapper-sub000/internal/supervisor"
)

type Server struct {
	cfg  *config.Config
	reg  *registry.Registry
	pend *pending.Table

	// mu guards peers, role fields on peers, children, and spans every
	// registry mutation together with its broadcasts so the last
	// broadcast after a state change always reflects that state.
	mu       sync.Mutex
	peers    map[string]*Peer
	children map[registry.SandboxKey]*supervisor.Child

	accepts *acceptLimiter
	mux     *http.ServeMux
}

func NewServer(cfg *config.Config) *Server {
	s := &Server{
		cfg:      cfg,
		reg:      registry.New(),
		pend:     pending.NewTable(),
		peers:    make(map[string]*Peer),
		children: make(map[registry.SandboxKey]*supervisor.Child),
		accepts:  newAcceptLimiter(cfg.Limits.AcceptsPerMinute),
		mux:      http.NewServeMux(),
	}
	s.reg.OnTokenExpired = func(id string) {
		s.mu.Lock()
		s.broadcastValidationLocked()
		s.mu.Unlock()
		logger.Debug("bridge id expired", "bridgeId", id)
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("/", s.handleWS)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := struct {
		Status    string `json:"status"`
		Peers     int    `json:"peers"`
		Portals   int    `json:"portals"`
		Sandboxes int    `json:"sandboxes"`
	}{"ok", len(s.peers), len(s.reg.Portals()), len(s.reg.Sandboxes())}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleWS accepts a connection and runs its read loop until the peer
// goes away. Every inbound frame is dispatched on the peer's goroutine;
// role-specific teardown runs exactly once on exit.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.accepts.Allow(ip) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("websocket accept", "remote", ip, "err", err)
		return
	}
	conn.SetReadLimit(int64(s.cfg.Limits.MaxMessageBytes))
	defer conn.CloseNow()

	p := newPeer(conn, s.cfg.Limits.SendQueue)
	s.mu.Lock()
	s.peers[p.ID] = p
	s.mu.Unlock()
	defer s.dropPeer(p)

	go p.writePump()
	logger.Debug("peer connected", "peer", p.ID, "remote", ip)

	ctx := r.Context()
	limiter := rate.NewLimiter(rate.Limit(s.cfg.Limits.MessagesPerSecond), s.cfg.Limits.MessagesPerSecond)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Debug("peer read ended", "peer", p.ID, "err", err)
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		s.dispatch(p, data)
	}
}

func (s *Server) dispatch(p *Peer, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		s.sendError(p, "invalid message format", nil)
		return
	}

	if protocol.IsForwardable(env.Type) {
		s.handleInterceptedCall(p, env.Type, data)
		return
	}

	switch env.Type {
	case protocol.TypeGenerateBridgeID,
		protocol.TypeStart,
		protocol.TypeStop,
		protocol.TypeCommand,
		protocol.TypeGetBridgeStatus,
		protocol.TypeGetConnectedSandboxes:
		s.dispatchClient(p, env.Type, data)
	case protocol.TypeBridgeRegister:
		s.handleBridgeRegister(p, data)
	case protocol.TypeBridgeCapabilitiesReport:
		s.handleCapabilitiesReport(p, data)
	case protocol.TypeBridgeResponseFromPortal:
		s.handlePortalResponse(p, data)
	default:
		s.sendError(p, "unknown message type: "+env.Type, nil)
	}
}

func (s *Server) dispatchClient(p *Peer, msgType string, data []byte) {
	sess, ok := s.ensureClient(p)
	if !ok {
		s.sendError(p, "not a client connection", nil)
		return
	}
	switch msgType {
	case protocol.TypeGenerateBridgeID:
		s.handleGenerateBridgeID(p, data)
	case protocol.TypeStart:
		s.handleStart(p, sess, data)
	case protocol.TypeStop:
		s.handleStop(p, sess, data)
	case protocol.TypeCommand:
		s.handleCommand(p, sess, data)
	case protocol.TypeGetBridgeStatus:
		s.handleGetBridgeStatus(p)
	case protocol.TypeGetConnectedSandboxes:
		s.handleGetConnectedSandboxes(p, data)
	}
}

// ensureClient classifies an unclassified peer as a client on its first
// client action, creating its session. Peers already holding another
// role are refused.
func (s *Server) ensureClient(p *Peer) (*registry.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch p.role {
	case roleClient:
		sess := s.reg.Session(p.sessionID)
		return sess, sess != nil
	case roleUnclassified:
		sess := s.reg.AddSession(p.ID)
		p.role = roleClient
		p.sessionID = sess.ID
		logger.Info("client connected", "sessionId", sess.ID, "peer", p.ID)
		return sess, true
	default:
		return nil, false
	}
}

// dropPeer tears down whatever the peer's role owns. Runs once, on the
// peer's own read goroutine, after its connection is gone.
func (s *Server) dropPeer(p *Peer) {
	p.closeWith(websocket.StatusNormalClosure, "")

	s.mu.Lock()
	delete(s.peers, p.ID)
	r := p.role
	s.mu.Unlock()

	switch r {
	case roleClient:
		s.teardownSession(p.sessionID)
	case rolePortal:
		s.teardownPortal(p.portalID)
	case roleBridgeClient:
		if n := s.pend.CancelOwner(p.ID, pending.ErrPeerGone); n > 0 {
			logger.Debug("cancelled pending forwards", "peer", p.ID, "count", n)
		}
		logger.Info("bridge client disconnected", "instanceId", p.instanceID,
			"sessionId", p.bridgeKey.sessionID, "sandboxId", p.bridgeKey.sandboxID)
	}
}

// Shutdown kills every sandbox process tree, then closes every peer.
// Called on SIGINT/SIGTERM before the listener stops.
func (s *Server) Shutdown() {
	s.mu.Lock()
	children := make([]*supervisor.Child, 0, len(s.children))
	for key, c := range s.children {
		children = append(children, c)
		delete(s.children, key)
	}
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, c := range children {
		if err := supervisor.KillTree(c.PID()); err != nil {
			logger.Warn("kill sandbox tree on shutdown", "pid", c.PID(), "err", err)
		}
	}
	for _, p := range peers {
		p.closeWith(websocket.StatusGoingAway, "server shutting down")
	}
	logger.Info("hub shut down", "sandboxes", len(children), "peers", len(peers))
}

func (s *Server) sendError(p *Peer, msg string, details map[string]any) {
	s.enqueueJSON(p, protocol.ErrorMsg{Type: protocol.TypeError, Error: msg, Details: details})
}

func (s *Server) enqueueJSON(p *Peer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("marshal outbound message", "err", err)
		return
	}
	s.enqueueRaw(p, data)
}

// enqueueRaw never blocks; a peer whose queue is full is terminated as
// slow. Safe to call with or without the state mutex held.
func (s *Server) enqueueRaw(p *Peer, data []byte) {
	if !p.enqueue(data) {
		logger.Warn("send queue full, dropping peer", "peer", p.ID, "role", p.role.String())
		p.closeWith(websocket.StatusPolicyViolation, "slow peer")
	}
}
