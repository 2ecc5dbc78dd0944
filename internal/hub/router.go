package hub

import (
	"encoding/json"
	"errors"

	"github.com/tibzejoker/mcp-wrapper-sub000/internal/logger"
	"github.com/tibzejoker/mcp-wrapper-sub000/internal/protocol"
	"github.com/tibzejoker/mcp-wrapper-sub000/internal/registry"
	"github.com/tibzejoker/mcp-wrapper-sub000/internal/supervisor"
)

func (s *Server) handleGenerateBridgeID(p *Peer, data []byte) {
	var msg protocol.GenerateBridgeID
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(p, "invalid generate_bridge_id", nil)
		return
	}

	s.mu.Lock()
	id, expiresAt := s.reg.MintToken()
	s.enqueueJSON(p, protocol.BridgeIDGenerated{
		Type:      protocol.TypeBridgeIDGenerated,
		BridgeID:  id,
		ExpiresAt: expiresAt.UnixMilli(),
		RequestID: msg.RequestID,
	})
	s.broadcastValidationLocked()
	s.mu.Unlock()

	logger.Info("bridge id generated", "bridgeId", id, "requestId", msg.RequestID)
}

// handleStart records the sandbox, spawns the child, and tells it which
// portal its interception channel should target. The spawn and the
// stdin hint happen outside the state mutex.
func (s *Server) handleStart(p *Peer, sess *registry.Session, data []byte) {
	var msg protocol.Start
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(p, "invalid start message", nil)
		return
	}
	if msg.SandboxID == "" || msg.Config.ScriptPath == "" {
		s.sendError(p, "start requires sandboxId and config.scriptPath", nil)
		return
	}

	s.mu.Lock()
	sb, err := s.reg.CreateSandbox(sess.ID, msg.SandboxID, msg.Config.ScriptPath, msg.Config.TargetFlutterBridgeID)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, registry.ErrSandboxExists) {
			s.sendError(p, "sandbox already exists: "+msg.SandboxID,
				map[string]any{"sandboxId": msg.SandboxID})
		} else {
			s.sendError(p, "failed to create sandbox: "+err.Error(),
				map[string]any{"sandboxId": msg.SandboxID})
		}
		return
	}

	sessionID, sandboxID := sess.ID, msg.SandboxID
	child, err := supervisor.Spawn(supervisor.Config{
		Command: s.cfg.Sandbox.Executor,
		Args:    []string{msg.Config.ScriptPath},
		Env:     msg.Config.Env,
		OnStdout: func(line []byte) {
			s.onChildOutput(sessionID, sandboxID, protocol.TypeStdout, line)
		},
		OnStderr: func(line []byte) {
			s.onChildOutput(sessionID, sandboxID, protocol.TypeStderr, line)
		},
		OnExit: func(code int) {
			s.onChildExit(sessionID, sandboxID, code)
		},
	})
	if err != nil {
		s.mu.Lock()
		s.reg.RemoveSandbox(sessionID, sandboxID)
		s.mu.Unlock()
		s.sendError(p, "failed to start sandbox: "+err.Error(),
			map[string]any{"sandboxId": sandboxID})
		logger.Error("spawn sandbox", "sandboxId", sandboxID, "scriptPath", msg.Config.ScriptPath, "err", err)
		return
	}

	s.mu.Lock()
	if !s.reg.AttachChild(sessionID, sandboxID, child.PID()) {
		// Record gone while spawning: the child exited on its own, or
		// the owning client disconnected. Either way the tree dies here.
		s.mu.Unlock()
		supervisor.KillTree(child.PID())
		return
	}
	s.children[sb.Key()] = child
	snap := s.reg.Sandbox(sessionID, sandboxID)
	portalID := snap.PortalID
	s.broadcastSandboxUpdatedLocked(snap)
	s.broadcastConnectionsLocked()
	if portalID != "" {
		s.broadcastAssignmentsLocked()
	}
	s.mu.Unlock()

	hint, _ := json.Marshal(protocol.BridgeRegisterHint{
		Type:                  protocol.TypeBridgeRegister,
		TargetFlutterBridgeID: portalID,
		SandboxSessionID:      sessionID,
		ActualSandboxID:       sandboxID,
	})
	if err := child.WriteLine(hint); err != nil {
		logger.Warn("write bridge hint", "sandboxId", sandboxID, "err", err)
	}

	logger.Info("sandbox started", "sessionId", sessionID, "sandboxId", sandboxID,
		"pid", child.PID(), "portal", portalID)
}

// handleStop kills the process tree synchronously, waits for the child
// to be reaped, then removes the record and broadcasts.
func (s *Server) handleStop(p *Peer, sess *registry.Session, data []byte) {
	var msg protocol.Stop
	if err := json.Unmarshal(data, &msg); err != nil || msg.SandboxID == "" {
		s.sendError(p, "stop requires sandboxId", nil)
		return
	}

	key := registry.SandboxKey{SessionID: sess.ID, SandboxID: msg.SandboxID}
	s.mu.Lock()
	sb := s.reg.Sandbox(sess.ID, msg.SandboxID)
	child := s.children[key]
	s.mu.Unlock()

	if sb == nil {
		s.sendError(p, "sandbox not found: "+msg.SandboxID,
			map[string]any{"availableSandboxes": s.reg.SandboxIDs(sess.ID)})
		return
	}

	if child != nil {
		if err := supervisor.KillTree(child.PID()); err != nil {
			logger.Warn("kill sandbox tree", "sandboxId", msg.SandboxID, "pid", child.PID(), "err", err)
		}
		<-child.Done()
	}

	s.mu.Lock()
	delete(s.children, key)
	removed := s.reg.RemoveSandbox(sess.ID, msg.SandboxID)
	if removed != nil {
		s.broadcastSandboxGoneLocked(sess.ID, msg.SandboxID)
		s.broadcastConnectionsLocked()
		if removed.PortalID != "" {
			s.broadcastAssignmentsLocked()
		}
	}
	s.mu.Unlock()

	logger.Info("sandbox stopped", "sessionId", sess.ID, "sandboxId", msg.SandboxID)
}

// handleCommand writes one normalized JSON-RPC line to the child's
// stdin and acknowledges with the normalized form.
func (s *Server) handleCommand(p *Peer, sess *registry.Session, data []byte) {
	var msg protocol.Command
	if err := json.Unmarshal(data, &msg); err != nil || msg.SandboxID == "" {
		s.sendError(p, "command requires sandboxId and command", nil)
		return
	}

	key := registry.SandboxKey{SessionID: sess.ID, SandboxID: msg.SandboxID}
	s.mu.Lock()
	sb := s.reg.Sandbox(sess.ID, msg.SandboxID)
	child := s.children[key]
	s.mu.Unlock()

	if sb == nil || child == nil {
		s.sendError(p, "sandbox not found: "+msg.SandboxID,
			map[string]any{"availableSandboxes": s.reg.SandboxIDs(sess.ID)})
		return
	}

	line, err := protocol.NormalizeCommand(msg.Command)
	if err != nil {
		s.sendError(p, "invalid command: "+err.Error(),
			map[string]any{"sandboxId": msg.SandboxID})
		return
	}

	if err := child.WriteLine(line); err != nil {
		s.sendError(p, "failed to send command: "+err.Error(),
			map[string]any{"sandboxId": msg.SandboxID})
		return
	}

	s.enqueueJSON(p, protocol.CommandSent{
		Type:         protocol.TypeCommandSent,
		ConnectionID: sess.ID,
		SandboxID:    msg.SandboxID,
		Command:      line,
	})
	logger.Debug("command sent", "sessionId", sess.ID, "sandboxId", msg.SandboxID)
}

func (s *Server) handleGetBridgeStatus(p *Peer) {
	s.mu.Lock()
	s.enqueueJSON(p, s.bridgeStatusLocked())
	s.mu.Unlock()
}

func (s *Server) handleGetConnectedSandboxes(p *Peer, data []byte) {
	var msg protocol.GetConnectedSandboxes
	if err := json.Unmarshal(data, &msg); err != nil || msg.BridgeID == "" {
		s.sendError(p, "get_connected_sandboxes requires bridgeId", nil)
		return
	}

	s.mu.Lock()
	sandboxes := make([]protocol.SandboxInfo, 0)
	for _, sb := range s.reg.SandboxesForPortal(msg.BridgeID) {
		sandboxes = append(sandboxes, sandboxInfo(sb))
	}
	s.enqueueJSON(p, protocol.ConnectedSandboxesUpdate{
		Type:      protocol.TypeConnectedSandboxesUpdate,
		Sandboxes: sandboxes,
	})
	s.mu.Unlock()
}

// onChildOutput forwards one classified output line to the owning
// client. Runs on the supervisor's scanner goroutines.
func (s *Server) onChildOutput(sessionID, sandboxID, msgType string, line []byte) {
	isJSON := protocol.IsJSONRPCResponse(line)

	s.mu.Lock()
	p := s.clientPeerLocked(sessionID)
	if p != nil {
		s.enqueueJSON(p, protocol.OutputLine{
			Type:         msgType,
			ConnectionID: sessionID,
			SandboxID:    sandboxID,
			Message:      string(line),
			IsJSON:       isJSON,
		})
	}
	s.mu.Unlock()
}

// onChildExit removes the sandbox unless stop or session teardown beat
// it to the record.
func (s *Server) onChildExit(sessionID, sandboxID string, code int) {
	key := registry.SandboxKey{SessionID: sessionID, SandboxID: sandboxID}

	s.mu.Lock()
	delete(s.children, key)
	sb := s.reg.RemoveSandbox(sessionID, sandboxID)
	if sb != nil {
		s.broadcastSandboxGoneLocked(sessionID, sandboxID)
		s.broadcastConnectionsLocked()
		if sb.PortalID != "" {
			s.broadcastAssignmentsLocked()
		}
	}
	s.mu.Unlock()

	if sb != nil {
		logger.Info("sandbox exited", "sessionId", sessionID, "sandboxId", sandboxID, "exitCode", code)
	}
}

// teardownSession destroys everything a disconnected client owned. The
// records go first so a concurrently registering portal cannot pick up
// a dying sandbox; the kills follow outside the mutex.
func (s *Server) teardownSession(sessionID string) {
	s.mu.Lock()
	owned := s.reg.RemoveSession(sessionID)
	children := make([]*supervisor.Child, 0, len(owned))
	for _, sb := range owned {
		if c := s.children[sb.Key()]; c != nil {
			children = append(children, c)
			delete(s.children, sb.Key())
		}
	}
	s.mu.Unlock()

	for _, c := range children {
		if err := supervisor.KillTree(c.PID()); err != nil {
			logger.Warn("kill sandbox tree", "sessionId", sessionID, "pid", c.PID(), "err", err)
		}
		<-c.Done()
	}

	s.mu.Lock()
	for _, sb := range owned {
		s.broadcastSandboxGoneLocked(sessionID, sb.SandboxID)
	}
	if len(owned) > 0 {
		s.broadcastConnectionsLocked()
		s.broadcastAssignmentsLocked()
	}
	s.mu.Unlock()

	logger.Info("client disconnected", "sessionId", sessionID, "sandboxes", len(owned))
}
