package hub

import (
	"encoding/json"

	"github.com/tibzejoker/mcp-wrapper-sub000/internal/logger"
	"github.com/tibzejoker/mcp-wrapper-sub000/internal/protocol"
	"github.com/tibzejoker/mcp-wrapper-sub000/internal/registry"
)

// Broadcasts fan out to every client-role peer through the bounded send
// queues. Callers hold the state mutex across the mutation and the
// enqueue so the last broadcast after any change reflects that change.

func (s *Server) broadcastLocked(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("marshal broadcast", "err", err)
		return
	}
	for _, p := range s.peers {
		if p.role == roleClient {
			s.enqueueRaw(p, data)
		}
	}
}

func (s *Server) clientPeerLocked(sessionID string) *Peer {
	sess := s.reg.Session(sessionID)
	if sess == nil {
		return nil
	}
	return s.peers[sess.PeerID]
}

func (s *Server) broadcastBridgeStatusLocked() {
	s.broadcastLocked(s.bridgeStatusLocked())
}

func (s *Server) bridgeStatusLocked() protocol.BridgeStatusUpdate {
	bridges := make([]protocol.BridgeInfo, 0)
	for _, p := range s.reg.Portals() {
		bridges = append(bridges, protocol.BridgeInfo{
			BridgeID:     p.ID,
			Platform:     p.Platform,
			ConnectedAt:  p.ConnectedAt.UnixMilli(),
			Status:       "connected",
			Capabilities: p.Capabilities,
		})
	}
	return protocol.BridgeStatusUpdate{
		Type:    protocol.TypeBridgeStatusUpdate,
		Bridges: bridges,
	}
}

func (s *Server) broadcastValidationLocked() {
	s.broadcastLocked(protocol.BridgeValidationUpdate{
		Type:           protocol.TypeBridgeValidationUpdate,
		ValidBridgeIDs: s.reg.LiveTokens(),
	})
}

func (s *Server) broadcastAssignmentsLocked() {
	s.broadcastLocked(protocol.BridgeAssignmentsUpdate{
		Type:        protocol.TypeBridgeAssignmentsUpdate,
		Assignments: s.reg.Assignments(),
	})
}

func (s *Server) broadcastConnectionsLocked() {
	connections := make([]protocol.ConnectionInfo, 0)
	for _, sb := range s.reg.Sandboxes() {
		info := protocol.ConnectionInfo{
			ID:         sb.SandboxID,
			Status:     "starting",
			ScriptPath: sb.ScriptPath,
		}
		if sb.Running {
			info.Status = "running"
			info.StartTime = sb.StartedAt.UnixMilli()
		}
		connections = append(connections, info)
	}
	s.broadcastLocked(protocol.ConnectionsUpdate{
		Type:        protocol.TypeConnectionsUpdate,
		Connections: connections,
	})
}

func (s *Server) broadcastSandboxUpdatedLocked(sb *registry.Sandbox) {
	info := sandboxInfo(sb)
	s.broadcastLocked(protocol.SandboxUpdated{
		Type:         protocol.TypeSandboxUpdated,
		ConnectionID: sb.SessionID,
		Sandbox:      &info,
	})
}

// broadcastSandboxGoneLocked announces a destroyed sandbox with a null
// snapshot. The wire shape only names the owning session; consumers
// learn which sandbox died from the connections broadcast that follows.
func (s *Server) broadcastSandboxGoneLocked(sessionID, sandboxID string) {
	s.broadcastLocked(protocol.SandboxUpdated{
		Type:         protocol.TypeSandboxUpdated,
		ConnectionID: sessionID,
		Sandbox:      nil,
	})
	logger.Debug("sandbox removed", "sessionId", sessionID, "sandboxId", sandboxID)
}

func sandboxInfo(sb *registry.Sandbox) protocol.SandboxInfo {
	info := protocol.SandboxInfo{
		SandboxID:  sb.SandboxID,
		SessionID:  sb.SessionID,
		ScriptPath: sb.ScriptPath,
		IsRunning:  sb.Running,
		BridgeID:   sb.PortalID,
	}
	if sb.Running {
		info.StartTime = sb.StartedAt.UnixMilli()
	}
	return info
}
