package hub

import (
	"encoding/json"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tibzejoker/mcp-wrapper-sub000/internal/logger"
	"github.com/tibzejoker/mcp-wrapper-sub000/internal/pending"
	"github.com/tibzejoker/mcp-wrapper-sub000/internal/protocol"
)

// handleBridgeRegister classifies an unclassified connection as either
// a portal (consuming its admission token) or a sandbox-bridge-client
// (binding it to a live portal).
func (s *Server) handleBridgeRegister(p *Peer, data []byte) {
	var msg protocol.BridgeRegister
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(p, "invalid bridge_register", nil)
		return
	}

	switch msg.Origin {
	case protocol.OriginPortal:
		s.registerPortal(p, &msg)
	case protocol.OriginBridgeClient:
		s.registerBridgeClient(p, &msg)
	default:
		s.sendError(p, "unknown origin: "+msg.Origin, nil)
	}
}

func (s *Server) registerPortal(p *Peer, msg *protocol.BridgeRegister) {
	if msg.BridgeID == "" {
		s.sendError(p, "bridge_register requires bridgeId", nil)
		p.closeWith(websocket.StatusPolicyViolation, "invalid bridge id")
		return
	}

	s.mu.Lock()
	if p.role != roleUnclassified {
		s.mu.Unlock()
		s.sendError(p, "connection already registered", nil)
		return
	}
	if !s.reg.ConsumeToken(msg.BridgeID) {
		s.mu.Unlock()
		s.sendError(p, "invalid or expired bridge id: "+msg.BridgeID, nil)
		p.closeWith(websocket.StatusPolicyViolation, "invalid bridge id")
		logger.Warn("portal registration rejected", "bridgeId", msg.BridgeID)
		return
	}
	if _, err := s.reg.AddPortal(msg.BridgeID, msg.Platform, p.ID); err != nil {
		s.mu.Unlock()
		s.sendError(p, "bridge id already registered: "+msg.BridgeID, nil)
		p.closeWith(websocket.StatusPolicyViolation, "duplicate bridge id")
		return
	}
	if len(msg.Capabilities) > 0 {
		s.reg.SetCapabilities(msg.BridgeID, msg.Capabilities)
	}
	p.role = rolePortal
	p.portalID = msg.BridgeID

	s.enqueueJSON(p, protocol.BridgeRegistered{
		Type:     protocol.TypeBridgeRegistered,
		BridgeID: msg.BridgeID,
	})

	// Sandboxes waiting for a portal adopt this one, oldest first.
	assigned := 0
	for _, sb := range s.reg.UnassignedSandboxes() {
		s.reg.AssignPortal(sb.SessionID, sb.SandboxID, msg.BridgeID)
		assigned++
	}

	s.broadcastBridgeStatusLocked()
	s.broadcastValidationLocked()
	s.broadcastAssignmentsLocked()
	s.mu.Unlock()

	logger.Info("portal registered", "bridgeId", msg.BridgeID,
		"platform", msg.Platform, "autoAssigned", assigned)
}

func (s *Server) registerBridgeClient(p *Peer, msg *protocol.BridgeRegister) {
	if msg.BridgeID == "" {
		s.sendError(p, "bridge_register requires bridgeId", nil)
		return
	}

	s.mu.Lock()
	if p.role != roleUnclassified {
		s.mu.Unlock()
		s.sendError(p, "connection already registered", nil)
		return
	}
	if s.reg.Portal(msg.BridgeID) == nil {
		s.mu.Unlock()
		s.sendError(p, "portal not connected: "+msg.BridgeID, nil)
		return
	}

	instanceID := msg.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}
	p.role = roleBridgeClient
	p.instanceID = instanceID
	p.bridgeKey = bridgeKey{
		sessionID: msg.SandboxSessionID,
		sandboxID: msg.ActualSandboxID,
		portalID:  msg.BridgeID,
	}

	s.enqueueJSON(p, protocol.BridgeRegistered{
		Type:       protocol.TypeBridgeRegistered,
		BridgeID:   msg.BridgeID,
		InstanceID: instanceID,
	})
	s.mu.Unlock()

	logger.Info("bridge client registered", "instanceId", instanceID,
		"sessionId", msg.SandboxSessionID, "sandboxId", msg.ActualSandboxID,
		"portal", msg.BridgeID)
}

func (s *Server) handleCapabilitiesReport(p *Peer, data []byte) {
	var msg protocol.BridgeCapabilitiesReport
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(p, "invalid bridge_capabilities_report", nil)
		return
	}

	s.mu.Lock()
	if p.role != rolePortal || p.portalID != msg.BridgeID {
		s.mu.Unlock()
		s.sendError(p, "bridge id mismatch", nil)
		return
	}
	s.reg.SetCapabilities(msg.BridgeID, msg.Capabilities)
	s.broadcastBridgeStatusLocked()
	s.mu.Unlock()

	logger.Debug("capabilities updated", "bridgeId", msg.BridgeID)
}

// handleInterceptedCall forwards one effect to its target portal under
// a fresh forwarded id and parks a waiter on the reply.
func (s *Server) handleInterceptedCall(p *Peer, msgType string, data []byte) {
	var call protocol.InterceptedCall
	if err := json.Unmarshal(data, &call); err != nil {
		s.sendError(p, "invalid intercepted call", nil)
		return
	}
	if call.TargetFlutterBridgeID == "" || call.SandboxSessionID == "" ||
		call.ActualSandboxID == "" || call.RequestID == "" {
		s.sendError(p, "intercepted call missing routing fields", nil)
		return
	}

	s.mu.Lock()
	if p.role != roleBridgeClient {
		s.mu.Unlock()
		s.sendError(p, "not registered as a sandbox bridge client", nil)
		return
	}
	var portalPeer *Peer
	if rec := s.reg.Portal(call.TargetFlutterBridgeID); rec != nil {
		portalPeer = s.peers[rec.PeerID]
	}
	if portalPeer == nil {
		s.mu.Unlock()
		s.enqueueJSON(p, protocol.BridgeResponse{
			Type:      protocol.TypeBridgeResponse,
			RequestID: call.RequestID,
			Response:  protocol.Response{Error: "portal unavailable"},
		})
		return
	}

	fid := "fwd-" + uuid.New().String()
	w := s.pend.Register(fid, p.ID, call.TargetFlutterBridgeID, 0)
	s.enqueueJSON(portalPeer, protocol.ForwardedCall{
		Type:      msgType,
		RequestID: fid,
		Payload:   call.Payload,
		RoutingInfo: protocol.RoutingInfo{
			TargetFlutterBridgeID: call.TargetFlutterBridgeID,
			SandboxSessionID:      call.SandboxSessionID,
			ActualSandboxID:       call.ActualSandboxID,
		},
	})
	s.mu.Unlock()

	go s.awaitForward(p, call.RequestID, w)
	logger.Debug("forwarded intercepted call", "type", msgType,
		"forwardId", fid, "portal", call.TargetFlutterBridgeID)
}

// awaitForward delivers the terminal outcome of one forwarded call back
// to its origin, keyed by the origin's own request id. An origin that
// disconnected swallows the frame.
func (s *Server) awaitForward(origin *Peer, originRequestID string, w *pending.Waiter) {
	out := <-w.C
	resp := out.Response
	if out.Err != nil {
		resp = protocol.Response{Error: out.Err.Error()}
	}
	s.enqueueJSON(origin, protocol.BridgeResponse{
		Type:      protocol.TypeBridgeResponse,
		RequestID: originRequestID,
		Response:  resp,
	})
}

// handlePortalResponse resolves the pending entry for a forwarded id.
// Replies to ids that already timed out or were cancelled are dropped.
func (s *Server) handlePortalResponse(p *Peer, data []byte) {
	s.mu.Lock()
	isPortal := p.role == rolePortal
	s.mu.Unlock()
	if !isPortal {
		s.sendError(p, "not registered as a portal", nil)
		return
	}

	var msg protocol.BridgeResponseFromPortal
	if err := json.Unmarshal(data, &msg); err != nil || msg.RequestID == "" {
		s.sendError(p, "invalid bridge_response_from_portal", nil)
		return
	}

	if !s.pend.Complete(msg.RequestID, msg.Response) {
		logger.Debug("reply for unknown forward id", "requestId", msg.RequestID)
	}
}

// teardownPortal runs when a portal's connection closes. In-flight
// forwards fail fast instead of waiting out their deadlines; sandbox
// assignments stay sticky.
func (s *Server) teardownPortal(portalID string) {
	s.mu.Lock()
	removed := s.reg.RemovePortal(portalID)
	if removed != nil {
		s.broadcastBridgeStatusLocked()
	}
	s.mu.Unlock()

	if n := s.pend.CancelTarget(portalID, pending.ErrPeerGone); n > 0 {
		logger.Debug("cancelled pending forwards", "portal", portalID, "count", n)
	}
	logger.Info("portal disconnected", "bridgeId", portalID)
}
