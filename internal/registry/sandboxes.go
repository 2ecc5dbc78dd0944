package registry

import (
	"fmt"
	"sort"
	"time"
)

// Session is one connected client.
type Session struct {
	ID     string
	PeerID string
}

// AddSession creates a session with a monotonic id.
func (r *Registry) AddSession(peerID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessionSeq++
	s := &Session{
		ID:     fmt.Sprintf("session-%d", r.sessionSeq),
		PeerID: peerID,
	}
	r.sessions[s.ID] = s
	return s
}

// Session returns the session for id, or nil.
func (r *Registry) Session(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// RemoveSession drops a session and removes its sandboxes, returning
// them in creation order for teardown.
func (r *Registry) RemoveSession(id string) []*Sandbox {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)

	var owned []*Sandbox
	for key, sb := range r.sandboxes {
		if sb.SessionID == id {
			owned = append(owned, sb)
			delete(r.sandboxes, key)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].seq < owned[j].seq })
	return owned
}

// SandboxKey is the composite identity of a sandbox: the client picks
// the sandbox id, so it is only unique within its session.
type SandboxKey struct {
	SessionID string
	SandboxID string
}

// Sandbox is one child-process record.
type Sandbox struct {
	SessionID  string
	SandboxID  string
	ScriptPath string
	PortalID   string // assigned portal, "" while unassigned
	PID        int
	Running    bool
	StartedAt  time.Time

	seq uint64
}

func (s *Sandbox) Key() SandboxKey {
	return SandboxKey{SessionID: s.SessionID, SandboxID: s.SandboxID}
}

// CreateSandbox records a not-yet-running sandbox. With no requested
// portal the earliest-registered live portal is assigned, if any; the
// assignment is advisory until the sandbox opens its bridge client.
func (r *Registry) CreateSandbox(sessionID, sandboxID, scriptPath, portalID string) (*Sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return nil, ErrSessionUnknown
	}
	key := SandboxKey{SessionID: sessionID, SandboxID: sandboxID}
	if _, ok := r.sandboxes[key]; ok {
		return nil, ErrSandboxExists
	}

	if portalID == "" {
		if p := r.firstPortalLocked(); p != nil {
			portalID = p.ID
		}
	}

	r.sandboxSeq++
	sb := &Sandbox{
		SessionID:  sessionID,
		SandboxID:  sandboxID,
		ScriptPath: scriptPath,
		PortalID:   portalID,
		seq:        r.sandboxSeq,
	}
	r.sandboxes[key] = sb
	return sb, nil
}

// AttachChild marks the sandbox running under pid.
func (r *Registry) AttachChild(sessionID, sandboxID string, pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, ok := r.sandboxes[SandboxKey{SessionID: sessionID, SandboxID: sandboxID}]
	if !ok {
		return false
	}
	sb.PID = pid
	sb.Running = true
	sb.StartedAt = time.Now()
	return true
}

// AssignPortal points a sandbox at a portal. Idempotent.
func (r *Registry) AssignPortal(sessionID, sandboxID, portalID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, ok := r.sandboxes[SandboxKey{SessionID: sessionID, SandboxID: sandboxID}]
	if !ok {
		return false
	}
	sb.PortalID = portalID
	return true
}

// RemoveSandbox drops a sandbox record and returns it, or nil.
func (r *Registry) RemoveSandbox(sessionID, sandboxID string) *Sandbox {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := SandboxKey{SessionID: sessionID, SandboxID: sandboxID}
	sb := r.sandboxes[key]
	delete(r.sandboxes, key)
	return sb
}

// Sandbox returns the record for (sessionID, sandboxID), or nil.
func (r *Registry) Sandbox(sessionID, sandboxID string) *Sandbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sandboxes[SandboxKey{SessionID: sessionID, SandboxID: sandboxID}]
}

// Sandboxes returns every sandbox in creation order.
func (r *Registry) Sandboxes() []*Sandbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedSandboxes(r.sandboxes, func(*Sandbox) bool { return true })
}

// UnassignedSandboxes returns sandboxes with no portal, in creation
// order, for auto-assignment when a new portal registers.
func (r *Registry) UnassignedSandboxes() []*Sandbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedSandboxes(r.sandboxes, func(sb *Sandbox) bool { return sb.PortalID == "" })
}

// SandboxesForPortal returns the sandboxes assigned to one portal, in
// creation order.
func (r *Registry) SandboxesForPortal(portalID string) []*Sandbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedSandboxes(r.sandboxes, func(sb *Sandbox) bool { return sb.PortalID == portalID })
}

// Assignments maps sandboxId to portalId for every assigned sandbox.
func (r *Registry) Assignments() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string)
	for _, sb := range r.sandboxes {
		if sb.PortalID != "" {
			out[sb.SandboxID] = sb.PortalID
		}
	}
	return out
}

// SandboxIDs returns the sandbox ids a session owns, sorted, for error
// hints.
func (r *Registry) SandboxIDs(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, sb := range r.sandboxes {
		if sb.SessionID == sessionID {
			ids = append(ids, sb.SandboxID)
		}
	}
	sort.Strings(ids)
	return ids
}

func sortedSandboxes(m map[SandboxKey]*Sandbox, keep func(*Sandbox) bool) []*Sandbox {
	var out []*Sandbox
	for _, sb := range m {
		if keep(sb) {
			out = append(out, sb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
