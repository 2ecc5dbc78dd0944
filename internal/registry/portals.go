package registry

import (
	"encoding/json"
	"sort"
	"time"
)

// Portal is a connected effect-terminating peer. Its id is the admission
// token it consumed and is never reused.
type Portal struct {
	ID           string
	Platform     string
	PeerID       string
	Capabilities json.RawMessage
	ConnectedAt  time.Time

	seq uint64
}

// AddPortal registers a portal under a consumed token id. Duplicate
// registration of a live portal id is rejected.
func (r *Registry) AddPortal(id, platform, peerID string) (*Portal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.portals[id]; ok {
		return nil, ErrPortalExists
	}
	r.portalSeq++
	p := &Portal{
		ID:          id,
		Platform:    platform,
		PeerID:      peerID,
		ConnectedAt: time.Now(),
		seq:         r.portalSeq,
	}
	r.portals[id] = p
	return p, nil
}

// RemovePortal drops a portal record and returns it, or nil when absent.
// Sandbox assignments pointing at it stay in place (assignments are
// sticky; only the sandbox's destruction clears them).
func (r *Registry) RemovePortal(id string) *Portal {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.portals[id]
	delete(r.portals, id)
	return p
}

// Portal returns the live portal for id, or nil.
func (r *Registry) Portal(id string) *Portal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.portals[id]
}

// Portals returns all connected portals in registration order.
func (r *Registry) Portals() []*Portal {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Portal, 0, len(r.portals))
	for _, p := range r.portals {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// FirstPortal returns the earliest-registered live portal, or nil. This
// is the default assignment target when a sandbox requests none.
func (r *Registry) FirstPortal() *Portal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.firstPortalLocked()
}

func (r *Registry) firstPortalLocked() *Portal {
	var first *Portal
	for _, p := range r.portals {
		if first == nil || p.seq < first.seq {
			first = p
		}
	}
	return first
}

// SetCapabilities stores a portal's reported capability set.
func (r *Registry) SetCapabilities(id string, caps json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.portals[id]
	if !ok {
		return false
	}
	p.Capabilities = caps
	return true
}
