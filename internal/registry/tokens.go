package registry

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultTokenTTL is how long a minted admission token stays consumable.
const DefaultTokenTTL = 60 * time.Second

type token struct {
	createdAt time.Time
	expiresAt time.Time
	timer     *time.Timer
}

// MintToken generates a unique admission token and schedules its expiry.
// The id is 8 hex chars (32 bits); collisions with live tokens retry.
func (r *Registry) MintToken() (string, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	for {
		id = uuid.New().String()[:8]
		if _, exists := r.tokens[id]; !exists {
			break
		}
	}

	now := time.Now()
	tk := &token{createdAt: now, expiresAt: now.Add(r.tokenTTL)}
	tk.timer = time.AfterFunc(r.tokenTTL, func() {
		r.expireToken(id)
	})
	r.tokens[id] = tk

	return id, tk.expiresAt
}

// ConsumeToken atomically removes a live token, cancelling its expiry.
// Returns whether the token existed and was live. A consumed token never
// also expires, and vice versa.
func (r *Registry) ConsumeToken(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tk, ok := r.tokens[id]
	if !ok {
		return false
	}
	tk.timer.Stop()
	delete(r.tokens, id)
	return true
}

// LiveTokens returns the ids of tokens neither consumed nor expired,
// sorted for stable broadcasts.
func (r *Registry) LiveTokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tokens))
	for id := range r.tokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) expireToken(id string) {
	r.mu.Lock()
	_, ok := r.tokens[id]
	if ok {
		delete(r.tokens, id)
	}
	r.mu.Unlock()

	// A racing ConsumeToken beat the timer; nothing expired.
	if ok && r.OnTokenExpired != nil {
		r.OnTokenExpired(id)
	}
}
