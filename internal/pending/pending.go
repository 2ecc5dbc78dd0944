// Package pending tracks forwarded intercepted calls awaiting a portal
// reply. Every entry resolves exactly once: portal response, peer-gone
// cancellation, or deadline, whichever lands first.
package pending

import (
	"errors"
	"sync"
	"time"

	"github.com/tibzejoker/mcp-wrapper-sub000/internal/protocol"
)

// DefaultTimeout bounds how long a forwarded call may stay unanswered.
const DefaultTimeout = 30 * time.Second

var (
	ErrTimeout  = errors.New("timeout")
	ErrPeerGone = errors.New("peer disconnected")
)

// Outcome is the terminal result of a pending entry. Err is nil when the
// portal replied.
type Outcome struct {
	Response protocol.Response
	Err      error
}

// Waiter receives exactly one Outcome on C.
type Waiter struct {
	C <-chan Outcome
}

type entry struct {
	ch     chan Outcome
	timer  *time.Timer
	owner  string
	target string
}

// Table maps forwarded ids to waiters, indexed by originating peer and
// target portal so either side's disconnect can drain its entries.
type Table struct {
	mu       sync.Mutex
	entries  map[string]*entry
	byOwner  map[string]map[string]struct{}
	byTarget map[string]map[string]struct{}
}

func NewTable() *Table {
	return &Table{
		entries:  make(map[string]*entry),
		byOwner:  make(map[string]map[string]struct{}),
		byTarget: make(map[string]map[string]struct{}),
	}
}

// Register installs a waiter for key. owner is the originating peer id,
// target the portal id. d <= 0 means DefaultTimeout. The deadline timer
// is armed before Register returns.
func (t *Table) Register(key, owner, target string, d time.Duration) *Waiter {
	if d <= 0 {
		d = DefaultTimeout
	}
	e := &entry{
		ch:     make(chan Outcome, 1),
		owner:  owner,
		target: target,
	}

	t.mu.Lock()
	// Armed under the lock so a firing timer always finds the entry.
	e.timer = time.AfterFunc(d, func() {
		t.Cancel(key, ErrTimeout)
	})
	t.entries[key] = e
	addIndex(t.byOwner, owner, key)
	addIndex(t.byTarget, target, key)
	t.mu.Unlock()

	return &Waiter{C: e.ch}
}

// Complete resolves key with a portal response. Returns false when the
// entry is already gone (timed out, cancelled, or never registered).
func (t *Table) Complete(key string, res protocol.Response) bool {
	return t.resolve(key, Outcome{Response: res})
}

// Cancel resolves key with an error. The loser of a racing Complete and
// Cancel is a no-op.
func (t *Table) Cancel(key string, err error) bool {
	return t.resolve(key, Outcome{Err: err})
}

// CancelOwner cancels every entry registered by one origin peer and
// returns how many were drained.
func (t *Table) CancelOwner(owner string, err error) int {
	return t.drain(t.keysFor(t.byOwner, owner), err)
}

// CancelTarget cancels every entry routed to one portal and returns how
// many were drained.
func (t *Table) CancelTarget(target string, err error) int {
	return t.drain(t.keysFor(t.byTarget, target), err)
}

// Len reports the number of in-flight entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) resolve(key string, out Outcome) bool {
	t.mu.Lock()
	e, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
		dropIndex(t.byOwner, e.owner, key)
		dropIndex(t.byTarget, e.target, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.timer.Stop()
	e.ch <- out
	return true
}

func (t *Table) keysFor(index map[string]map[string]struct{}, id string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(index[id]))
	for k := range index[id] {
		keys = append(keys, k)
	}
	return keys
}

func (t *Table) drain(keys []string, err error) int {
	n := 0
	for _, k := range keys {
		if t.Cancel(k, err) {
			n++
		}
	}
	return n
}

func addIndex(index map[string]map[string]struct{}, id, key string) {
	set := index[id]
	if set == nil {
		set = make(map[string]struct{})
		index[id] = set
	}
	set[key] = struct{}{}
}

func dropIndex(index map[string]map[string]struct{}, id, key string) {
	set := index[id]
	if set == nil {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(index, id)
	}
}
