// Package registry holds the hub's live state: admission tokens,
// connected portals, client sessions, and the sandbox table. Everything
// is in-memory and rebuilt on restart. Records reference peers by id
// only; connections belong to the multiplexer.
package registry

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrPortalExists   = errors.New("portal already registered")
	ErrPortalUnknown  = errors.New("portal not connected")
	ErrSessionUnknown = errors.New("session not found")
	ErrSandboxExists  = errors.New("sandbox already exists")
	ErrSandboxUnknown = errors.New("sandbox not found")
)

type Registry struct {
	mu sync.RWMutex

	tokenTTL time.Duration
	tokens   map[string]*token

	portals   map[string]*Portal
	portalSeq uint64

	sessions   map[string]*Session
	sessionSeq uint64

	sandboxes  map[SandboxKey]*Sandbox
	sandboxSeq uint64

	// OnTokenExpired fires after a token ages out, outside the lock.
	OnTokenExpired func(id string)
}

func New() *Registry {
	return &Registry{
		tokenTTL:  DefaultTokenTTL,
		tokens:    make(map[string]*token),
		portals:   make(map[string]*Portal),
		sessions:  make(map[string]*Session),
		sandboxes: make(map[SandboxKey]*Sandbox),
	}
}
