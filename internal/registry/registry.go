// Package registry binds live connection identifiers to their transport
// handles and authenticated user metadata. It is the leaf component of the
// signaling core: the matchmaker holds only connection ids and resolves them
// here at send time.
package registry

import (
	"errors"
	"sync"

	"github.com/duetchat/signaling-relay/internal/auth"
)

var ErrNotFound = errors.New("connection not registered")

// Sendable is the transport capability stored per connection. Anything that
// can deliver an event to the remote client qualifies; the registry and
// matchmaker never touch transport internals.
type Sendable interface {
	Send(event string, payload any) error
}

type entry struct {
	transport Sendable
	userID    string
}

// Registry is safe for concurrent use. The token-verification call in
// Authenticate runs outside the lock so slow verifiers never block lookups.
type Registry struct {
	verifier auth.Verifier

	mu      sync.RWMutex
	entries map[string]*entry
}

func New(verifier auth.Verifier) *Registry {
	return &Registry{
		verifier: verifier,
		entries:  make(map[string]*entry),
	}
}

// Register creates an entry for a freshly connected transport. Connection ids
// are unique by construction of the transport layer, so collisions are not
// defended against.
func (r *Registry) Register(id string, transport Sendable) {
	r.mu.Lock()
	r.entries[id] = &entry{transport: transport}
	r.mu.Unlock()
}

// Authenticate verifies token via the external collaborator and, on success,
// stores the resulting user id against the connection. A verification failure
// is fatal to the connection; the caller must terminate the transport.
func (r *Registry) Authenticate(id, token string) (string, error) {
	if r.verifier == nil {
		return "", errors.New("no token verifier configured")
	}

	userID, err := r.verifier.VerifyToken(token)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		// The transport vanished while the verifier ran.
		return "", ErrNotFound
	}
	e.userID = userID
	return userID, nil
}

// Resolve returns the transport handle for id.
func (r *Registry) Resolve(id string) (Sendable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.transport, true
}

// UserID returns the authenticated user id for id, or "" if the connection
// has not (yet) authenticated.
func (r *Registry) UserID(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	return e.userID, true
}

// Unregister removes the entry for id. Safe to call for ids that were never
// registered.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
