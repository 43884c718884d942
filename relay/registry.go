package relay

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"swiftly/network"
)

var (
	// ErrTargetNotFound indicates the identifier does not name a live endpoint.
	ErrTargetNotFound = errors.New("relay: target not found")
	// ErrDuplicateEndpoint indicates an identifier is already registered.
	ErrDuplicateEndpoint = errors.New("relay: duplicate endpoint id")
)

// Endpoint is one connected device as seen by the relay.
type Endpoint interface {
	ID() string
	SendMessage(message any) error
}

// Registry maps live endpoint identifiers to their channels.
type Registry interface {
	Register(endpoint Endpoint) error
	Unregister(id string) bool
	Resolve(id string) (Endpoint, error)
	// Send delivers message to id. A target that disconnects between
	// resolution and delivery yields ErrTargetNotFound.
	Send(id string, message any) error
	Len() int
	IDs() []string
}

// MemoryRegistry is the in-process Registry. No lock is held during a send.
type MemoryRegistry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{endpoints: make(map[string]Endpoint)}
}

func (r *MemoryRegistry) Register(endpoint Endpoint) error {
	id := endpoint.ID()
	if id == "" {
		return errors.New("endpoint id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, id)
	}
	r.endpoints[id] = endpoint
	return nil
}

func (r *MemoryRegistry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[id]; !exists {
		return false
	}
	delete(r.endpoints, id)
	return true
}

func (r *MemoryRegistry) Resolve(id string) (Endpoint, error) {
	r.mu.RLock()
	endpoint, ok := r.endpoints[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, id)
	}
	return endpoint, nil
}

func (r *MemoryRegistry) Send(id string, message any) error {
	endpoint, err := r.Resolve(id)
	if err != nil {
		return err
	}

	if err := endpoint.SendMessage(message); err != nil {
		if errors.Is(err, network.ErrConnectionClosed) || !r.registered(id, endpoint) {
			return fmt.Errorf("%w: %s: %v", ErrTargetNotFound, id, err)
		}
		return fmt.Errorf("send to %s: %w", id, err)
	}
	return nil
}

func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

func (r *MemoryRegistry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (r *MemoryRegistry) registered(id string, endpoint Endpoint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current, ok := r.endpoints[id]
	return ok && current == endpoint
}
