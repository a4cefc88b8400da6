// Package llm adapts upstream LLM providers to a single streaming event contract.
package llm

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/osail-liaso/relay/internal/models"
)

// ErrProviderUnavailable is returned when neither a platform key nor an account key is configured.
var ErrProviderUnavailable = errors.New("provider unavailable")

// EventType is the tag of a normalized event.
type EventType string

const (
	EventMessage EventType = "message"
	EventEOM     EventType = "EOM"
	EventError   EventType = "ERROR"
)

// Event is one normalized unit of provider output.
// Text carries the delta for message events and the error text for ERROR events.
type Event struct {
	Type EventType
	Text string
	Err  error
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventEOM || e.Type == EventError
}

// Request is a normalized provider call.
type Request struct {
	Account     *models.Account
	Model       string
	Messages    []models.ChatMessage
	Temperature float64
}

// Provider streams completions from one upstream vendor.
//
// Stream returns a channel that yields zero or more message events followed by
// exactly one terminal event, then closes. If ctx ends first the channel closes
// without a terminal event.
type Provider interface {
	Name() string
	Available(acct *models.Account) bool
	Stream(ctx context.Context, req *Request) (<-chan Event, error)
}

// Registry maps provider tags to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry holding the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds p, replacing any provider with the same tag.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Lookup returns the provider registered under name.
func (r *Registry) Lookup(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered tags in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
