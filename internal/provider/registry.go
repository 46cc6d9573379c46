package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/frahmantamala/restaurant-pos/internal"
)

// Registry maps provider identifiers to adapters. It is filled at startup and read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, internal.NewValidationError(fmt.Sprintf("unknown payment provider %q", name), internal.ErrCodeUnknownProvider)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Verifier returns the webhook verifier of a provider. Providers without webhooks are reported
// as not found so the route answers 404.
func (r *Registry) Verifier(name string) (WebhookVerifier, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, internal.NewNotFoundError(fmt.Sprintf("no webhook endpoint for provider %q", name), internal.ErrCodeUnknownProvider)
	}
	v, ok := unwrap(a).(WebhookVerifier)
	if !ok {
		return nil, internal.NewNotFoundError(fmt.Sprintf("no webhook endpoint for provider %q", name), internal.ErrCodeUnknownProvider)
	}
	return v, nil
}

// Refunder returns the refund capability of a provider, or false when it only refunds out of band.
// A guarded adapter is returned as is so refunds also pass its breaker.
func (r *Registry) Refunder(name string) (Refunder, bool, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, false, err
	}
	if _, ok := unwrap(a).(Refunder); !ok {
		return nil, false, nil
	}
	if g, ok := a.(*Guard); ok {
		return g, true, nil
	}
	return a.(Refunder), true, nil
}

func unwrap(a Adapter) Adapter {
	for {
		w, ok := a.(interface{ Unwrap() Adapter })
		if !ok {
			return a
		}
		a = w.Unwrap()
	}
}
