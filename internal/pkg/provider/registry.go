package provider

import (
	"fmt"
	"sort"
	"strings"
)

// Registry routes network codes to providers.
type Registry struct {
	providers map[string]Provider
	routes    map[string]string
	fallback  string
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		routes:    make(map[string]string),
	}
}

// Register adds p and routes the given network codes to it.
func (r *Registry) Register(p Provider, networks ...string) {
	r.providers[p.Name()] = p
	for _, n := range networks {
		r.routes[strings.ToUpper(n)] = p.Name()
	}
}

// SetFallback names the provider used for unrouted networks.
func (r *Registry) SetFallback(name string) {
	r.fallback = name
}

// For returns the provider serving network.
func (r *Registry) For(network string) (Provider, error) {
	name, ok := r.routes[strings.ToUpper(network)]
	if !ok {
		name = r.fallback
	}
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, network)
}

// Get returns a provider by name. Items already sent stay with the provider
// that holds their reference.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q not registered", ErrNoProvider, name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
