package hostapi

import (
	"sort"
	"sync"
)

// Factory builds an API bound to one computer. Factories must accept a nil
// Environment so the registry can describe the API without a computer.
type Factory func(env Environment) API

// Info describes a registered API.
type Info struct {
	Name    string   `json:"name"`
	Globals []string `json:"globals"`
	Methods []string `json:"methods"`
}

// Registry holds the API factories every computer is built with.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	infos     map[string]Info
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		infos:     make(map[string]Info),
	}
}

// DefaultRegistry returns a registry with the built-in os and term APIs.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("os", func(env Environment) API { return NewOSAPI(env) })
	r.Register("term", func(env Environment) API { return NewTermAPI(env) })
	return r
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	sample := f(nil)
	info := Info{
		Name:    name,
		Globals: append([]string(nil), sample.Names()...),
		Methods: append([]string(nil), sample.MethodNames()...),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	r.infos[name] = info
}

// Build instantiates every registered API for env, ordered by name.
func (r *Registry) Build(env Environment) []API {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)

	apis := make([]API, 0, len(names))
	for _, name := range names {
		apis = append(apis, r.factories[name](env))
	}
	return apis
}

// List returns descriptions of all registered APIs, sorted by name for a
// stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.infos))
	for _, info := range r.infos {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
