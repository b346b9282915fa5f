package persona

import (
	"fmt"
	"sort"
	"strings"
)

// Registry is the fixed set of personas a process runs with. It is
// populated once at construction and never mutated afterwards, so lookups
// are safe from any goroutine.
type Registry struct {
	personas map[string]Persona
}

// NewRegistry builds a registry from the given personas. Names are matched
// case-insensitively; duplicate or invalid personas are rejected.
func NewRegistry(personas ...Persona) (*Registry, error) {
	r := &Registry{
		personas: make(map[string]Persona, len(personas)),
	}
	for _, p := range personas {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		key := strings.ToLower(strings.TrimSpace(p.Name))
		if _, dup := r.personas[key]; dup {
			return nil, fmt.Errorf("persona %q already registered", p.Name)
		}
		r.personas[key] = p
	}
	return r, nil
}

func (r *Registry) Get(name string) (Persona, error) {
	p, ok := r.personas[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Persona{}, fmt.Errorf("persona not found: %s", name)
	}
	return p, nil
}

// Names returns the registered persona names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.personas))
	for _, p := range r.personas {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}
