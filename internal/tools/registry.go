package tools

import (
	"fmt"
	"sort"
)

// Registry is the name -> handler table. It is built once at startup and
// never changes afterwards.
type Registry struct {
	handlers map[string]Handler
	names    []string
}

func NewRegistry(hs ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler, len(hs))}
	for _, h := range hs {
		name := h.Name()
		if name == "" {
			return nil, fmt.Errorf("tools: handler without name")
		}
		if _, dup := r.handlers[name]; dup {
			return nil, fmt.Errorf("tools: duplicate handler %q", name)
		}
		r.handlers[name] = h
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

func (r *Registry) Handler(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) Definition(name string) (Definition, bool) {
	h, ok := r.handlers[name]
	if !ok {
		return Definition{}, false
	}
	return h.Definition(), true
}

func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Definitions returns the definitions of names in order, skipping unknown ones.
func (r *Registry) Definitions(names []string) []Definition {
	out := make([]Definition, 0, len(names))
	for _, n := range names {
		if h, ok := r.handlers[n]; ok {
			out = append(out, h.Definition())
		}
	}
	return out
}
