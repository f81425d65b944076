package action

import (
	"fmt"
	"sort"
	"time"
)

// Info describes a registered handler.
type Info struct {
	Name      string `json:"name"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// Registry maps action names to handlers. It is fixed at construction and
// safe for concurrent reads.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates a registry of the given handlers. It panics on a
// duplicate name, which is a programming error.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if _, dup := r.handlers[h.Name()]; dup {
			panic(fmt.Sprintf("action: duplicate handler %q", h.Name()))
		}
		r.handlers[h.Name()] = h
	}
	return r
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns information about all registered handlers, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	infos := make([]Info, 0, len(r.handlers))
	for _, name := range r.Names() {
		infos = append(infos, Info{
			Name:      name,
			TimeoutMS: r.handlers[name].Timeout().Milliseconds(),
		})
	}
	return infos
}

// LongestTimeout returns the largest timeout any handler declares. Zero
// means every handler uses the engine default.
func (r *Registry) LongestTimeout() time.Duration {
	var longest time.Duration
	for _, h := range r.handlers {
		longest = max(longest, h.Timeout())
	}
	return longest
}

// DefaultHandlers returns the built-in seller center actions.
func DefaultHandlers() []Handler {
	return []Handler{
		FetchAdsSummary(),
		FetchProductSnapshot(),
		UpdateTitle(),
	}
}
