package registry

import (
	"fmt"
	"strings"
)

// ConnectorRegistry is the catalogue of connector types that can be connected.
type ConnectorRegistry struct {
	definitions map[string]Definition
	order       []string // Display order
}

// NewRegistry creates a new connector registry.
func NewRegistry() *ConnectorRegistry {
	return &ConnectorRegistry{
		definitions: make(map[string]Definition),
		order:       make([]string, 0),
	}
}

// Register adds a connector definition to the registry.
func (r *ConnectorRegistry) Register(def Definition) error {
	if def == nil {
		return fmt.Errorf("connector definition cannot be nil")
	}
	name := normalizeName(def.Name())
	if name == "" {
		return fmt.Errorf("connector name cannot be empty")
	}
	if _, exists := r.definitions[name]; exists {
		return fmt.Errorf("connector %q already registered", name)
	}
	r.definitions[name] = def
	r.order = append(r.order, name)
	return nil
}

// Get retrieves a connector definition by name.
func (r *ConnectorRegistry) Get(name string) (Definition, bool) {
	def, ok := r.definitions[normalizeName(name)]
	return def, ok
}

// Lookup is Get with ErrUnknownIntegration for missing names.
func (r *ConnectorRegistry) Lookup(name string) (Definition, error) {
	def, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIntegration, strings.TrimSpace(name))
	}
	return def, nil
}

// All returns all registered connector definitions in order.
func (r *ConnectorRegistry) All() []Definition {
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.definitions[name])
	}
	return defs
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
