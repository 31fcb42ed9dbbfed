package connector

import (
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/provsync/internal/ir"
)

// ErrUnknownSystem is returned when no connector is bound to a system.
var ErrUnknownSystem = errors.New("no connector for system")

// Factory builds a connector for one catalog system.
type Factory func(sys ir.System) (Connector, error)

// Registry binds connector types to factories and systems to connectors.
type Registry struct {
	mu         sync.RWMutex
	factories  map[string]Factory
	connectors map[string]Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories:  make(map[string]Factory),
		connectors: make(map[string]Connector),
	}
}

// Register binds a connector type to its factory.
func (r *Registry) Register(connectorType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[connectorType] = f
}

// Build instantiates a connector for every system. A system whose connector
// type has no factory is an error.
func (r *Registry) Build(systems []ir.System) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sys := range systems {
		f, ok := r.factories[sys.ConnectorType]
		if !ok {
			return fmt.Errorf("system %s: unknown connector type %q", sys.ID, sys.ConnectorType)
		}
		c, err := f(sys)
		if err != nil {
			return fmt.Errorf("system %s: build connector: %w", sys.ID, err)
		}
		r.connectors[sys.ID] = c
	}
	return nil
}

// Bind attaches an already built connector to a system.
func (r *Registry) Bind(systemID string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[systemID] = c
}

// Get returns the connector bound to a system.
func (r *Registry) Get(systemID string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[systemID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSystem, systemID)
	}
	return c, nil
}
