package layers

import (
	"fmt"

	"github.com/developer-mesh/context-engine/pkg/models"
)

// Set holds one manager per layer kind, all sharing a store, log, guard and schema
type Set struct {
	managers map[models.LayerKind]*Manager
}

// NewSet builds the four layer managers
func NewSet(opts Options) (*Set, error) {
	s := &Set{managers: make(map[models.LayerKind]*Manager, len(models.ApplyOrder))}
	for _, kind := range models.ApplyOrder {
		m, err := NewManager(kind, opts)
		if err != nil {
			return nil, fmt.Errorf("create %s manager: %w", kind, err)
		}
		s.managers[kind] = m
	}
	return s, nil
}

// Manager returns the manager for kind
func (s *Set) Manager(kind models.LayerKind) (*Manager, bool) {
	m, ok := s.managers[kind]
	return m, ok
}

// OnChange registers hook on every manager
func (s *Set) OnChange(hook ChangeHook) {
	for _, m := range s.managers {
		m.OnChange(hook)
	}
}
