// Package registry maps node kinds to their processors.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/cadencehq/cadence/pkg/engine"
	"github.com/cadencehq/cadence/pkg/models"
)

// Registry is the engine's processor resolver. Delay and trigger nodes have
// no processor: the state machine handles them itself.
type Registry struct {
	logger     *slog.Logger
	processors map[models.NodeKind]engine.Processor
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:     log,
		processors: make(map[models.NodeKind]engine.Processor),
	}
}

func (r *Registry) Register(processor engine.Processor) {
	r.processors[processor.Kind()] = processor
}

func (r *Registry) ProcessorFor(kind models.NodeKind) (engine.Processor, error) {
	processor, ok := r.processors[kind]
	if !ok {
		return nil, fmt.Errorf("node kind '%s' not registered", kind)
	}

	return processor, nil
}

// Kinds returns the registered node kinds, for diagnostics and schema
// generation.
func (r *Registry) Kinds() []models.NodeKind {
	kinds := make([]models.NodeKind, 0, len(r.processors))
	for kind := range r.processors {
		kinds = append(kinds, kind)
	}

	return kinds
}
