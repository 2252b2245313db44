// Package exitnode implements explicit early termination.
package exitnode

import (
	"context"

	"github.com/cadencehq/cadence/pkg/engine"
	"github.com/cadencehq/cadence/pkg/models"
)

// Processor finalizes the enrollment as exited instead of following any
// edge.
type Processor struct{}

func NewProcessor() *Processor {
	return &Processor{}
}

func (p *Processor) Kind() models.NodeKind {
	return models.NodeKindExit
}

func (p *Processor) Process(_ context.Context, _ engine.ProcessorContext) (engine.Result, error) {
	return engine.Result{Exit: true, ExitReason: models.ExitReasonManual}, nil
}
