// Package profileupdate implements the property-mutation node.
package profileupdate

import (
	"context"
	"fmt"

	"github.com/cadencehq/cadence/pkg/engine"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
)

// Processor applies the node's (path, value) writes to the profile property
// bag as a partial merge, so flows mutating the same profile concurrently do
// not clobber each other's keys.
type Processor struct {
	persistence persistence.Persistence
}

func NewProcessor(store persistence.Persistence) *Processor {
	return &Processor{persistence: store}
}

func (p *Processor) Kind() models.NodeKind {
	return models.NodeKindUpdateProfile
}

func (p *Processor) Process(ctx context.Context, pctx engine.ProcessorContext) (engine.Result, error) {
	payload := pctx.Node.ProfileUpdate
	if payload == nil || len(payload.Updates) == 0 {
		return engine.Result{}, fmt.Errorf("update_profile node %s has no updates", pctx.Node.ID)
	}

	err := p.persistence.Profiles().MergeProperties(ctx, pctx.Profile.ID, payload.Updates)
	if err != nil {
		return engine.Result{}, fmt.Errorf("failed to merge profile properties: %w", err)
	}

	// Keep the in-memory profile coherent for nodes later in the same
	// tick.
	for _, update := range payload.Updates {
		applyLocal(pctx.Profile, update)
	}

	pctx.Logger.Debug("Profile properties updated", "count", len(payload.Updates))

	return engine.Result{}, nil
}

func applyLocal(profile *models.Profile, update models.PropertyUpdate) {
	if profile.Properties == nil {
		profile.Properties = make(map[string]any)
	}

	profile.SetProperty(update.Path, update.Value)
}
