// Package tag implements the add_tag and remove_tag nodes.
package tag

import (
	"context"
	"fmt"
	"slices"

	"github.com/cadencehq/cadence/pkg/engine"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
)

// Processor adds or removes one tag on the profile with set semantics, so
// reprocessing the node is idempotent. One instance serves one node kind.
type Processor struct {
	kind        models.NodeKind
	persistence persistence.Persistence
}

func NewProcessor(kind models.NodeKind, store persistence.Persistence) *Processor {
	return &Processor{kind: kind, persistence: store}
}

func (p *Processor) Kind() models.NodeKind {
	return p.kind
}

func (p *Processor) Process(ctx context.Context, pctx engine.ProcessorContext) (engine.Result, error) {
	payload := pctx.Node.Tag
	if payload == nil || payload.Tag == "" {
		return engine.Result{}, fmt.Errorf("tag node %s has no tag", pctx.Node.ID)
	}

	var add, remove []string
	if p.kind == models.NodeKindRemoveTag {
		remove = []string{payload.Tag}
	} else {
		add = []string{payload.Tag}
	}

	err := p.persistence.Profiles().ModifyTags(ctx, pctx.Profile.ID, add, remove)
	if err != nil {
		return engine.Result{}, fmt.Errorf("failed to modify tags: %w", err)
	}

	applyLocal(pctx.Profile, payload.Tag, p.kind == models.NodeKindRemoveTag)

	pctx.Logger.Debug("Profile tags modified", "tag", payload.Tag, "kind", p.kind)

	return engine.Result{}, nil
}

// applyLocal mirrors the store-side change on the in-memory profile so
// later nodes in the same tick see it.
func applyLocal(profile *models.Profile, tag string, remove bool) {
	tags := profile.Tags()

	if remove {
		tags = slices.DeleteFunc(tags, func(t string) bool { return t == tag })
	} else if !slices.Contains(tags, tag) {
		tags = append(tags, tag)
	}

	profile.SetProperty("tags", tags)
}
