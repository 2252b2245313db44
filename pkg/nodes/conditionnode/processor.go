// Package conditionnode implements the yes/no branching node.
package conditionnode

import (
	"context"
	"fmt"
	"time"

	"github.com/cadencehq/cadence/pkg/conditions"
	"github.com/cadencehq/cadence/pkg/engine"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
)

// eventLookback bounds how much event history is loaded for has_done leaves
// that carry no timeframe of their own.
const eventLookback = 365 * 24 * time.Hour

// Processor evaluates a condition node's tree against the profile and
// returns the yes or no branch label. Evaluation is fail-closed: a
// malformed tree routes to no rather than failing the enrollment.
type Processor struct {
	persistence persistence.Persistence
}

func NewProcessor(store persistence.Persistence) *Processor {
	return &Processor{persistence: store}
}

func (p *Processor) Kind() models.NodeKind {
	return models.NodeKindCondition
}

func (p *Processor) Process(ctx context.Context, pctx engine.ProcessorContext) (engine.Result, error) {
	payload := pctx.Node.Condition
	if payload == nil {
		return engine.Result{}, fmt.Errorf("condition node %s has no payload", pctx.Node.ID)
	}

	profile := pctx.Profile
	if payload.IncludeTriggerContext {
		profile = profile.WithEventContext(pctx.Enrollment.TriggerContext)
	}

	ectx := conditions.Context{
		Now: pctx.Now,
		IsMember: func(segmentID, profileID string) bool {
			member, err := p.persistence.Segments().IsMember(ctx, segmentID, profileID)
			if err != nil {
				pctx.Logger.Warn("Membership lookup failed, evaluating closed",
					"segment_id", segmentID, "error", err)

				return false
			}

			return member
		},
	}

	if hasEventLeaf(payload.Conditions) {
		history, err := p.persistence.Events().ByProfileSince(ctx, profile.ID, pctx.Now.Add(-eventLookback))
		if err != nil {
			pctx.Logger.Warn("Event history lookup failed, evaluating closed", "error", err)
		} else {
			ectx.Events = history
		}
	}

	branch := models.BranchNo
	if conditions.Evaluate(profile, payload.Conditions, ectx) {
		branch = models.BranchYes
	}

	pctx.Logger.Debug("Condition evaluated", "branch", branch)

	return engine.Result{Branch: branch}, nil
}

func hasEventLeaf(group *models.ConditionGroup) bool {
	if group == nil {
		return false
	}

	for _, child := range group.Children {
		if child.Group != nil && hasEventLeaf(child.Group) {
			return true
		}

		if child.Leaf != nil && child.Leaf.Kind == models.ConditionKindEvent {
			return true
		}
	}

	return false
}
