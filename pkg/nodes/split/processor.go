// Package split implements weighted and uniform A/B split nodes.
package split

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"

	"github.com/cadencehq/cadence/pkg/engine"
	"github.com/cadencehq/cadence/pkg/models"
)

// Processor picks a variant branch deterministically: the random draw is
// seeded from (flow, node, profile, cycle), so reprocessing the same step
// always lands on the same variant while different profiles distribute
// according to the weights.
type Processor struct{}

func NewProcessor() *Processor {
	return &Processor{}
}

func (p *Processor) Kind() models.NodeKind {
	return models.NodeKindSplit
}

func (p *Processor) Process(_ context.Context, pctx engine.ProcessorContext) (engine.Result, error) {
	payload := pctx.Node.Split
	if payload == nil || len(payload.Variants) == 0 {
		return engine.Result{}, fmt.Errorf("split node %s has no variants", pctx.Node.ID)
	}

	rng := rand.New(rand.NewSource(seed(
		pctx.Flow.ID, pctx.Node.ID, pctx.Profile.ID, pctx.Enrollment.Cycle,
	)))

	var variant models.SplitVariant

	switch payload.Mode {
	case models.SplitModeRandom:
		variant = payload.Variants[rng.Intn(len(payload.Variants))]
	default:
		variant = pickWeighted(payload.Variants, rng.Float64()*100)
	}

	pctx.Logger.Debug("Split variant chosen", "variant", variant.ID)

	return engine.Result{Branch: variant.ID}, nil
}

// pickWeighted runs a cumulative-weight draw against a uniform number in
// [0, 100). Weights summing below 100 overflow into the last variant.
func pickWeighted(variants []models.SplitVariant, draw float64) models.SplitVariant {
	cumulative := 0.0

	for _, variant := range variants {
		cumulative += variant.Weight
		if draw < cumulative {
			return variant
		}
	}

	return variants[len(variants)-1]
}

func seed(flowID, nodeID, profileID string, cycle int) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%s:%s:%d", flowID, nodeID, profileID, cycle)

	return int64(h.Sum64())
}
