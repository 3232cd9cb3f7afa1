package generation

import (
	"context"

	"go.uber.org/zap"
)

// Aggregator keeps a generation's stored status in line with its children.
type Aggregator struct {
	contents    ContentRepository
	generations GenerationRepository
}

func NewAggregator(contents ContentRepository, generations GenerationRepository) *Aggregator {
	return &Aggregator{contents: contents, generations: generations}
}

// Recompute derives the generation status from the current children and
// persists it when it changed. It is idempotent, so racing callers converge
// on the same value once their child writes have landed.
func (a *Aggregator) Recompute(ctx context.Context, generationID string) (Status, error) {
	g, err := a.generations.FindByID(ctx, generationID)
	if err != nil {
		return "", err
	}

	children, err := a.contents.FindByGeneration(ctx, generationID)
	if err != nil {
		return "", err
	}

	statuses := make([]Status, 0, len(children))
	for _, c := range children {
		statuses = append(statuses, c.Status)
	}
	derived := DeriveStatus(statuses, g.TaskCount)

	changed, err := a.generations.UpdateStatus(ctx, generationID, derived)
	if err != nil {
		return "", err
	}
	if changed {
		zap.L().Info("generation status changed",
			zap.String("generation_id", g.UUID),
			zap.String("from", string(g.Status)),
			zap.String("to", string(derived)),
		)
	}
	return derived, nil
}
