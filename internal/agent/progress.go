package agent

import (
	"context"
	"sync"

	"github.com/ricmars/visualization-sub001/internal/checkpoint"
	"github.com/ricmars/visualization-sub001/pkg/models"
)

type progressCounts struct {
	Cases  int
	Fields int
	Views  int
}

// progress counts the records a run creates. It sits in front of the
// run's checkpoint recorder, or stands alone when the run has none.
type progress struct {
	inner checkpoint.Recorder

	mu     sync.Mutex
	counts progressCounts
}

func (p *progress) Record(ctx context.Context, op checkpoint.Operation) error {
	if op.Kind == checkpoint.KindInsert {
		p.mu.Lock()
		switch op.EntityType {
		case models.EntityCase:
			p.counts.Cases++
		case models.EntityField:
			p.counts.Fields++
		case models.EntityView:
			p.counts.Views++
		}
		p.mu.Unlock()
	}
	if p.inner == nil {
		return nil
	}
	return p.inner.Record(ctx, op)
}

func (p *progress) snapshot() progressCounts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts
}
