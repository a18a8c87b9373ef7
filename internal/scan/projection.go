package scan

import (
	"context"

	"github.com/quarrydb/quarry/internal/batch"
)

// NewProjection wraps a source so that batches come out in the caller's
// selection order, dropping columns read only for predicate evaluation.
// When the plan is already the identity the source is returned unchanged.
func NewProjection(src Source, plan *ColumnPlan) Source {
	if plan.Identity() {
		return src
	}
	return &projection{src: src, order: plan.Output}
}

// projection reorders batch columns by aliasing, no value copies. Open
// and Close pass through to the wrapped source.
type projection struct {
	src   Source
	order []int
}

func (p *projection) Open(ctx context.Context) error {
	return p.src.Open(ctx)
}

func (p *projection) Next(ctx context.Context) (*batch.Batch, error) {
	b, err := p.src.Next(ctx)
	if err != nil || b == nil {
		return nil, err
	}
	return b.Project(p.order)
}

func (p *projection) Close() error {
	return p.src.Close()
}
