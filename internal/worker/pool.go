package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool runs several workers side by side.
type Pool struct {
	workers []*Worker
}

// NewPool creates n workers with build.
func NewPool(n int, build func(i int) *Worker) *Pool {
	p := &Pool{}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, build(i))
	}
	return p
}

func (p *Pool) Workers() []*Worker {
	return p.workers
}

// Run blocks until every worker has stopped.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	return g.Wait()
}
