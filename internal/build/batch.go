package build

import (
	"context"

	"golang.org/x/sync/errgroup"

	"ixstudy/internal/engine"
	"ixstudy/pkg/domain"
)

// RunBatch executes several builds concurrently, each on its own worker.
// parallel bounds the worker count; the admission gate still bounds engine
// concurrency underneath. Results hold one slot per configuration in input
// order; each build's error lands in its own slot, so one failure does not
// tear down the rest unless the shared abort flag is raised.
func (o *Orchestrator) RunBatch(ctx context.Context, cfgs []domain.StudyConfiguration, parallel int, abort *domain.AbortFlag, status engine.StatusCallback) ([]BatchResult, error) {
	if parallel <= 0 {
		parallel = 1
	}
	if abort == nil {
		abort = &domain.AbortFlag{}
	}
	results := make([]BatchResult, len(cfgs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, cfg := range cfgs {
		i, cfg := i, cfg
		g.Go(func() error {
			res, err := o.Run(gctx, cfg, abort, status)
			results[i] = BatchResult{Result: res, Err: err}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// BatchResult is one build's outcome within a batch.
type BatchResult struct {
	Result Result
	Err    error
}
