package agent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// FanOut runs the given sub-tasks with at most limit in flight and joins
// on all of them before returning. The first failure cancels the rest and
// is the one propagated; the parent caller is suspended for the duration.
func FanOut(ctx context.Context, limit int, tasks []func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, task := range tasks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return task(ctx)
		})
	}
	return g.Wait()
}
