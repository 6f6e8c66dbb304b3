package agent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunAll drives several agent runtimes on one conversation and blocks until
// all finish. The first error cancels the rest.
func RunAll(ctx context.Context, conversationID int64, agents ...*Base) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range agents {
		g.Go(func() error {
			return a.Run(ctx, conversationID)
		})
	}
	return g.Wait()
}
