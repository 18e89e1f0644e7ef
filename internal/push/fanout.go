package push

import (
	"context"

	"geonotify/internal/model"

	"golang.org/x/sync/errgroup"
)

// fanOut calls send for every token with at most limit in flight. Results
// keep the order of tokens.
func fanOut(ctx context.Context, tokens []model.DeviceToken, limit int, send func(context.Context, model.DeviceToken) Result) []Result {
	out := make([]Result, len(tokens))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, t := range tokens {
		g.Go(func() error {
			out[i] = send(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
