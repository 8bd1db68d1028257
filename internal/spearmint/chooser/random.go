package chooser

import (
	"context"
	"math/rand"

	"github.com/G-Research/spearmint/internal/spearmint/schema"
	"github.com/G-Research/spearmint/internal/spearmint/store"
	"github.com/G-Research/spearmint/internal/spearmint/taskgroup"
)

const RandomName = "random"

// randomChooser ignores history and samples uniformly. Its only state is the number of fits.
type randomChooser struct {
	rand   *rand.Rand
	schema *schema.Schema
}

func newRandomChooser(r *rand.Rand, s *schema.Schema) Chooser {
	return &randomChooser{rand: r, schema: s}
}

func (c *randomChooser) Fit(ctx context.Context, _ *taskgroup.TaskGroup, hypers store.Document, _ map[string]taskgroup.Task) (store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return store.Document{"fits": floatHyper(hypers, "fits", 0) + 1}, nil
}

func (c *randomChooser) Suggest(ctx context.Context) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return uniform(c.rand, c.schema), nil
}
