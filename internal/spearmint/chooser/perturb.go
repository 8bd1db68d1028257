package chooser

import (
	"context"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/G-Research/spearmint/internal/spearmint/model"
	"github.com/G-Research/spearmint/internal/spearmint/schema"
	"github.com/G-Research/spearmint/internal/spearmint/store"
	"github.com/G-Research/spearmint/internal/spearmint/taskgroup"
)

const (
	PerturbName = "perturb"

	initialScale = 0.25
	minimumScale = 1e-3
	shrinkFactor = 0.5
	maxResamples = 32

	scaleHyper = "scale"
	bestHyper  = "best"
	fitsHyper  = "fits"
)

// perturbChooser is a local search around the best complete point. Proposals add Gaussian noise with a standard
// deviation of scale times each parameter's range; scale halves whenever a fit sees no improvement of the best
// value since the previous fit.
type perturbChooser struct {
	rand    *rand.Rand
	schema  *schema.Schema
	scale   float64
	best    []float64
	pending [][]float64
	fitted  bool
}

func newPerturbChooser(r *rand.Rand, s *schema.Schema) Chooser {
	return &perturbChooser{rand: r, schema: s, scale: initialScale}
}

func (c *perturbChooser) Fit(ctx context.Context, tg *taskgroup.TaskGroup, hypers store.Document, _ map[string]taskgroup.Task) (store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.fitted = true
	c.scale = floatHyper(hypers, scaleHyper, initialScale)
	c.pending = tg.Pending

	next := store.Document{fitsHyper: floatHyper(hypers, fitsHyper, 0) + 1}
	best, value, ok := tg.Best(model.MainTask)
	if ok {
		c.best = best
		if previous, seen := hypers[bestHyper].(float64); seen && value >= previous {
			c.scale = math.Max(c.scale*shrinkFactor, minimumScale)
		}
		next[bestHyper] = value
	}
	next[scaleHyper] = c.scale
	return next, nil
}

func (c *perturbChooser) Suggest(ctx context.Context) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.fitted {
		return nil, errors.New("suggest called before fit")
	}
	if c.best == nil {
		return uniform(c.rand, c.schema), nil
	}
	for i := 0; i < maxResamples; i++ {
		candidate := c.perturb()
		if !c.taken(candidate) {
			return candidate, nil
		}
	}
	return uniform(c.rand, c.schema), nil
}

func (c *perturbChooser) perturb() []float64 {
	params := c.schema.Parameters()
	v := make([]float64, len(params))
	for i, p := range params {
		x := c.best[i] + c.rand.NormFloat64()*c.scale*(p.Max-p.Min)
		if p.Type == schema.Int {
			x = math.Round(x)
		}
		v[i] = math.Min(math.Max(x, p.Min), p.Max)
	}
	return v
}

// taken reports whether v is the incumbent or is already being evaluated.
func (c *perturbChooser) taken(v []float64) bool {
	if slices.Equal(v, c.best) {
		return true
	}
	for _, p := range c.pending {
		if slices.Equal(v, p) {
			return true
		}
	}
	return false
}
