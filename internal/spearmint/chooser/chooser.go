// Package chooser is the port to the optimization engine and the engines shipped with spearmint.
package chooser

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"

	"github.com/G-Research/spearmint/internal/common/spearminterrors"
	"github.com/G-Research/spearmint/internal/common/util"
	"github.com/G-Research/spearmint/internal/spearmint/schema"
	"github.com/G-Research/spearmint/internal/spearmint/store"
	"github.com/G-Research/spearmint/internal/spearmint/taskgroup"
)

// Chooser proposes the next point of a parameter space. Suggest must only be called after Fit.
type Chooser interface {
	// Fit conditions the chooser on the history in tg, starting from the state in hypers (nil when there is none),
	// and returns the state to persist for the next call.
	Fit(ctx context.Context, tg *taskgroup.TaskGroup, hypers store.Document, tasks map[string]taskgroup.Task) (store.Document, error)
	// Suggest returns a point in the schema's vector order.
	Suggest(ctx context.Context) ([]float64, error)
}

// Factory creates a fresh chooser per suggestion, so concurrent suggestions never share fit state.
type Factory interface {
	Name() string
	New(s *schema.Schema) (Chooser, error)
}

type constructor func(r *rand.Rand, s *schema.Schema) Chooser

var registry = map[string]constructor{
	RandomName:  newRandomChooser,
	PerturbName: newPerturbChooser,
}

// Names returns the names of all available choosers.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type factory struct {
	name string
	new  constructor
	rand *rand.Rand
}

// NewFactory returns the factory of the named chooser. All its choosers draw from one source seeded with seed,
// or with the current time if seed is 0.
func NewFactory(name string, seed int64) (Factory, error) {
	c, ok := registry[name]
	if !ok {
		return nil, errors.WithStack(&spearminterrors.ErrNotFound{
			Type:    "chooser",
			Value:   name,
			Message: "available choosers are random and perturb",
		})
	}
	return &factory{name: name, new: c, rand: util.NewThreadsafeRand(seed)}, nil
}

func (f *factory) Name() string {
	return f.name
}

func (f *factory) New(s *schema.Schema) (Chooser, error) {
	if s == nil || s.Len() == 0 {
		return nil, errors.WithStack(&spearminterrors.ErrSchema{Name: "schema", Value: s, Message: "empty parameter space"})
	}
	return f.new(f.rand, s), nil
}

// uniform samples a point uniformly from the bounds of s. Integer parameters get integral values.
func uniform(r *rand.Rand, s *schema.Schema) []float64 {
	params := s.Parameters()
	v := make([]float64, len(params))
	for i, p := range params {
		if p.Type == schema.Int {
			v[i] = p.Min + float64(r.Int63n(int64(p.Max-p.Min)+1))
		} else {
			v[i] = p.Min + r.Float64()*(p.Max-p.Min)
		}
	}
	return v
}

func floatHyper(hypers store.Document, name string, fallback float64) float64 {
	if v, ok := hypers[name].(float64); ok && !math.IsNaN(v) {
		return v
	}
	return fallback
}
