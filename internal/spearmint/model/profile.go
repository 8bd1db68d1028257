// Package model holds the records the ledger persists, the experiment profile and its jobs,
// and their document encodings.
package model

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/G-Research/spearmint/internal/common/spearminterrors"
	"github.com/G-Research/spearmint/internal/common/util"
	"github.com/G-Research/spearmint/internal/spearmint/schema"
	"github.com/G-Research/spearmint/internal/spearmint/store"
)

const (
	// MainTask is the objective every experiment optimizes.
	MainTask = "main"

	DefaultLikelihood = "GAUSSIAN"

	// NextIDField is the profile field holding the next job id to allocate.
	NextIDField = "next_id"
	// GenerationField tells apart experiments recreated under the same name.
	// Jobs carry the generation of the profile they were suggested under.
	GenerationField = "generation"
	// FirstJobID is the id of the first job of every experiment.
	FirstJobID int64 = 1
)

// Outcome declares what is observed for each job and in which direction it is optimized.
type Outcome struct {
	Name     string `json:"name" mapstructure:"name"`
	Minimize bool   `json:"minimize" mapstructure:"minimize"`
}

// Normalize converts a value in the user's convention to the stored convention, where lower is always better.
func (o Outcome) Normalize(v float64) float64 {
	if o.Minimize {
		return v
	}
	return -v
}

// Denormalize is the inverse of Normalize.
func (o Outcome) Denormalize(v float64) float64 {
	return o.Normalize(v)
}

// Profile is the per-experiment record fixed at creation, apart from the id counter.
type Profile struct {
	Schema     *schema.Schema
	Outcome    Outcome
	Likelihood string
	NextID     int64
	// Empty for profiles written before generations were recorded.
	Generation string
}

func NewProfile(s *schema.Schema, outcome Outcome, likelihood string) (*Profile, error) {
	if outcome.Name == "" {
		return nil, errors.WithStack(&spearminterrors.ErrSchema{
			Name:    "outcome",
			Value:   outcome.Name,
			Message: "outcome name must be non-empty",
		})
	}
	if likelihood == "" {
		likelihood = DefaultLikelihood
	}
	return &Profile{
		Schema:     s,
		Outcome:    outcome,
		Likelihood: likelihood,
		NextID:     FirstJobID,
		Generation: util.NewULID(),
	}, nil
}

// Scope narrows filter to the documents of this generation of the experiment.
func (p *Profile) Scope(filter store.Filter) store.Filter {
	if p.Generation == "" {
		return filter
	}
	scoped := make(store.Filter, len(filter)+1)
	for k, v := range filter {
		scoped[k] = v
	}
	scoped[GenerationField] = p.Generation
	return scoped
}

// ProfileGeneration returns the generation recorded in a profile document without decoding the rest of it.
func ProfileGeneration(doc store.Document) string {
	generation, _ := doc[GenerationField].(string)
	return generation
}

func (p *Profile) ToDocument() store.Document {
	doc := store.Document{
		"parameters": p.Schema.ToDocument(),
		"outcome": map[string]interface{}{
			"name":     p.Outcome.Name,
			"minimize": p.Outcome.Minimize,
		},
		"likelihood": p.Likelihood,
		NextIDField:  p.NextID,
	}
	if p.Generation != "" {
		doc[GenerationField] = p.Generation
	}
	return doc
}

type profileDocument struct {
	Parameters interface{} `mapstructure:"parameters"`
	Outcome    Outcome     `mapstructure:"outcome"`
	Likelihood string      `mapstructure:"likelihood"`
	NextID     int64       `mapstructure:"next_id"`
	Generation string      `mapstructure:"generation"`
}

func ProfileFromDocument(doc store.Document) (*Profile, error) {
	var pd profileDocument
	if err := mapstructure.Decode(doc, &pd); err != nil {
		return nil, errors.WithStack(&spearminterrors.ErrInvariant{Message: "corrupt profile: " + err.Error()})
	}
	s, err := schema.FromDocument(pd.Parameters)
	if err != nil {
		return nil, err
	}
	if pd.Likelihood == "" {
		pd.Likelihood = DefaultLikelihood
	}
	return &Profile{
		Schema:     s,
		Outcome:    pd.Outcome,
		Likelihood: pd.Likelihood,
		NextID:     pd.NextID,
		Generation: pd.Generation,
	}, nil
}
