// Package experiment exposes experiment management to front-ends: creation and teardown, and the suggest,
// update and list-jobs calls, each delegated to the experiment's ledger.
package experiment

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/spearmint/internal/common/spearminterrors"
	"github.com/G-Research/spearmint/internal/common/util"
	"github.com/G-Research/spearmint/internal/spearmint/chooser"
	"github.com/G-Research/spearmint/internal/spearmint/ledger"
	"github.com/G-Research/spearmint/internal/spearmint/metrics"
	"github.com/G-Research/spearmint/internal/spearmint/model"
	"github.com/G-Research/spearmint/internal/spearmint/report"
	"github.com/G-Research/spearmint/internal/spearmint/schema"
	"github.com/G-Research/spearmint/internal/spearmint/store"
)

const separator = "."

var collections = []string{store.JobsCollection, store.HypersCollection, store.ProfileCollection}

type Options struct {
	// Upper bound on the duration of every operation.
	Timeout time.Duration
	// How long decoded profiles are cached.
	ProfileCacheTTL time.Duration
	// Likelihood recorded in the profiles of new experiments.
	Likelihood string
}

var DefaultOptions = Options{
	Timeout:         10 * time.Second,
	ProfileCacheTTL: time.Minute,
	Likelihood:      model.DefaultLikelihood,
}

type Manager struct {
	store    store.DocumentStore
	choosers chooser.Factory
	clock    util.Clock
	metrics  *metrics.Metrics
	profiles *cache.Cache
	options  Options
}

func NewManager(s store.DocumentStore, choosers chooser.Factory, clock util.Clock, m *metrics.Metrics, options Options) *Manager {
	if options.Timeout <= 0 {
		options.Timeout = DefaultOptions.Timeout
	}
	if options.ProfileCacheTTL <= 0 {
		options.ProfileCacheTTL = DefaultOptions.ProfileCacheTTL
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Manager{
		store:    s,
		choosers: choosers,
		clock:    clock,
		metrics:  m,
		profiles: cache.New(options.ProfileCacheTTL, 2*options.ProfileCacheTTL),
		options:  options,
	}
}

// QualifiedName returns the store-wide name of an owner's experiment.
func QualifiedName(owner, name string) (string, error) {
	if err := validateNamePart("owner", owner); err != nil {
		return "", err
	}
	if err := validateNamePart("name", name); err != nil {
		return "", err
	}
	return owner + separator + name, nil
}

func validateNamePart(part, value string) error {
	if value == "" || strings.Contains(value, separator) {
		return errors.WithStack(&spearminterrors.ErrSchema{
			Name:    part,
			Value:   value,
			Message: "must be non-empty and must not contain " + separator,
		})
	}
	return nil
}

// Create records a new experiment, failing with ErrAlreadyExists if it exists already.
func (m *Manager) Create(ctx context.Context, owner, name string, parameters []schema.RawParameter, outcome model.Outcome) error {
	experiment, err := QualifiedName(owner, name)
	if err != nil {
		return err
	}
	s, err := schema.Normalize(parameters)
	if err != nil {
		return err
	}
	profile, err := model.NewProfile(s, outcome, m.options.Likelihood)
	if err != nil {
		return err
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	exists, err := m.exists(ctx, experiment)
	if err != nil {
		return err
	}
	if exists {
		return errors.WithStack(&spearminterrors.ErrAlreadyExists{Type: "experiment", Value: experiment})
	}
	// Left behind by a teardown interrupted before the profile was dropped.
	for _, collection := range []string{store.JobsCollection, store.HypersCollection} {
		if err := m.store.Drop(ctx, experiment, collection); err != nil {
			return err
		}
	}
	if err := m.store.Save(ctx, profile.ToDocument(), experiment, store.ProfileCollection, store.All); err != nil {
		return err
	}
	m.profiles.SetDefault(experiment, profile)
	log.WithField("experiment", experiment).Infof("Created experiment with parameters %v", s.Names())
	return nil
}

// Delete drops every collection of the experiment. The profile goes last, so an interrupted delete can be rerun.
func (m *Manager) Delete(ctx context.Context, owner, name string) error {
	experiment, err := QualifiedName(owner, name)
	if err != nil {
		return err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	exists, err := m.exists(ctx, experiment)
	if err != nil {
		return err
	}
	if !exists {
		return errors.WithStack(&spearminterrors.ErrNotFound{Type: "experiment", Value: experiment})
	}

	m.profiles.Delete(experiment)
	var result *multierror.Error
	for _, collection := range collections {
		if err := m.store.Drop(ctx, experiment, collection); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "dropping %s", collection))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	m.metrics.ForgetExperiment(experiment)
	log.WithField("experiment", experiment).Info("Deleted experiment")
	return nil
}

func (m *Manager) Exists(ctx context.Context, owner, name string) (bool, error) {
	experiment, err := QualifiedName(owner, name)
	if err != nil {
		return false, err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	return m.exists(ctx, experiment)
}

// List returns the sorted names of the owner's experiments, without the owner prefix.
func (m *Manager) List(ctx context.Context, owner string) ([]string, error) {
	if err := validateNamePart("owner", owner); err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	experiments, err := m.store.Experiments(ctx, store.ProfileCollection)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, experiment := range experiments {
		if name := strings.TrimPrefix(experiment, owner+separator); name != experiment {
			names = append(names, name)
		}
	}
	return names, nil
}

func (m *Manager) Suggest(ctx context.Context, owner, name string) (*ledger.Suggestion, error) {
	start := m.clock.Now()
	suggestion, err := m.suggest(ctx, owner, name)
	m.metrics.RecordSuggestion(m.choosers.Name(), m.clock.Now().Sub(start), err)
	return suggestion, err
}

func (m *Manager) suggest(ctx context.Context, owner, name string) (*ledger.Suggestion, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	l, err := m.ledger(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	return l.Suggest(ctx)
}

func (m *Manager) Update(ctx context.Context, owner, name string, jobID int64, outcome float64) error {
	err := m.update(ctx, owner, name, jobID, outcome)
	m.metrics.RecordUpdate(err)
	return err
}

func (m *Manager) update(ctx context.Context, owner, name string, jobID int64, outcome float64) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	l, err := m.ledger(ctx, owner, name)
	if err != nil {
		return err
	}
	return l.Update(ctx, jobID, outcome)
}

// Jobs returns the experiment's jobs for display, most recent first, led by the best job when there is one.
func (m *Manager) Jobs(ctx context.Context, owner, name string) ([]report.JobView, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	l, err := m.ledger(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	jobs, err := l.LoadJobs(ctx)
	if err != nil {
		return nil, err
	}
	return report.Jobs(l.Profile(), jobs), nil
}

// Summarize computes the experiment's job counts and best outcome, and records them as metrics.
func (m *Manager) Summarize(ctx context.Context, owner, name string) (report.Summary, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	l, err := m.ledger(ctx, owner, name)
	if err != nil {
		return report.Summary{}, err
	}
	jobs, err := l.LoadJobs(ctx)
	if err != nil {
		return report.Summary{}, err
	}
	summary := report.Summarize(l.Profile(), jobs)
	m.metrics.RecordExperiment(l.Experiment(), summary)
	return summary, nil
}

func (m *Manager) ledger(ctx context.Context, owner, name string) (*ledger.Ledger, error) {
	experiment, err := QualifiedName(owner, name)
	if err != nil {
		return nil, err
	}
	profile, err := m.profile(ctx, experiment)
	if err != nil {
		return nil, err
	}
	return ledger.New(m.store, m.choosers, m.clock, experiment, profile), nil
}

// profile reads the stored profile of experiment on every call. The cache only saves decoding it again, and an
// entry is used only while its generation matches the stored one, so an experiment deleted and recreated
// elsewhere is never served with its predecessor's outcome direction.
func (m *Manager) profile(ctx context.Context, experiment string) (*model.Profile, error) {
	doc, err := ledger.LoadProfileDocument(ctx, m.store, experiment)
	if err != nil {
		return nil, err
	}
	generation := model.ProfileGeneration(doc)
	if cached, ok := m.profiles.Get(experiment); ok && generation != "" {
		if profile := cached.(*model.Profile); profile.Generation == generation {
			return profile, nil
		}
	}
	profile, err := model.ProfileFromDocument(doc)
	if err != nil {
		return nil, err
	}
	m.profiles.SetDefault(experiment, profile)
	return profile, nil
}

func (m *Manager) exists(ctx context.Context, experiment string) (bool, error) {
	docs, err := m.store.Load(ctx, experiment, store.ProfileCollection, store.All)
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

// withTimeout bounds ctx by the configured timeout. An earlier deadline already on ctx still applies.
func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.options.Timeout)
}
