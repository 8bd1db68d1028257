// Package ledger owns an experiment's job records. It runs the suggest/update cycle, allocates job ids
// and applies the outcome sign convention.
package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/spearmint/internal/common/spearminterrors"
	"github.com/G-Research/spearmint/internal/common/util"
	"github.com/G-Research/spearmint/internal/spearmint/chooser"
	"github.com/G-Research/spearmint/internal/spearmint/model"
	"github.com/G-Research/spearmint/internal/spearmint/schema"
	"github.com/G-Research/spearmint/internal/spearmint/store"
	"github.com/G-Research/spearmint/internal/spearmint/taskgroup"
)

// Suggestion is what a caller evaluates next. JobID is the only handle by which the outcome can be reported.
type Suggestion struct {
	JobID  int64
	Params map[string]interface{}
}

// Ledger is the job ledger of a single experiment. It holds no state between calls besides the immutable
// profile, so any number of ledgers, in any number of processes, may serve the same experiment.
type Ledger struct {
	store      store.DocumentStore
	choosers   chooser.Factory
	clock      util.Clock
	experiment string
	profile    *model.Profile
	tasks      map[string]taskgroup.Task
}

func New(s store.DocumentStore, choosers chooser.Factory, clock util.Clock, experiment string, profile *model.Profile) *Ledger {
	return &Ledger{
		store:      s,
		choosers:   choosers,
		clock:      clock,
		experiment: experiment,
		profile:    profile,
		tasks:      taskgroup.DefaultTasks(profile.Likelihood),
	}
}

// LoadProfile reads the profile of experiment, failing with ErrNotFound if the experiment doesn't exist.
func LoadProfile(ctx context.Context, s store.DocumentStore, experiment string) (*model.Profile, error) {
	doc, err := LoadProfileDocument(ctx, s, experiment)
	if err != nil {
		return nil, err
	}
	return model.ProfileFromDocument(doc)
}

// LoadProfileDocument is LoadProfile without the decoding.
func LoadProfileDocument(ctx context.Context, s store.DocumentStore, experiment string) (store.Document, error) {
	docs, err := s.Load(ctx, experiment, store.ProfileCollection, store.All)
	if err != nil {
		return nil, err
	}
	switch len(docs) {
	case 0:
		return nil, errors.WithStack(&spearminterrors.ErrNotFound{Type: "experiment", Value: experiment})
	case 1:
		return docs[0], nil
	default:
		return nil, errors.WithStack(&spearminterrors.ErrInvariant{
			Message: fmt.Sprintf("experiment %s has %d profiles", experiment, len(docs)),
		})
	}
}

func (l *Ledger) Profile() *model.Profile {
	return l.profile
}

func (l *Ledger) Experiment() string {
	return l.experiment
}

// Suggest fits a fresh chooser on the current history, records its proposal as a new pending job and returns it.
// A failure after the id was allocated leaves a gap in the id sequence, never a duplicate id.
func (l *Ledger) Suggest(ctx context.Context) (*Suggestion, error) {
	logger := log.WithField("experiment", l.experiment)

	jobs, err := l.LoadJobs(ctx)
	if err != nil {
		return nil, err
	}
	// Assembled before anything is written, so the new job never appears in its own history.
	tg, err := taskgroup.Assemble(l.profile.Schema, l.tasks, jobs)
	if err != nil {
		return nil, err
	}

	hypers, err := l.loadHypers(ctx)
	if err != nil {
		return nil, err
	}
	c, err := l.choosers.New(l.profile.Schema)
	if err != nil {
		return nil, l.optimizerError(err)
	}
	hypers, err = c.Fit(ctx, tg, hypers, l.tasks)
	if err != nil {
		return nil, l.optimizerError(err)
	}
	if hypers == nil {
		hypers = store.Document{}
	}
	if err := l.store.Save(ctx, hypers, l.experiment, store.HypersCollection, store.All); err != nil {
		return nil, err
	}

	v, err := c.Suggest(ctx)
	if err != nil {
		return nil, l.optimizerError(err)
	}
	params, err := schema.Paramify(l.profile.Schema, v)
	if err != nil {
		return nil, l.optimizerError(err)
	}
	if err := schema.ValidateAssignment(l.profile.Schema, params.Scalars()); err != nil {
		return nil, l.optimizerError(err)
	}
	simplified, err := schema.Simplify(l.profile.Schema, params)
	if err != nil {
		return nil, l.optimizerError(err)
	}

	id, err := l.allocateID(ctx)
	if err != nil {
		return nil, err
	}
	job := model.NewPendingJob(id, params, l.clock.Now())
	job.Generation = l.profile.Generation
	if err := l.store.Save(ctx, job.ToDocument(), l.experiment, store.JobsCollection, nil); err != nil {
		return nil, err
	}
	logger.WithFields(log.Fields{"job": id, "complete": len(tg.Inputs), "pending": len(tg.Pending)}).
		Debugf("suggested %v", simplified)
	return &Suggestion{JobID: id, Params: simplified}, nil
}

// Update records the outcome of a pending job. Reporting the value a job already holds again is a no-op;
// any other value for a complete job fails with ErrInvalidState. NaN records an evaluation that produced no number.
// The sign convention covers finite outcomes and NaN only: +Inf and -Inf fail with ErrSchema and store nothing.
func (l *Ledger) Update(ctx context.Context, jobID int64, outcome float64) error {
	if math.IsInf(outcome, 0) {
		return errors.WithStack(&spearminterrors.ErrSchema{
			Name:    l.profile.Outcome.Name,
			Value:   outcome,
			Message: "outcome must be finite or NaN",
		})
	}
	normalized := l.profile.Outcome.Normalize(outcome)

	job, err := l.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == model.Complete {
		return l.checkIdempotent(job, normalized)
	}

	completed := job.Complete(map[string]float64{model.MainTask: normalized}, l.clock.Now())
	swapped, err := l.store.CompareAndSwap(ctx, completed.ToDocument(), l.experiment, store.JobsCollection,
		l.profile.Scope(model.IDFilter(jobID)), store.Filter{"status": string(model.Pending)})
	if err != nil {
		return err
	}
	if !swapped {
		// Completed concurrently; fine if it was with the same value.
		job, err := l.loadJob(ctx, jobID)
		if err != nil {
			return err
		}
		return l.checkIdempotent(job, normalized)
	}
	log.WithFields(log.Fields{"experiment": l.experiment, "job": jobID}).Debugf("completed with %v", outcome)
	return nil
}

// LoadJobs returns every job of the experiment ordered by id. Jobs left by an earlier experiment of the same
// name are not included.
func (l *Ledger) LoadJobs(ctx context.Context) ([]*model.Job, error) {
	docs, err := l.store.Load(ctx, l.experiment, store.JobsCollection, l.profile.Scope(store.All))
	if err != nil {
		return nil, err
	}
	jobs := make([]*model.Job, 0, len(docs))
	for _, doc := range docs {
		job, err := model.JobFromDocument(doc)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

func (l *Ledger) loadJob(ctx context.Context, jobID int64) (*model.Job, error) {
	docs, err := l.store.Load(ctx, l.experiment, store.JobsCollection, l.profile.Scope(model.IDFilter(jobID)))
	if err != nil {
		return nil, err
	}
	switch len(docs) {
	case 0:
		return nil, errors.WithStack(&spearminterrors.ErrNotFound{
			Type:    "job",
			Value:   fmt.Sprint(jobID),
			Message: "in experiment " + l.experiment,
		})
	case 1:
		return model.JobFromDocument(docs[0])
	default:
		return nil, errors.WithStack(&spearminterrors.ErrInvariant{
			Message: fmt.Sprintf("job id %d of experiment %s was allocated %d times", jobID, l.experiment, len(docs)),
		})
	}
}

func (l *Ledger) checkIdempotent(job *model.Job, normalized float64) error {
	stored, ok := job.Values[model.MainTask]
	if ok && (stored == normalized || (math.IsNaN(stored) && math.IsNaN(normalized))) {
		return nil
	}
	return errors.WithStack(&spearminterrors.ErrInvalidState{
		Type:    "job",
		Value:   fmt.Sprint(job.ID),
		State:   string(job.Status),
		Message: "it was already completed with a different outcome",
	})
}

func (l *Ledger) loadHypers(ctx context.Context) (store.Document, error) {
	docs, err := l.store.Load(ctx, l.experiment, store.HypersCollection, store.All)
	if err != nil {
		return nil, err
	}
	switch len(docs) {
	case 0:
		return nil, nil
	case 1:
		return docs[0], nil
	default:
		return nil, errors.WithStack(&spearminterrors.ErrInvariant{
			Message: fmt.Sprintf("experiment %s has %d hypers documents", l.experiment, len(docs)),
		})
	}
}

// allocateID atomically advances the profile's counter and returns the value it held before. It fails with
// ErrNotFound once the experiment has been deleted or recreated since the profile was read.
func (l *Ledger) allocateID(ctx context.Context) (int64, error) {
	next, err := l.store.Increment(ctx, l.experiment, store.ProfileCollection, l.profile.Scope(store.All),
		model.NextIDField)
	if err != nil {
		var notFound *spearminterrors.ErrNotFound
		if errors.As(err, &notFound) {
			return 0, errors.WithStack(&spearminterrors.ErrNotFound{
				Type:    "experiment",
				Value:   l.experiment,
				Message: "it was deleted or recreated while suggesting",
			})
		}
		return 0, err
	}
	return next - 1, nil
}

func (l *Ledger) optimizerError(err error) error {
	return errors.WithStack(&spearminterrors.ErrOptimizer{Chooser: l.choosers.Name(), Err: err})
}
