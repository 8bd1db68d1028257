package ledger

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/spearmint/internal/common/spearminterrors"
	"github.com/G-Research/spearmint/internal/common/util"
	"github.com/G-Research/spearmint/internal/spearmint/chooser"
	"github.com/G-Research/spearmint/internal/spearmint/model"
	"github.com/G-Research/spearmint/internal/spearmint/report"
	"github.com/G-Research/spearmint/internal/spearmint/schema"
	"github.com/G-Research/spearmint/internal/spearmint/store"
	"github.com/G-Research/spearmint/internal/spearmint/store/memstore"
	"github.com/G-Research/spearmint/internal/spearmint/store/redisstore"
	"github.com/G-Research/spearmint/internal/spearmint/taskgroup"
)

const experiment = "alice.branin"

var startTime = time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)

func TestSuggest_FirstJob(t *testing.T) {
	l, s := newTestLedger(t, true, randomFactory(t))
	suggestion, err := l.Suggest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), suggestion.JobID)

	x, ok := suggestion.Params["x"].(int64)
	require.True(t, ok, "x should be an int64, got %T", suggestion.Params["x"])
	assert.GreaterOrEqual(t, x, int64(1))
	assert.LessOrEqual(t, x, int64(10))

	jobs, err := l.LoadJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.Pending, jobs[0].Status)
	assert.Nil(t, jobs[0].EndTime)
	assert.Nil(t, jobs[0].Values)
	assert.Equal(t, startTime, jobs[0].StartTime)
	assert.Equal(t, schema.Params{"x": {Type: schema.Int, Values: []float64{float64(x)}}}, jobs[0].Params)
	assert.Equal(t, l.Profile().Generation, jobs[0].Generation)

	profile, err := LoadProfile(context.Background(), s, experiment)
	require.NoError(t, err)
	assert.Equal(t, int64(2), profile.NextID)
}

func TestSuggest_FitsOnHistoryBeforeWriting(t *testing.T) {
	fake := &fakeChooser{vector: []float64{4}, hypers: store.Document{"state": "fitted"}}
	l, _ := newTestLedger(t, true, fake)
	ctx := context.Background()

	first, err := l.Suggest(ctx)
	require.NoError(t, err)
	assert.Nil(t, fake.lastHypers, "first fit has no prior state")
	assert.Empty(t, fake.lastGroup.Inputs)
	assert.Empty(t, fake.lastGroup.Pending)

	require.NoError(t, l.Update(ctx, first.JobID, 2))
	_, err = l.Suggest(ctx)
	require.NoError(t, err)
	_, err = l.Suggest(ctx)
	require.NoError(t, err)

	// The third fit sees the complete first job and the pending second one, but not itself.
	assert.Equal(t, [][]float64{{4}}, fake.lastGroup.Inputs)
	assert.Equal(t, [][]float64{{4}}, fake.lastGroup.Pending)
	assert.Equal(t, []float64{2}, fake.lastGroup.Values[model.MainTask].Values)
	assert.Equal(t, store.Document{"state": "fitted"}, fake.lastHypers)
	assert.Contains(t, fake.lastTasks, model.MainTask)
}

func TestSuggest_HypersOverwritten(t *testing.T) {
	fake := &fakeChooser{vector: []float64{4}, hypers: store.Document{"a": 1.0}}
	l, s := newTestLedger(t, true, fake)
	ctx := context.Background()

	_, err := l.Suggest(ctx)
	require.NoError(t, err)
	fake.hypers = store.Document{"b": 2.0}
	_, err = l.Suggest(ctx)
	require.NoError(t, err)

	docs, err := s.Load(ctx, experiment, store.HypersCollection, store.All)
	require.NoError(t, err)
	assert.Equal(t, []store.Document{{"b": 2.0}}, docs)
}

func TestSuggest_OptimizerFailureAllocatesNothing(t *testing.T) {
	tests := map[string]*fakeChooser{
		"fit fails":           {fitErr: errors.New("diverged")},
		"suggest fails":       {suggestErr: errors.New("no candidate")},
		"vector too long":     {vector: []float64{4, 5}},
		"vector out of range": {vector: []float64{11}},
		"fractional int":      {vector: []float64{4.5}},
		"NaN":                 {vector: []float64{math.NaN()}},
	}
	for name, fake := range tests {
		t.Run(name, func(t *testing.T) {
			l, s := newTestLedger(t, true, fake)
			_, err := l.Suggest(context.Background())
			var optimizerErr *spearminterrors.ErrOptimizer
			require.ErrorAs(t, err, &optimizerErr)
			assert.Equal(t, "fake", optimizerErr.Chooser)
			assert.Equal(t, spearminterrors.ExitOptimizer, spearminterrors.ExitCodeFromError(err))

			profile, err := LoadProfile(context.Background(), s, experiment)
			require.NoError(t, err)
			assert.Equal(t, model.FirstJobID, profile.NextID)
			jobs, err := l.LoadJobs(context.Background())
			require.NoError(t, err)
			assert.Empty(t, jobs)
		})
	}
}

func TestSuggest_SchemaViolationWrapsSchemaError(t *testing.T) {
	l, _ := newTestLedger(t, true, &fakeChooser{vector: []float64{0}})
	_, err := l.Suggest(context.Background())
	var schemaErr *spearminterrors.ErrSchema
	assert.ErrorAs(t, err, &schemaErr)
}

func TestSuggest_FailedJobSaveLeavesGap(t *testing.T) {
	mem, err := memstore.New()
	require.NoError(t, err)
	flaky := &failingStore{DocumentStore: mem, failJobSaves: 1}
	l := createLedger(t, flaky, true, randomFactory(t))
	ctx := context.Background()

	_, err = l.Suggest(ctx)
	assert.True(t, spearminterrors.IsRetryable(err))

	suggestion, err := l.Suggest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), suggestion.JobID)

	jobs, err := l.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(2), jobs[0].ID)
}

func TestSuggest_ConcurrentIdsAreUnique(t *testing.T) {
	const n = 25
	stores := map[string]func(t *testing.T) store.DocumentStore{
		"memory": func(t *testing.T) store.DocumentStore {
			s, err := memstore.New()
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) store.DocumentStore {
			mr, err := miniredis.Run()
			require.NoError(t, err)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() {
				_ = client.Close()
				mr.Close()
			})
			return redisstore.New(client)
		},
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			l := createLedger(t, newStore(t), true, randomFactory(t))

			ids := make([]int64, n)
			g, ctx := errgroup.WithContext(context.Background())
			for i := 0; i < n; i++ {
				i := i
				g.Go(func() error {
					suggestion, err := l.Suggest(ctx)
					if err != nil {
						return err
					}
					ids[i] = suggestion.JobID
					return nil
				})
			}
			require.NoError(t, g.Wait())

			seen := map[int64]bool{}
			for _, id := range ids {
				assert.False(t, seen[id], "id %d allocated twice", id)
				seen[id] = true
			}
			jobs, err := l.LoadJobs(context.Background())
			require.NoError(t, err)
			require.Len(t, jobs, n)
			for i, job := range jobs {
				assert.Equal(t, int64(i+1), job.ID)
			}
		})
	}
}

func TestUpdate_SignConvention(t *testing.T) {
	r := util.NewThreadsafeRand(11)
	for _, minimize := range []bool{true, false} {
		l, _ := newTestLedger(t, minimize, randomFactory(t))
		ctx := context.Background()
		for i := 0; i < 20; i++ {
			x := r.NormFloat64() * 100
			suggestion, err := l.Suggest(ctx)
			require.NoError(t, err)
			require.NoError(t, l.Update(ctx, suggestion.JobID, x))

			job, err := l.loadJob(ctx, suggestion.JobID)
			require.NoError(t, err)
			if minimize {
				assert.Equal(t, x, job.Values[model.MainTask])
			} else {
				assert.Equal(t, -x, job.Values[model.MainTask])
			}

			jobs, err := l.LoadJobs(ctx)
			require.NoError(t, err)
			for _, view := range report.Jobs(l.Profile(), jobs) {
				if view.ID == suggestion.JobID && !view.Best {
					require.NotNil(t, view.Outcome.Value)
					assert.InDelta(t, x, *view.Outcome.Value, 1e-12)
				}
			}
		}
	}
}

func TestUpdate_Transitions(t *testing.T) {
	l, _ := newTestLedger(t, true, randomFactory(t))
	ctx := context.Background()
	suggestion, err := l.Suggest(ctx)
	require.NoError(t, err)
	id := suggestion.JobID

	require.NoError(t, l.Update(ctx, id, 3.5))
	job, err := l.loadJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Complete, job.Status)
	require.NotNil(t, job.EndTime)
	assert.Equal(t, startTime, *job.EndTime)

	// Retrying the same outcome is tolerated.
	require.NoError(t, l.Update(ctx, id, 3.5))

	err = l.Update(ctx, id, 4.5)
	var invalidStateErr *spearminterrors.ErrInvalidState
	assert.ErrorAs(t, err, &invalidStateErr)

	job, err = l.loadJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Complete, job.Status)
	assert.Equal(t, 3.5, job.Values[model.MainTask])
}

func TestUpdate_NotFound(t *testing.T) {
	l, _ := newTestLedger(t, true, randomFactory(t))
	err := l.Update(context.Background(), 42, 1)
	var notFoundErr *spearminterrors.ErrNotFound
	assert.ErrorAs(t, err, &notFoundErr)
}

func TestUpdate_NaNOutcome(t *testing.T) {
	l, _ := newTestLedger(t, false, randomFactory(t))
	ctx := context.Background()
	suggestion, err := l.Suggest(ctx)
	require.NoError(t, err)

	require.NoError(t, l.Update(ctx, suggestion.JobID, math.NaN()))
	require.NoError(t, l.Update(ctx, suggestion.JobID, math.NaN()))
	err = l.Update(ctx, suggestion.JobID, 1)
	var invalidStateErr *spearminterrors.ErrInvalidState
	assert.ErrorAs(t, err, &invalidStateErr)

	job, err := l.loadJob(ctx, suggestion.JobID)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(job.Values[model.MainTask]))

	// A job without a number is complete but contributes no observation.
	_, err = l.Suggest(ctx)
	require.NoError(t, err)
}

func TestUpdate_InfiniteOutcome(t *testing.T) {
	for _, minimize := range []bool{true, false} {
		l, _ := newTestLedger(t, minimize, randomFactory(t))
		ctx := context.Background()
		suggestion, err := l.Suggest(ctx)
		require.NoError(t, err)
		for _, outcome := range []float64{math.Inf(1), math.Inf(-1)} {
			err = l.Update(ctx, suggestion.JobID, outcome)
			var schemaErr *spearminterrors.ErrSchema
			assert.ErrorAs(t, err, &schemaErr, "minimize=%t outcome=%v", minimize, outcome)
		}
		job, err := l.loadJob(ctx, suggestion.JobID)
		require.NoError(t, err)
		assert.Equal(t, model.Pending, job.Status)
		assert.Nil(t, job.Values)
	}
}

func TestUpdate_ConcurrentCompletionsHaveOneWinner(t *testing.T) {
	const n = 10
	l, _ := newTestLedger(t, true, randomFactory(t))
	ctx := context.Background()
	suggestion, err := l.Suggest(ctx)
	require.NoError(t, err)

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = l.Update(ctx, suggestion.JobID, float64(i))
		}()
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var invalidStateErr *spearminterrors.ErrInvalidState
		assert.ErrorAs(t, err, &invalidStateErr)
	}
	assert.Equal(t, 1, winners)
}

func TestStateMonotonicity(t *testing.T) {
	l, _ := newTestLedger(t, true, randomFactory(t))
	ctx := context.Background()
	completed := map[int64]bool{}
	for i := 0; i < 10; i++ {
		suggestion, err := l.Suggest(ctx)
		require.NoError(t, err)
		if i%2 == 0 {
			require.NoError(t, l.Update(ctx, suggestion.JobID, float64(i)))
			completed[suggestion.JobID] = true
		}
		jobs, err := l.LoadJobs(ctx)
		require.NoError(t, err)
		for _, job := range jobs {
			if completed[job.ID] {
				assert.Equal(t, model.Complete, job.Status, "job %d", job.ID)
			}
		}
	}
}

func TestRecreatedExperiment(t *testing.T) {
	ctx := context.Background()
	stale, s := newTestLedger(t, true, randomFactory(t))
	first, err := stale.Suggest(ctx)
	require.NoError(t, err)

	// Deleted and recreated under the same name with the opposite direction.
	require.NoError(t, s.Drop(ctx, experiment, store.JobsCollection))
	current := createLedger(t, s, false, randomFactory(t))
	assert.NotEqual(t, stale.Profile().Generation, current.Profile().Generation)
	jobs, err := current.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	suggestion, err := current.Suggest(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.JobID, suggestion.JobID)

	var notFoundErr *spearminterrors.ErrNotFound
	_, err = stale.Suggest(ctx)
	assert.ErrorAs(t, err, &notFoundErr)
	err = stale.Update(ctx, suggestion.JobID, 3.5)
	assert.ErrorAs(t, err, &notFoundErr)

	require.NoError(t, current.Update(ctx, suggestion.JobID, 3.5))
	jobs, err = current.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, current.Profile().Generation, jobs[0].Generation)
	assert.Equal(t, map[string]float64{model.MainTask: -3.5}, jobs[0].Values)
}

func TestLoadProfile_NotFound(t *testing.T) {
	s, err := memstore.New()
	require.NoError(t, err)
	_, err = LoadProfile(context.Background(), s, "alice.missing")
	var notFoundErr *spearminterrors.ErrNotFound
	assert.ErrorAs(t, err, &notFoundErr)
}

func newTestLedger(t *testing.T, minimize bool, choosers chooser.Factory) (*Ledger, store.DocumentStore) {
	s, err := memstore.New()
	require.NoError(t, err)
	return createLedger(t, s, minimize, choosers), s
}

// createLedger writes the profile of a one-parameter experiment and returns its ledger.
func createLedger(t *testing.T, s store.DocumentStore, minimize bool, choosers chooser.Factory) *Ledger {
	sch, err := schema.Normalize([]schema.RawParameter{{Name: "x", Type: "int", Min: 1, Max: 10}})
	require.NoError(t, err)
	profile, err := model.NewProfile(sch, model.Outcome{Name: "loss", Minimize: minimize}, "")
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), profile.ToDocument(), experiment, store.ProfileCollection, store.All))
	return New(s, choosers, &util.DummyClock{T: startTime}, experiment, profile)
}

func randomFactory(t *testing.T) chooser.Factory {
	f, err := chooser.NewFactory(chooser.RandomName, 5)
	require.NoError(t, err)
	return f
}

// fakeChooser is its own factory and records what it was fitted on.
type fakeChooser struct {
	vector     []float64
	hypers     store.Document
	fitErr     error
	suggestErr error

	lastGroup  *taskgroup.TaskGroup
	lastHypers store.Document
	lastTasks  map[string]taskgroup.Task
}

func (f *fakeChooser) Name() string { return "fake" }

func (f *fakeChooser) New(*schema.Schema) (chooser.Chooser, error) { return f, nil }

func (f *fakeChooser) Fit(_ context.Context, tg *taskgroup.TaskGroup, hypers store.Document, tasks map[string]taskgroup.Task) (store.Document, error) {
	f.lastGroup, f.lastHypers, f.lastTasks = tg, hypers, tasks
	return f.hypers, f.fitErr
}

func (f *fakeChooser) Suggest(context.Context) ([]float64, error) {
	return f.vector, f.suggestErr
}

type failingStore struct {
	store.DocumentStore
	failJobSaves int
}

func (s *failingStore) Save(ctx context.Context, doc store.Document, experiment, collection string, filter store.Filter) error {
	if collection == store.JobsCollection && s.failJobSaves > 0 {
		s.failJobSaves--
		return &spearminterrors.ErrStoreUnavailable{Store: "flaky", Err: context.DeadlineExceeded}
	}
	return s.DocumentStore.Save(ctx, doc, experiment, collection, filter)
}
