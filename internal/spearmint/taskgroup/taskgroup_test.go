package taskgroup

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/spearmint/internal/common/spearminterrors"
	"github.com/G-Research/spearmint/internal/spearmint/model"
	"github.com/G-Research/spearmint/internal/spearmint/schema"
)

var now = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func TestAssemble_Shapes(t *testing.T) {
	s := testSchema(t)
	for k := 0; k <= 3; k++ {
		for m := 0; m <= 3; m++ {
			t.Run(fmt.Sprintf("%d complete %d pending", k, m), func(t *testing.T) {
				var jobs []*model.Job
				for i := 0; i < k; i++ {
					jobs = append(jobs, completeJob(t, s, int64(len(jobs)+1), float64(i+1), float64(i)))
				}
				for i := 0; i < m; i++ {
					jobs = append(jobs, pendingJob(t, s, int64(len(jobs)+1), float64(i+1)))
				}

				tg, err := Assemble(s, DefaultTasks(model.DefaultLikelihood), jobs)
				require.NoError(t, err)
				require.NotNil(t, tg.Inputs)
				require.NotNil(t, tg.Pending)
				assert.Len(t, tg.Inputs, k)
				assert.Len(t, tg.Pending, m)
				require.Contains(t, tg.Values, model.MainTask)
				assert.Len(t, tg.Values[model.MainTask].Values, k)
				assert.Len(t, tg.Values[model.MainTask].Rows, k)
				assert.False(t, tg.Values[model.MainTask].HasMissing)
				assert.Nil(t, tg.Validity)
			})
		}
	}
}

func TestAssemble_Empty(t *testing.T) {
	tg, err := Assemble(testSchema(t), DefaultTasks(model.DefaultLikelihood), nil)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{}, tg.Inputs)
	assert.Equal(t, [][]float64{}, tg.Pending)
	assert.Equal(t, map[string]TaskValues{model.MainTask: {Values: []float64{}, Rows: []int{}}}, tg.Values)
}

func TestAssemble_Order(t *testing.T) {
	s := testSchema(t)
	jobs := []*model.Job{
		completeJob(t, s, 1, 5, -1),
		pendingJob(t, s, 2, 6),
		completeJob(t, s, 3, 7, -2),
		pendingJob(t, s, 4, 8),
	}
	tg, err := Assemble(s, DefaultTasks(model.DefaultLikelihood), jobs)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{5}, {7}}, tg.Inputs)
	assert.Equal(t, [][]float64{{6}, {8}}, tg.Pending)
	assert.Equal(t, TaskValues{Values: []float64{-1, -2}, Rows: []int{0, 1}}, tg.Values[model.MainTask])

	input, value, ok := tg.Best(model.MainTask)
	assert.True(t, ok)
	assert.Equal(t, []float64{7}, input)
	assert.Equal(t, -2.0, value)
}

func TestAssemble_MissingObservations(t *testing.T) {
	s := testSchema(t)
	tasks := map[string]Task{
		model.MainTask: {Type: ObjectiveTask, Likelihood: model.DefaultLikelihood},
		"cost":         {Type: ObjectiveTask, Likelihood: model.DefaultLikelihood},
	}
	missingCost := completeJob(t, s, 2, 2, 0.5)
	jobs := []*model.Job{
		completeJobValues(t, s, 1, 1, map[string]float64{model.MainTask: 1, "cost": 10}),
		missingCost,
		completeJobValues(t, s, 3, 3, map[string]float64{model.MainTask: math.NaN(), "cost": 30}),
		pendingJob(t, s, 4, 4),
	}
	tg, err := Assemble(s, tasks, jobs)
	require.NoError(t, err)

	assert.Len(t, tg.Inputs, 3)
	assert.Equal(t, TaskValues{Values: []float64{1, 0.5}, Rows: []int{0, 1}, HasMissing: true}, tg.Values[model.MainTask])
	assert.Equal(t, TaskValues{Values: []float64{10, 30}, Rows: []int{0, 2}, HasMissing: true}, tg.Values["cost"])
	assert.Equal(t, []bool{true, false, false}, tg.Validity)

	for name, tv := range tg.Values {
		for i, row := range tv.Rows {
			assert.Less(t, row, len(tg.Inputs), name)
			if i > 0 {
				assert.Greater(t, row, tv.Rows[i-1], name)
			}
		}
	}

	input, value, ok := tg.Best(model.MainTask)
	assert.True(t, ok)
	assert.Equal(t, []float64{2}, input)
	assert.Equal(t, 0.5, value)
}

func TestAssemble_InvalidStatus(t *testing.T) {
	s := testSchema(t)
	job := pendingJob(t, s, 1, 1)
	job.Status = "running"
	_, err := Assemble(s, DefaultTasks(model.DefaultLikelihood), []*model.Job{job})
	var invariantErr *spearminterrors.ErrInvariant
	assert.ErrorAs(t, err, &invariantErr)
}

func TestBest_NoObservations(t *testing.T) {
	s := testSchema(t)
	tg, err := Assemble(s, DefaultTasks(model.DefaultLikelihood), []*model.Job{pendingJob(t, s, 1, 1)})
	require.NoError(t, err)
	_, _, ok := tg.Best(model.MainTask)
	assert.False(t, ok)
	_, _, ok = tg.Best("unknown")
	assert.False(t, ok)
}

func pendingJob(t *testing.T, s *schema.Schema, id int64, x float64) *model.Job {
	params, err := schema.Paramify(s, []float64{x})
	require.NoError(t, err)
	return model.NewPendingJob(id, params, now)
}

func completeJob(t *testing.T, s *schema.Schema, id int64, x float64, value float64) *model.Job {
	return completeJobValues(t, s, id, x, map[string]float64{model.MainTask: value})
}

func completeJobValues(t *testing.T, s *schema.Schema, id int64, x float64, values map[string]float64) *model.Job {
	return pendingJob(t, s, id, x).Complete(values, now)
}

func testSchema(t *testing.T) *schema.Schema {
	s, err := schema.Normalize([]schema.RawParameter{{Name: "x", Type: "int", Min: 1, Max: 10}})
	require.NoError(t, err)
	return s
}
