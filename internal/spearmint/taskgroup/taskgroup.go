// Package taskgroup arranges an experiment's job history into the aggregate an optimizer fits on.
package taskgroup

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/spearmint/internal/common/spearminterrors"
	"github.com/G-Research/spearmint/internal/spearmint/model"
	"github.com/G-Research/spearmint/internal/spearmint/schema"
)

const ObjectiveTask = "OBJECTIVE"

// Task declares one objective tracked by the optimizer.
type Task struct {
	Type       string
	Likelihood string
}

// DefaultTasks declares the single main objective.
func DefaultTasks(likelihood string) map[string]Task {
	return map[string]Task{model.MainTask: {Type: ObjectiveTask, Likelihood: likelihood}}
}

// TaskValues are the observations of one task. Values[i] was observed for Inputs[Rows[i]].
// Rows without a numeric observation are left out and HasMissing is set.
type TaskValues struct {
	Values     []float64
	Rows       []int
	HasMissing bool
}

type TaskGroup struct {
	// Vectors of complete jobs, in job order.
	Inputs [][]float64
	// Vectors of pending jobs, in job order.
	Pending [][]float64
	Values  map[string]TaskValues
	// Set only when some task has missing observations. Validity[i] is true iff every task observed a number
	// for Inputs[i].
	Validity []bool
}

// Assemble builds the task group of jobs. Jobs are taken in the order given.
func Assemble(s *schema.Schema, tasks map[string]Task, jobs []*model.Job) (*TaskGroup, error) {
	tg := &TaskGroup{
		Inputs:  [][]float64{},
		Pending: [][]float64{},
		Values:  make(map[string]TaskValues, len(tasks)),
	}
	taskNames := maps.Keys(tasks)
	slices.Sort(taskNames)
	for _, name := range taskNames {
		tg.Values[name] = TaskValues{Values: []float64{}, Rows: []int{}}
	}

	for _, job := range jobs {
		v, err := schema.Vectorify(s, job.Params)
		if err != nil {
			return nil, err
		}
		switch job.Status {
		case model.Pending:
			tg.Pending = append(tg.Pending, v)
		case model.Complete:
			row := len(tg.Inputs)
			tg.Inputs = append(tg.Inputs, v)
			for _, name := range taskNames {
				tv := tg.Values[name]
				value, ok := job.Values[name]
				if !ok || math.IsNaN(value) {
					tv.HasMissing = true
				} else {
					tv.Values = append(tv.Values, value)
					tv.Rows = append(tv.Rows, row)
				}
				tg.Values[name] = tv
			}
		default:
			return nil, errors.WithStack(&spearminterrors.ErrInvariant{
				Message: fmt.Sprintf("job %d has unknown status %q", job.ID, job.Status),
			})
		}
	}
	tg.Validity = validity(tg)
	return tg, nil
}

func validity(tg *TaskGroup) []bool {
	missing := false
	for _, tv := range tg.Values {
		missing = missing || tv.HasMissing
	}
	if !missing {
		return nil
	}
	counts := make([]int, len(tg.Inputs))
	for _, tv := range tg.Values {
		for _, row := range tv.Rows {
			counts[row]++
		}
	}
	result := make([]bool, len(tg.Inputs))
	for i, c := range counts {
		result[i] = c == len(tg.Values)
	}
	return result
}

// Best returns the input with the lowest observed value of task, if any.
func (tg *TaskGroup) Best(task string) (input []float64, value float64, ok bool) {
	tv, present := tg.Values[task]
	if !present {
		return nil, 0, false
	}
	for i, v := range tv.Values {
		if !ok || v < value {
			input, value, ok = tg.Inputs[tv.Rows[i]], v, true
		}
	}
	return input, value, ok
}
