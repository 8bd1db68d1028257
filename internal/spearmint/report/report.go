// Package report renders job history for display. Stored outcomes are minimize-normalized; this is the only
// place they are converted back to the user's convention.
package report

import (
	"math"
	"sort"
	"time"

	"github.com/G-Research/spearmint/internal/spearmint/model"
	"github.com/G-Research/spearmint/internal/spearmint/schema"
)

type Outcome struct {
	Name string `json:"name"`
	// Nil while the job is pending or when its evaluation produced no number.
	Value *float64 `json:"value"`
}

type JobView struct {
	ID        int64                  `json:"id"`
	Status    model.Status           `json:"status"`
	Params    map[string]interface{} `json:"params"`
	StartTime time.Time              `json:"startTime"`
	EndTime   *time.Time             `json:"endTime,omitempty"`
	Outcome   Outcome                `json:"outcome"`
	// Set on the synthesized entry describing the best job so far.
	Best     bool `json:"best,omitempty"`
	Minimize bool `json:"minimize,omitempty"`
}

// Jobs returns views of jobs, most recent first. If any job completed with a number, a copy of the best one
// is prepended and marked Best.
func Jobs(profile *model.Profile, jobs []*model.Job) []JobView {
	sorted := append([]*model.Job(nil), jobs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID > sorted[j].ID })

	views := make([]JobView, 0, len(sorted)+1)
	for _, job := range sorted {
		views = append(views, view(profile, job))
	}
	if best := bestJob(sorted); best != nil {
		v := view(profile, best)
		v.Best = true
		v.Minimize = profile.Outcome.Minimize
		views = append([]JobView{v}, views...)
	}
	return views
}

type Summary struct {
	Pending  int
	Complete int
	// Best outcome in the user's convention, nil until a job completed with a number.
	Best *float64
}

func Summarize(profile *model.Profile, jobs []*model.Job) Summary {
	var summary Summary
	for _, job := range jobs {
		switch job.Status {
		case model.Pending:
			summary.Pending++
		case model.Complete:
			summary.Complete++
		}
	}
	if best := bestJob(jobs); best != nil {
		summary.Best = displayed(profile, best)
	}
	return summary
}

// bestJob returns the complete job with the lowest normalized main value. Ties go to the earliest job.
func bestJob(jobs []*model.Job) *model.Job {
	var best *model.Job
	for _, job := range jobs {
		v, ok := observed(job)
		if !ok {
			continue
		}
		if b, _ := observed(best); best == nil || v < b || (v == b && job.ID < best.ID) {
			best = job
		}
	}
	return best
}

func observed(job *model.Job) (float64, bool) {
	if job == nil || job.Status != model.Complete {
		return 0, false
	}
	v, ok := job.Values[model.MainTask]
	return v, ok && !math.IsNaN(v)
}

func displayed(profile *model.Profile, job *model.Job) *float64 {
	v, ok := observed(job)
	if !ok {
		return nil
	}
	d := profile.Outcome.Denormalize(v)
	return &d
}

func view(profile *model.Profile, job *model.Job) JobView {
	params, err := schema.Simplify(profile.Schema, job.Params)
	if err != nil {
		params = make(map[string]interface{}, len(job.Params))
		for name, v := range job.Params.Scalars() {
			params[name] = v
		}
	}
	return JobView{
		ID:        job.ID,
		Status:    job.Status,
		Params:    params,
		StartTime: job.StartTime,
		EndTime:   job.EndTime,
		Outcome:   Outcome{Name: profile.Outcome.Name, Value: displayed(profile, job)},
	}
}
