package spearmintctl

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"sigs.k8s.io/yaml"

	"github.com/G-Research/spearmint/internal/common/spearminterrors"
	"github.com/G-Research/spearmint/internal/common/util"
	"github.com/G-Research/spearmint/internal/spearmint/model"
	"github.com/G-Research/spearmint/internal/spearmint/report"
	"github.com/G-Research/spearmint/internal/spearmint/schema"
)

// ReadParameters reads a list of parameter declarations from a YAML or JSON file.
func ReadParameters(path string) ([]schema.RawParameter, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed opening file %s", path)
	}
	var parameters []schema.RawParameter
	if err := yaml.UnmarshalStrict(b, &parameters); err != nil {
		return nil, errors.WithStack(&spearminterrors.ErrSchema{
			Name:    "parameters",
			Value:   path,
			Message: err.Error(),
		})
	}
	return parameters, nil
}

func (a *App) CreateExperiment(ctx context.Context, name, parametersFile string, outcome model.Outcome) error {
	parameters, err := ReadParameters(parametersFile)
	if err != nil {
		return err
	}
	if err := a.Experiments.Create(ctx, a.Params.Owner, name, parameters, outcome); err != nil {
		return errors.WithMessagef(err, "error creating experiment %s", name)
	}
	a.printf("Created experiment %s\n", name)
	return nil
}

func (a *App) DeleteExperiment(ctx context.Context, name string) error {
	if err := a.Experiments.Delete(ctx, a.Params.Owner, name); err != nil {
		return errors.WithMessagef(err, "error deleting experiment %s", name)
	}
	a.printf("Deleted experiment %s\n", name)
	return nil
}

// ExperimentExists prints true or false. A missing experiment is not an error.
func (a *App) ExperimentExists(ctx context.Context, name string) error {
	exists, err := a.Experiments.Exists(ctx, a.Params.Owner, name)
	if err != nil {
		return errors.WithMessagef(err, "error looking up experiment %s", name)
	}
	a.printf("%t\n", exists)
	return nil
}

func (a *App) ListExperiments(ctx context.Context) error {
	names, err := a.Experiments.List(ctx, a.Params.Owner)
	if err != nil {
		return errors.WithMessage(err, "error listing experiments")
	}
	for _, name := range names {
		a.printf("%s\n", name)
	}
	return nil
}

type suggestionOutput struct {
	JobID  int64                  `json:"jobId"`
	Params map[string]interface{} `json:"params"`
}

func (a *App) Suggest(ctx context.Context, name string) error {
	suggestion, err := a.Experiments.Suggest(ctx, a.Params.Owner, name)
	if err != nil {
		return errors.WithMessagef(err, "error suggesting a job for experiment %s", name)
	}
	return a.printYaml(suggestionOutput{JobID: suggestion.JobID, Params: suggestion.Params})
}

func (a *App) Update(ctx context.Context, name string, jobID int64, outcome float64) error {
	if err := a.Experiments.Update(ctx, a.Params.Owner, name, jobID, outcome); err != nil {
		return errors.WithMessagef(err, "error updating job %d of experiment %s", jobID, name)
	}
	a.printf("Updated job %d of experiment %s\n", jobID, name)
	return nil
}

// Jobs prints the experiment's jobs as a table, the best job first.
func (a *App) Jobs(ctx context.Context, name string) error {
	views, err := a.Experiments.Jobs(ctx, a.Params.Owner, name)
	if err != nil {
		return errors.WithMessagef(err, "error listing jobs of experiment %s", name)
	}
	a.printf("%s", jobsTable(views))
	return nil
}

func jobsTable(views []report.JobView) string {
	var parameters []string
	outcome := "OUTCOME"
	if len(views) > 0 {
		parameters = maps.Keys(views[0].Params)
		sort.Strings(parameters)
		outcome = views[0].Outcome.Name
	}

	w := util.NewTabbedStringBuilder(2)
	header := append([]string{"", "ID", "STATUS"}, parameters...)
	w.Row(append(header, outcome, "STARTED", "DURATION")...)
	for _, v := range views {
		marker := ""
		if v.Best {
			marker = "best"
		}
		row := []string{marker, strconv.FormatInt(v.ID, 10), string(v.Status)}
		for _, p := range parameters {
			row = append(row, formatValue(v.Params[p]))
		}
		value := "-"
		if v.Outcome.Value != nil {
			value = formatFloat(*v.Outcome.Value)
		}
		duration := "-"
		if v.EndTime != nil {
			duration = v.EndTime.Sub(v.StartTime).Round(time.Millisecond).String()
		}
		row = append(row, value, v.StartTime.UTC().Format(time.RFC3339), duration)
		w.Row(row...)
	}
	return w.String()
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return formatFloat(x)
	case nil:
		return "-"
	default:
		return fmt.Sprint(x)
	}
}

func formatFloat(f float64) string {
	if math.IsNaN(f) {
		return "NaN"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func (a *App) printYaml(v interface{}) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return errors.WithStack(err)
	}
	a.printf("%s", b)
	return nil
}
