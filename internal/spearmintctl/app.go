// Package spearmintctl contains the implementation of the spearmintctl command-line tool.
package spearmintctl

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/G-Research/spearmint/internal/common/config"
	"github.com/G-Research/spearmint/internal/common/spearminterrors"
	"github.com/G-Research/spearmint/internal/spearmint"
	"github.com/G-Research/spearmint/internal/spearmint/configuration"
	"github.com/G-Research/spearmint/internal/spearmint/ledger"
	"github.com/G-Research/spearmint/internal/spearmint/model"
	"github.com/G-Research/spearmint/internal/spearmint/report"
	"github.com/G-Research/spearmint/internal/spearmint/schema"
)

// ExperimentAPI is the set of experiment operations the tool drives. It is satisfied by *experiment.Manager.
type ExperimentAPI interface {
	Create(ctx context.Context, owner, name string, parameters []schema.RawParameter, outcome model.Outcome) error
	Delete(ctx context.Context, owner, name string) error
	Exists(ctx context.Context, owner, name string) (bool, error)
	List(ctx context.Context, owner string) ([]string, error)
	Suggest(ctx context.Context, owner, name string) (*ledger.Suggestion, error)
	Update(ctx context.Context, owner, name string, jobID int64, outcome float64) error
	Jobs(ctx context.Context, owner, name string) ([]report.JobView, error)
}

type Params struct {
	// Owner whose experiments the commands act on.
	Owner  string
	Config configuration.SpearmintConfig
}

// App is the spearmintctl application. Commands call Init before running.
type App struct {
	Params *Params
	// Experiments is set by Init unless a test set it beforehand.
	Experiments ExperimentAPI
	// Out is where command output goes; logs go to stderr.
	Out io.Writer

	closer io.Closer
}

func New() *App {
	return &App{
		Params: &Params{},
		Out:    os.Stdout,
	}
}

// Init validates the configuration and connects to the configured store.
func (a *App) Init(ctx context.Context) error {
	if a.Params.Owner == "" {
		a.Params.Owner = a.Params.Config.DefaultOwner
	}
	if a.Experiments != nil {
		return nil
	}
	if err := config.Validate(a.Params.Config); err != nil {
		return errors.WithMessage(err, "invalid configuration")
	}
	// Every command runs in a process of its own, so nothing would survive between them.
	if a.Params.Config.Store.Type == configuration.MemoryStore {
		return errors.WithStack(&spearminterrors.ErrSchema{
			Name:    "store.type",
			Value:   a.Params.Config.Store.Type,
			Message: "spearmintctl needs a persistent store, use redis or postgres",
		})
	}
	s, err := spearmint.NewStore(ctx, a.Params.Config.Store)
	if err != nil {
		return err
	}
	manager, err := spearmint.NewManager(s, a.Params.Config, nil)
	if err != nil {
		_ = s.Close()
		return err
	}
	a.Experiments = manager
	a.closer = s
	return nil
}

// Close releases the store connection opened by Init.
func (a *App) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

func (a *App) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(a.Out, format, args...)
}
