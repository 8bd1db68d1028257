package spearmint

import (
	"context"
	"net/http"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/spearmint/internal/common/health"
	"github.com/G-Research/spearmint/internal/common/logging"
	"github.com/G-Research/spearmint/internal/common/serve"
	"github.com/G-Research/spearmint/internal/common/task"
	"github.com/G-Research/spearmint/internal/common/util"
	"github.com/G-Research/spearmint/internal/spearmint/chooser"
	"github.com/G-Research/spearmint/internal/spearmint/configuration"
	"github.com/G-Research/spearmint/internal/spearmint/experiment"
	"github.com/G-Research/spearmint/internal/spearmint/metrics"
	"github.com/G-Research/spearmint/internal/spearmint/store"
	"github.com/G-Research/spearmint/internal/spearmint/store/memstore"
	"github.com/G-Research/spearmint/internal/spearmint/store/pgstore"
	"github.com/G-Research/spearmint/internal/spearmint/store/redisstore"
)

const taskShutdownTimeout = 5 * time.Second

// NewStore connects to the document store selected by config.Type.
func NewStore(ctx context.Context, config configuration.StoreConfig) (store.Store, error) {
	switch config.Type {
	case configuration.MemoryStore:
		s, err := memstore.New()
		if err != nil {
			return nil, err
		}
		return s, nil
	case configuration.RedisStore:
		if len(config.Redis.Addrs) == 0 {
			return nil, errors.New("store.redis.addrs must list at least one address")
		}
		return redisstore.New(redis.NewUniversalClient(config.Redis.AsUniversalOptions())), nil
	case configuration.PostgresStore:
		s, err := pgstore.Open(ctx, config.Postgres)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.Errorf("unknown store type %q", config.Type)
	}
}

// NewManager creates an experiment manager over s configured by config.
func NewManager(s store.DocumentStore, config configuration.SpearmintConfig, m *metrics.Metrics) (*experiment.Manager, error) {
	choosers, err := chooser.NewFactory(config.Chooser.Name, config.Chooser.Seed)
	if err != nil {
		return nil, err
	}
	return experiment.NewManager(s, choosers, &util.DefaultClock{}, m, experiment.Options{
		Timeout:         config.Store.Timeout,
		ProfileCacheTTL: config.ProfileCacheTTL,
		Likelihood:      config.Likelihood,
	}), nil
}

// Run serves /metrics and /health and keeps the per-experiment gauges of the configured owners up to date,
// until ctx is cancelled.
func Run(ctx context.Context, config configuration.SpearmintConfig) error {
	s, err := NewStore(ctx, config.Store)
	if err != nil {
		return errors.WithMessage(err, "error opening store")
	}
	defer func() {
		if err := s.Close(); err != nil {
			logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Warn("store didn't close down cleanly")
		}
	}()

	m := metrics.New(prometheus.DefaultRegisterer)
	manager, err := NewManager(s, config, m)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	health.SetupHttpMux(mux, s)
	mux.Handle("/metrics", promhttp.Handler())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve.ListenAndServe(ctx, serve.NewServer(config.MetricsPort, mux))
	})
	g.Go(func() error {
		taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix, prometheus.DefaultRegisterer)
		taskManager.Register(func() { refreshExperiments(ctx, manager, config.Owners) }, config.MetricsRefreshInterval, "refresh_experiments")
		<-ctx.Done()
		if timedOut := taskManager.StopAll(taskShutdownTimeout); timedOut {
			log.Warn("background tasks did not stop in time")
		}
		return nil
	})
	log.WithField("store", config.Store.Type).Infof("spearmint listening on :%d", config.MetricsPort)
	return g.Wait()
}

// refreshExperiments records the summary of every experiment of owners. Failures are logged and retried on
// the next refresh.
func refreshExperiments(ctx context.Context, manager *experiment.Manager, owners []string) {
	for _, owner := range owners {
		logger := log.WithField("owner", owner)
		names, err := manager.List(ctx, owner)
		if err != nil {
			logging.WithStacktrace(logger, err).Warn("failed to list experiments")
			continue
		}
		for _, name := range names {
			if _, err := manager.Summarize(ctx, owner, name); err != nil {
				logging.WithStacktrace(logger.WithField("experiment", name), err).Warn("failed to summarize experiment")
			}
		}
	}
}
