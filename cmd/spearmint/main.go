package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/weaveworks/promrus"

	"github.com/G-Research/spearmint/config"
	"github.com/G-Research/spearmint/internal/common"
	commonconfig "github.com/G-Research/spearmint/internal/common/config"
	"github.com/G-Research/spearmint/internal/common/logging"
	"github.com/G-Research/spearmint/internal/spearmint"
	"github.com/G-Research/spearmint/internal/spearmint/configuration"
	"github.com/G-Research/spearmint/internal/spearmint/store/pgstore"
)

func main() {
	logging.ConfigureLogging()
	if err := rootCmd().Execute(); err != nil {
		logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("spearmint failed")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "spearmint",
		Short:         "spearmint serves metrics and health checks for spearmint experiments.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	common.AddConfigFlag(cmd.PersistentFlags())
	cmd.AddCommand(runCmd(), migrateCmd())
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve /metrics and /health until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log.AddHook(promrus.MustNewPrometheusHook())

			ctx, cleanup := makeContext()
			defer cleanup()
			return spearmint.Run(ctx, c)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Bring the postgres schema up to date and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if c.Store.Type != configuration.PostgresStore {
				return errors.Errorf("store type is %s, migrations only apply to %s", c.Store.Type, configuration.PostgresStore)
			}
			ctx, cleanup := makeContext()
			defer cleanup()
			log.Info("Migrating database")
			s, err := pgstore.Open(ctx, c.Store.Postgres)
			if err != nil {
				return err
			}
			return s.Close()
		},
	}
}

func loadConfig(cmd *cobra.Command) (configuration.SpearmintConfig, error) {
	var c configuration.SpearmintConfig
	if err := common.LoadConfig(cmd.Flags(), &c, config.Spearmint); err != nil {
		return c, err
	}
	if err := logging.Configure(c.Logging, os.Stdout); err != nil {
		return c, err
	}
	if err := commonconfig.Validate(c); err != nil {
		return c, errors.WithMessage(err, "invalid configuration")
	}
	return c, nil
}

func makeContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-c:
			log.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(c)
		cancel()
	}
}
