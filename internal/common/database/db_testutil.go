package database

import (
	"context"
	"os"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/spearmint/internal/common/util"
)

// TestConnectionEnv names the environment variable holding the connection string of the Postgres instance
// used by tests, e.g. "host=localhost port=5432 user=postgres password=psw sslmode=disable".
const TestConnectionEnv = "SPEARMINT_TEST_POSTGRES"

// TestConnectionString returns the test Postgres connection string, or "" if none is configured.
func TestConnectionString() string {
	return os.Getenv(TestConnectionEnv)
}

// WithTestDb creates a dedicated database on the test instance, applies migrations, and passes a pool
// connected to it to action. The database is dropped afterwards.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()
	connectionString := TestConnectionString()
	if connectionString == "" {
		return errors.Errorf("%s is not set", TestConnectionEnv)
	}

	dbName := "test_" + util.NewULID()
	db, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer db.Close(ctx)

	if _, err := db.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		return errors.WithStack(err)
	}

	testDbPool, err := pgxpool.Connect(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()
		// disconnect all db user before cleanup
		_, err := db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			log.Warnf("Failed to disconnect users from %s: %v", dbName, err)
		}
		if _, err := db.Exec(ctx, "DROP DATABASE "+dbName); err != nil {
			log.Warnf("Failed to drop database %s: %v", dbName, err)
		}
	}()

	if err := UpdateDatabase(ctx, testDbPool, migrations); err != nil {
		return err
	}
	return action(testDbPool)
}
