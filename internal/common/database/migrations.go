package database

import (
	"context"

	"github.com/jackc/pgtype/pgxtype"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Migration is one versioned schema change. Migrations are applied in ascending Id order, each at most once.
type Migration struct {
	Id   int
	Name string
	Sql  string
}

func UpdateDatabase(ctx context.Context, db pgxtype.Querier, migrations []Migration) error {
	log.Info("Updating postgres...")
	version, err := readVersion(ctx, db)
	if err != nil {
		return err
	}
	log.Infof("Current version %v", version)

	for _, m := range migrations {
		if m.Id <= version {
			continue
		}
		if _, err := db.Exec(ctx, m.Sql); err != nil {
			return errors.Wrapf(err, "failed to apply migration %d (%s)", m.Id, m.Name)
		}
		version = m.Id
		if err := setVersion(ctx, db, version); err != nil {
			return err
		}
		log.Debugf("Applied migration %d (%s)", m.Id, m.Name)
	}
	log.Info("Database updated.")
	return nil
}

func readVersion(ctx context.Context, db pgxtype.Querier) (int, error) {
	_, err := db.Exec(ctx,
		`CREATE SEQUENCE IF NOT EXISTS database_version START WITH 0 MINVALUE 0;`)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	var version int
	err = db.QueryRow(ctx, `SELECT last_value FROM database_version`).Scan(&version)
	return version, errors.WithStack(err)
}

func setVersion(ctx context.Context, db pgxtype.Querier, version int) error {
	_, err := db.Exec(ctx, `SELECT setval('database_version', $1)`, version)
	return errors.WithStack(err)
}
