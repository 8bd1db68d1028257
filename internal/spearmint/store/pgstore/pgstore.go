// Package pgstore is a store.Store on PostgreSQL. Every document is a jsonb row of a single documents table and
// filters are evaluated with jsonb containment.
package pgstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/G-Research/spearmint/internal/common/config"
	"github.com/G-Research/spearmint/internal/common/database"
	"github.com/G-Research/spearmint/internal/common/spearminterrors"
	"github.com/G-Research/spearmint/internal/spearmint/store"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Open connects to Postgres and brings the schema up to date.
func Open(ctx context.Context, config config.PostgresConfig) (*Store, error) {
	db, err := database.OpenPgxPool(ctx, config)
	if err != nil {
		return nil, unavailable(err)
	}
	if err := database.UpdateDatabase(ctx, db, Migrations()); err != nil {
		db.Close()
		return nil, mapError(err)
	}
	return New(db), nil
}

type row struct {
	id  int64
	doc store.Document
}

func (s *Store) Load(ctx context.Context, experiment, collection string, filter store.Filter) ([]store.Document, error) {
	docs := []store.Document{}
	if filter == nil {
		return docs, checkContext(ctx)
	}
	rows, err := selectRows(ctx, s.db, experiment, collection, filter, false)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		docs = append(docs, r.doc)
	}
	return docs, nil
}

func (s *Store) Save(ctx context.Context, doc store.Document, experiment, collection string, filter store.Filter) error {
	raw, err := encode(doc)
	if err != nil {
		return err
	}
	if filter == nil {
		_, err := s.db.Exec(ctx,
			`INSERT INTO documents (experiment, collection, body) VALUES ($1, $2, $3::jsonb)`,
			experiment, collection, raw)
		return mapError(err)
	}

	err = s.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		// Serializes upserts of one collection, so two upserts can't both insert.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || '/' || $2))`, experiment, collection); err != nil {
			return err
		}
		rows, err := selectRows(ctx, tx, experiment, collection, filter, true)
		if err != nil {
			return err
		}
		switch len(rows) {
		case 0:
			_, err = tx.Exec(ctx,
				`INSERT INTO documents (experiment, collection, body) VALUES ($1, $2, $3::jsonb)`,
				experiment, collection, raw)
		case 1:
			_, err = tx.Exec(ctx, `UPDATE documents SET body = $2::jsonb WHERE id = $1`, rows[0].id, raw)
		default:
			err = ambiguous(experiment, collection, len(rows))
		}
		return err
	})
	return mapError(err)
}

func (s *Store) Drop(ctx context.Context, experiment, collection string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM documents WHERE experiment = $1 AND collection = $2`, experiment, collection)
	return mapError(err)
}

func (s *Store) Increment(ctx context.Context, experiment, collection string, filter store.Filter, field string) (int64, error) {
	var value int64
	err := s.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		r, err := selectSingle(ctx, tx, experiment, collection, filter)
		if err != nil {
			return err
		}
		if _, err := store.IntField(r.doc, field); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`UPDATE documents
			 SET body = jsonb_set(body, ARRAY[$2::text], to_jsonb((body->>$2::text)::bigint + 1))
			 WHERE id = $1
			 RETURNING (body->>$2::text)::bigint`,
			r.id, field).Scan(&value)
	})
	return value, mapError(err)
}

func (s *Store) CompareAndSwap(ctx context.Context, doc store.Document, experiment, collection string, filter, expect store.Filter) (bool, error) {
	raw, err := encode(doc)
	if err != nil {
		return false, err
	}
	expectRaw, err := encode(store.Document(expect))
	if err != nil {
		return false, err
	}

	swapped := false
	err = s.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		r, err := selectSingle(ctx, tx, experiment, collection, filter)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE documents SET body = $2::jsonb WHERE id = $1 AND body @> $3::jsonb`,
			r.id, raw, expectRaw)
		if err != nil {
			return err
		}
		swapped = tag.RowsAffected() == 1
		return nil
	})
	return swapped, mapError(err)
}

func (s *Store) Experiments(ctx context.Context, collection string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT experiment FROM documents WHERE collection = $1 ORDER BY experiment COLLATE "C"`,
		collection)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, mapError(err)
		}
		names = append(names, name)
	}
	return names, mapError(rows.Err())
}

func (s *Store) Check() error {
	return mapError(s.db.Ping(context.Background()))
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func selectRows(ctx context.Context, db querier, experiment, collection string, filter store.Filter, forUpdate bool) ([]row, error) {
	filterRaw, err := encode(store.Document(filter))
	if err != nil {
		return nil, err
	}
	sql := `SELECT id, body FROM documents
		WHERE experiment = $1 AND collection = $2 AND body @> $3::jsonb
		ORDER BY id`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	rows, err := db.Query(ctx, sql, experiment, collection, filterRaw)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	result := []row{}
	for rows.Next() {
		var id int64
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, mapError(err)
		}
		doc, err := store.Decode(body)
		if err != nil {
			return nil, err
		}
		result = append(result, row{id: id, doc: doc})
	}
	return result, mapError(rows.Err())
}

func selectSingle(ctx context.Context, tx pgx.Tx, experiment, collection string, filter store.Filter) (row, error) {
	if filter == nil {
		filter = store.Filter{}
	}
	rows, err := selectRows(ctx, tx, experiment, collection, filter, true)
	if err != nil {
		return row{}, err
	}
	switch len(rows) {
	case 0:
		return row{}, errors.WithStack(&spearminterrors.ErrNotFound{
			Type:    "document",
			Value:   experiment + "/" + collection,
			Message: fmt.Sprintf("nothing matches %v", filter),
		})
	case 1:
		return rows[0], nil
	default:
		return row{}, ambiguous(experiment, collection, len(rows))
	}
}

// encode renders a document or filter as the text of a jsonb parameter.
func encode(doc store.Document) (string, error) {
	if doc == nil {
		doc = store.Document{}
	}
	normalized, err := store.Normalize(doc)
	if err != nil {
		return "", err
	}
	raw, err := store.Encode(normalized)
	return string(raw), err
}

func ambiguous(experiment, collection string, n int) error {
	return errors.WithStack(&spearminterrors.ErrInvariant{
		Message: fmt.Sprintf("ambiguous save: %d documents of %s/%s match the filter", n, experiment, collection),
	})
}

func checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// mapError turns driver errors into our error kinds. Errors that already are one of our kinds pass through,
// server-side query errors are returned as-is and everything else counts as the store being unavailable.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if spearminterrors.ExitCodeFromError(err) != spearminterrors.ExitUnknown {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == pgerrcode.AdminShutdown,
			pgErr.Code == pgerrcode.CannotConnectNow,
			pgErr.Code == pgerrcode.QueryCanceled:
			return unavailable(err)
		}
		return errors.WithStack(err)
	}
	return unavailable(err)
}

func unavailable(err error) error {
	return errors.WithStack(&spearminterrors.ErrStoreUnavailable{Store: "postgres", Err: err})
}
