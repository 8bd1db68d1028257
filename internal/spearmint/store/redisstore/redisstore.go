// Package redisstore is a store.Store on Redis. Each (experiment, collection) pair is a hash from a zero-padded
// insertion sequence number to the JSON document, and mutations are optimistic WATCH/MULTI transactions.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/spearmint/internal/common/spearminterrors"
	"github.com/G-Research/spearmint/internal/spearmint/store"
)

const (
	keyPrefix        = "spearmint:"
	documentsPrefix  = keyPrefix + "documents:"
	sequencePrefix   = keyPrefix + "sequence:"
	experimentPrefix = keyPrefix + "experiments:"

	transactionAttempts = 100
	transactionDelay    = 5 * time.Millisecond
)

type Store struct {
	db redis.UniversalClient
}

func New(db redis.UniversalClient) *Store {
	return &Store{db: db}
}

type item struct {
	field string
	doc   store.Document
}

func (s *Store) Load(ctx context.Context, experiment, collection string, filter store.Filter) ([]store.Document, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	filter, err := store.NormalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	items, err := readItems(s.db, documentsKey(experiment, collection))
	if err != nil {
		return nil, err
	}
	docs := []store.Document{}
	for _, it := range filterItems(items, filter) {
		docs = append(docs, it.doc)
	}
	return docs, nil
}

func (s *Store) Save(ctx context.Context, doc store.Document, experiment, collection string, filter store.Filter) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	doc, err := store.Normalize(doc)
	if err != nil {
		return err
	}
	if filter, err = store.NormalizeFilter(filter); err != nil {
		return err
	}
	raw, err := store.Encode(doc)
	if err != nil {
		return err
	}

	key := documentsKey(experiment, collection)
	err = s.transaction(ctx, func(tx *redis.Tx) error {
		field := ""
		if filter != nil {
			items, err := readItems(tx, key)
			if err != nil {
				return err
			}
			matched := filterItems(items, filter)
			if len(matched) > 1 {
				return ambiguous(experiment, collection, len(matched))
			}
			if len(matched) == 1 {
				field = matched[0].field
			}
		}
		if field == "" {
			seq, err := tx.Incr(sequenceKey(experiment, collection)).Result()
			if err != nil {
				return unavailable(err)
			}
			field = fmt.Sprintf("%020d", seq)
		}
		_, err := tx.Pipelined(func(pipe redis.Pipeliner) error {
			pipe.HSet(key, field, raw)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return err
	}
	return s.registerExperiment(experiment, collection)
}

func (s *Store) Drop(ctx context.Context, experiment, collection string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	_, err := s.db.TxPipelined(func(pipe redis.Pipeliner) error {
		pipe.Del(documentsKey(experiment, collection), sequenceKey(experiment, collection))
		pipe.SRem(experimentPrefix+collection, experiment)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Increment(ctx context.Context, experiment, collection string, filter store.Filter, field string) (int64, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	filter, err := store.NormalizeFilter(filter)
	if err != nil {
		return 0, err
	}

	var value int64
	key := documentsKey(experiment, collection)
	err = s.transaction(ctx, func(tx *redis.Tx) error {
		it, err := readSingle(tx, experiment, collection, filter)
		if err != nil {
			return err
		}
		current, err := store.IntField(it.doc, field)
		if err != nil {
			return err
		}
		it.doc[field] = float64(current + 1)
		raw, err := store.Encode(it.doc)
		if err != nil {
			return err
		}
		if _, err := tx.Pipelined(func(pipe redis.Pipeliner) error {
			pipe.HSet(key, it.field, raw)
			return nil
		}); err != nil {
			return err
		}
		value = current + 1
		return nil
	}, key)
	return value, err
}

func (s *Store) CompareAndSwap(ctx context.Context, doc store.Document, experiment, collection string, filter, expect store.Filter) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	doc, err := store.Normalize(doc)
	if err != nil {
		return false, err
	}
	if filter, err = store.NormalizeFilter(filter); err != nil {
		return false, err
	}
	if expect, err = store.NormalizeFilter(expect); err != nil {
		return false, err
	}
	raw, err := store.Encode(doc)
	if err != nil {
		return false, err
	}

	swapped := false
	key := documentsKey(experiment, collection)
	err = s.transaction(ctx, func(tx *redis.Tx) error {
		swapped = false
		it, err := readSingle(tx, experiment, collection, filter)
		if err != nil {
			return err
		}
		if !store.Matches(it.doc, expect) {
			return nil
		}
		if _, err := tx.Pipelined(func(pipe redis.Pipeliner) error {
			pipe.HSet(key, it.field, raw)
			return nil
		}); err != nil {
			return err
		}
		swapped = true
		return nil
	}, key)
	return swapped, err
}

func (s *Store) Experiments(ctx context.Context, collection string) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	names, err := s.db.SMembers(experimentPrefix + collection).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	slices.Sort(names)
	return names, nil
}

func (s *Store) Check() error {
	if err := s.db.Ping().Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Close() error {
	return errors.WithStack(s.db.Close())
}

// transaction runs fn with key watched, rerunning it whenever another client modified key before EXEC.
func (s *Store) transaction(ctx context.Context, fn func(tx *redis.Tx) error, key string) error {
	return retry.Do(
		func() error {
			if err := checkContext(ctx); err != nil {
				return err
			}
			err := s.db.Watch(fn, key)
			if err == redis.TxFailedErr {
				log.Debugf("Transaction on %s aborted by a concurrent write, retrying", key)
				return err
			}
			if err != nil {
				return unavailable(err)
			}
			return nil
		},
		retry.Attempts(transactionAttempts),
		retry.Delay(transactionDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool { return err == redis.TxFailedErr }),
		retry.LastErrorOnly(true),
	)
}

func (s *Store) registerExperiment(experiment, collection string) error {
	if err := s.db.SAdd(experimentPrefix+collection, experiment).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

type hashReader interface {
	HGetAll(key string) *redis.StringStringMapCmd
}

// readItems returns the documents of the hash at key in insertion order.
func readItems(db hashReader, key string) ([]item, error) {
	values, err := db.HGetAll(key).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	fields := maps.Keys(values)
	slices.Sort(fields)

	items := make([]item, 0, len(fields))
	for _, field := range fields {
		doc, err := store.Decode([]byte(values[field]))
		if err != nil {
			return nil, errors.WithStack(&spearminterrors.ErrInvariant{
				Message: fmt.Sprintf("corrupt document %s in %s: %s", field, key, err),
			})
		}
		items = append(items, item{field: field, doc: doc})
	}
	return items, nil
}

func readSingle(tx *redis.Tx, experiment, collection string, filter store.Filter) (item, error) {
	items, err := readItems(tx, documentsKey(experiment, collection))
	if err != nil {
		return item{}, err
	}
	matched := filterItems(items, filter)
	switch len(matched) {
	case 0:
		return item{}, errors.WithStack(&spearminterrors.ErrNotFound{
			Type:    "document",
			Value:   experiment + "/" + collection,
			Message: fmt.Sprintf("nothing matches %v", filter),
		})
	case 1:
		return matched[0], nil
	default:
		return item{}, ambiguous(experiment, collection, len(matched))
	}
}

func filterItems(items []item, filter store.Filter) []item {
	result := []item{}
	if filter == nil {
		return result
	}
	for _, it := range items {
		if store.Matches(it.doc, filter) {
			result = append(result, it)
		}
	}
	return result
}

func documentsKey(experiment, collection string) string {
	return documentsPrefix + experiment + ":" + collection
}

func sequenceKey(experiment, collection string) string {
	return sequencePrefix + experiment + ":" + collection
}

func ambiguous(experiment, collection string, n int) error {
	return errors.WithStack(&spearminterrors.ErrInvariant{
		Message: fmt.Sprintf("ambiguous save: %d documents of %s/%s match the filter", n, experiment, collection),
	})
}

func unavailable(err error) error {
	if isTyped(err) {
		return err
	}
	return errors.WithStack(&spearminterrors.ErrStoreUnavailable{Store: "redis", Err: err})
}

// isTyped reports whether err already carries one of our error kinds.
func isTyped(err error) bool {
	return spearminterrors.ExitCodeFromError(err) != spearminterrors.ExitUnknown
}

func checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(&spearminterrors.ErrStoreUnavailable{Store: "redis", Err: err})
	}
	return nil
}

