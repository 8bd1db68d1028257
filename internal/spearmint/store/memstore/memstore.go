// Package memstore is a store.Store held in process memory, built on go-memdb.
package memstore

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/spearmint/internal/common/spearminterrors"
	"github.com/G-Research/spearmint/internal/spearmint/store"
)

const (
	documentsTable  = "documents"
	idIndex         = "id"         // primary key, ordered by insertion
	collectionIndex = "collection" // lookup of every document of an (experiment, collection) pair
)

type entry struct {
	// Zero-padded insertion sequence number, so iterating any index yields documents in insertion order.
	Key        string
	Experiment string
	Collection string
	Doc        store.Document
}

// Store keeps documents in an immutable radix tree database. Every mutation runs in a single write transaction,
// and go-memdb allows one writer at a time, which makes Increment and CompareAndSwap atomic.
type Store struct {
	db  *memdb.MemDB
	seq uint64
}

func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Load(ctx context.Context, experiment, collection string, filter store.Filter) ([]store.Document, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	filter, err := store.NormalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	txn := s.db.Txn(false)
	defer txn.Abort()

	entries, err := matching(txn, experiment, collection, filter)
	if err != nil {
		return nil, err
	}
	docs := make([]store.Document, 0, len(entries))
	for _, e := range entries {
		doc, err := store.Normalize(e.Doc)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
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
	filter, err = store.NormalizeFilter(filter)
	if err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	key := ""
	if filter != nil {
		entries, err := matching(txn, experiment, collection, filter)
		if err != nil {
			return err
		}
		if len(entries) > 1 {
			return ambiguous(experiment, collection, len(entries))
		}
		if len(entries) == 1 {
			key = entries[0].Key
		}
	}
	if key == "" {
		key = s.nextKey()
	}
	if err := txn.Insert(documentsTable, &entry{Key: key, Experiment: experiment, Collection: collection, Doc: doc}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *Store) Drop(ctx context.Context, experiment, collection string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(documentsTable, collectionIndex, experiment, collection); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
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

	txn := s.db.Txn(true)
	defer txn.Abort()

	e, err := single(txn, experiment, collection, filter)
	if err != nil {
		return 0, err
	}
	value, err := store.IntField(e.Doc, field)
	if err != nil {
		return 0, err
	}
	value++

	doc := maps.Clone(e.Doc)
	doc[field] = float64(value)
	if err := txn.Insert(documentsTable, &entry{Key: e.Key, Experiment: experiment, Collection: collection, Doc: doc}); err != nil {
		return 0, errors.WithStack(err)
	}
	txn.Commit()
	return value, nil
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

	txn := s.db.Txn(true)
	defer txn.Abort()

	e, err := single(txn, experiment, collection, filter)
	if err != nil {
		return false, err
	}
	if !store.Matches(e.Doc, expect) {
		return false, nil
	}
	if err := txn.Insert(documentsTable, &entry{Key: e.Key, Experiment: experiment, Collection: collection, Doc: doc}); err != nil {
		return false, errors.WithStack(err)
	}
	txn.Commit()
	return true, nil
}

func (s *Store) Experiments(ctx context.Context, collection string) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(documentsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	names := map[string]bool{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		e := obj.(*entry)
		if e.Collection == collection {
			names[e.Experiment] = true
		}
	}
	result := maps.Keys(names)
	slices.Sort(result)
	return result, nil
}

func (s *Store) Check() error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) nextKey() string {
	return fmt.Sprintf("%020d", atomic.AddUint64(&s.seq, 1))
}

func matching(txn *memdb.Txn, experiment, collection string, filter store.Filter) ([]*entry, error) {
	result := []*entry{}
	if filter == nil {
		return result, nil
	}
	it, err := txn.Get(documentsTable, collectionIndex, experiment, collection)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		e := obj.(*entry)
		if store.Matches(e.Doc, filter) {
			result = append(result, e)
		}
	}
	return result, nil
}

func single(txn *memdb.Txn, experiment, collection string, filter store.Filter) (*entry, error) {
	entries, err := matching(txn, experiment, collection, filter)
	if err != nil {
		return nil, err
	}
	switch len(entries) {
	case 0:
		return nil, errors.WithStack(&spearminterrors.ErrNotFound{
			Type:    "document",
			Value:   experiment + "/" + collection,
			Message: fmt.Sprintf("nothing matches %v", filter),
		})
	case 1:
		return entries[0], nil
	default:
		return nil, ambiguous(experiment, collection, len(entries))
	}
}

func ambiguous(experiment, collection string, n int) error {
	return errors.WithStack(&spearminterrors.ErrInvariant{
		Message: fmt.Sprintf("ambiguous save: %d documents of %s/%s match the filter", n, experiment, collection),
	})
}

func checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(&spearminterrors.ErrStoreUnavailable{Store: "memory", Err: err})
	}
	return nil
}

func schema() *memdb.DBSchema {
	indexes := make(map[string]*memdb.IndexSchema)
	indexes[idIndex] = &memdb.IndexSchema{
		Name:    idIndex,
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "Key"},
	}
	indexes[collectionIndex] = &memdb.IndexSchema{
		Name:   collectionIndex,
		Unique: false,
		Indexer: &memdb.CompoundIndex{
			Indexes: []memdb.Indexer{
				&memdb.StringFieldIndex{Field: "Experiment"},
				&memdb.StringFieldIndex{Field: "Collection"},
			},
		},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			documentsTable: {
				Name:    documentsTable,
				Indexes: indexes,
			},
		},
	}
}
