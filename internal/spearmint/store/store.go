// Package store defines the document store the experiment ledger persists to.
//
// Documents are JSON objects grouped in named collections, and every collection is scoped to one experiment.
// Adapters live in the memstore, redisstore and pgstore sub-packages.
package store

import (
	"context"
)

// Collection names used by the ledger.
const (
	ProfileCollection = "profile"
	JobsCollection    = "jobs"
	HypersCollection  = "hypers"
)

// Document is a JSON object. Adapters hand out documents normalized to the types encoding/json decodes to:
// float64 for numbers, []interface{} for arrays and map[string]interface{} for objects.
type Document map[string]interface{}

// Filter selects documents whose top-level fields equal every field of the filter.
// A nil filter selects nothing and turns Save into an insert; an empty non-nil filter matches every document.
type Filter map[string]interface{}

// All matches every document of a collection.
var All = Filter{}

type DocumentStore interface {
	// Load returns the documents matching filter in insertion order, or an empty slice if there are none.
	Load(ctx context.Context, experiment, collection string, filter Filter) ([]Document, error)
	// Save inserts doc if filter is nil. Otherwise it replaces the single document matching filter, inserting doc
	// if nothing matches. It fails with ErrInvariant if more than one document matches.
	Save(ctx context.Context, doc Document, experiment, collection string, filter Filter) error
	// Drop deletes every document of the collection.
	Drop(ctx context.Context, experiment, collection string) error
	// Increment atomically adds one to the integer field of the single document matching filter
	// and returns the new value. It fails with ErrNotFound if nothing matches.
	Increment(ctx context.Context, experiment, collection string, filter Filter, field string) (int64, error)
	// CompareAndSwap atomically replaces the single document matching filter with doc, provided that document also
	// matches expect. It reports whether the swap happened and fails with ErrNotFound if nothing matches filter.
	CompareAndSwap(ctx context.Context, doc Document, experiment, collection string, filter, expect Filter) (bool, error)
	// Experiments returns the sorted names of experiments with at least one document in collection.
	Experiments(ctx context.Context, collection string) ([]string, error)
}

// Store is a DocumentStore backed by a resource that can be probed and released.
type Store interface {
	DocumentStore
	// Check reports whether the store is reachable.
	Check() error
	Close() error
}
