package store

import (
	"encoding/json"
	"math"
	"reflect"

	"github.com/pkg/errors"

	"github.com/G-Research/spearmint/internal/common/spearminterrors"
)

// Normalize returns a deep copy of doc holding only JSON types, so a document read back from any adapter compares
// equal to one that was never persisted.
func Normalize(doc Document) (Document, error) {
	if doc == nil {
		return nil, errors.WithStack(&spearminterrors.ErrInvariant{Message: "cannot store a nil document"})
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.WithStack(&spearminterrors.ErrInvariant{Message: "document is not valid JSON: " + err.Error()})
	}
	return Decode(raw)
}

// NormalizeFilter is Normalize for filters. A nil filter stays nil.
func NormalizeFilter(filter Filter) (Filter, error) {
	if filter == nil {
		return nil, nil
	}
	doc, err := Normalize(Document(filter))
	return Filter(doc), err
}

func Decode(raw []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.WithStack(err)
	}
	return doc, nil
}

func Encode(doc Document) ([]byte, error) {
	raw, err := json.Marshal(doc)
	return raw, errors.WithStack(err)
}

// Matches reports whether every field of filter is present in doc with an equal value.
// Both arguments must be normalized.
func Matches(doc Document, filter Filter) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// IntField reads an integral numeric field of a normalized document.
func IntField(doc Document, field string) (int64, error) {
	v, ok := doc[field].(float64)
	if !ok || v != math.Trunc(v) {
		return 0, errors.WithStack(&spearminterrors.ErrInvariant{
			Message: "field " + field + " is not an integer",
		})
	}
	return int64(v), nil
}
