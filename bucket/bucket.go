// Package bucket provides the optimistic-concurrency store access layer.
// Every model funnels through this package, so version-tag enforcement,
// bucket name prefixing, and indexed-field filtering live in exactly one
// place. Backends implement the Store contract over different engines; the
// in-memory backend backs tests, the Vault backend backs production.
package bucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the requested key or bucket does not exist.
	ErrNotFound = errors.New("bucket: not found")

	// ErrVersionConflict is returned by conditional writes when the expected
	// version tag no longer matches the stored one. The caller owns retry
	// policy; the write was not applied.
	ErrVersionConflict = errors.New("bucket: version conflict")

	// ErrNotIndexed is returned by filter validation when a clause references
	// a field the bucket schema does not index.
	ErrNotIndexed = errors.New("bucket: field not indexed")
)

// Tag is an opaque version tag proving the previously-read version of a
// record. Every read returns one and every conditional write requires one.
type Tag string

// NoTag on Put means "create only": the write fails with ErrVersionConflict
// if the key already exists. NoTag on Delete means unconditional delete.
const NoTag Tag = ""

// Default paging applied when ListOptions leaves Limit/Offset zero.
const (
	DefaultLimit  = 1000
	DefaultOffset = 0
)

// FieldType enumerates the index types a schema may declare.
type FieldType int

const (
	FieldString FieldType = iota
	FieldUUID
	FieldNumber
	FieldBoolean

	// FieldStringArray is not natively supported by the underlying index
	// engines; the layer encodes it as a delimited scalar on write and
	// decodes it symmetrically on read. See encode.go.
	FieldStringArray
)

// Field declares one indexed field of a bucket schema. Only declared fields
// are filterable.
type Field struct {
	Name string
	Type FieldType
}

// Schema describes a named bucket: its indexed fields and schema version.
type Schema struct {
	Name    string
	Version int
	Fields  []Field
}

// Field returns the declared field with the given name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Item is one list result: the record, its key, and the version tag that a
// subsequent conditional write on it must present.
type Item struct {
	Key   string
	Value json.RawMessage
	Tag   Tag
}

// ListOptions bounds and orders a List call. Zero values select the
// defaults (limit 1000, offset 0, ascending key order).
type ListOptions struct {
	Limit  int
	Offset int

	// Sort names an indexed field, optionally prefixed with "-" for
	// descending order. Empty sorts by key.
	Sort string
}

// Store is the narrow CRUD+list+filter contract every backend implements.
// All methods are safe for concurrent use.
type Store interface {
	// Init idempotently ensures the bucket exists with the given schema. An
	// existing bucket is left untouched; schema mismatches are resolved out
	// of band, never auto-migrated.
	Init(ctx context.Context, schema Schema) error

	// Get returns the record stored under key together with its version tag.
	Get(ctx context.Context, bucket, key string) (json.RawMessage, Tag, error)

	// Put conditionally writes value under key. expect must be the tag
	// returned by the read this write is based on, or NoTag to create.
	// Returns the new tag on success, ErrVersionConflict if another writer
	// won the race.
	Put(ctx context.Context, bucket, key string, value json.RawMessage, expect Tag) (Tag, error)

	// Delete removes the record under key. A non-empty expect makes the
	// delete conditional on the version tag.
	Delete(ctx context.Context, bucket, key string, expect Tag) error

	// List returns one page of records matching filter, which may only
	// reference indexed fields (ErrNotIndexed otherwise). A nil filter
	// matches everything.
	List(ctx context.Context, bucket string, filter *Filter, opts ListOptions) ([]Item, error)
}

// Decode unmarshals an item into T. Models pass their own concrete type at
// the call site; the store never constructs model instances itself.
func Decode[T any](it Item) (T, Tag, error) {
	var v T
	if err := json.Unmarshal(it.Value, &v); err != nil {
		return v, NoTag, fmt.Errorf("decoding %q: %w", it.Key, err)
	}
	return v, it.Tag, nil
}
