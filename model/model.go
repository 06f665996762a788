// Package model holds the typed entities of the PIV recovery service and
// their bucket collections. Every collection threads explicit
// (entity, version tag) pairs through reads and conditional writes; nothing
// caches a tag on an entity instance.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/chassis-systems/piv-recovery-backend/archive"
	"github.com/chassis-systems/piv-recovery-backend/bucket"
)

// Versioned pairs an entity with the version tag it was read at. The tag is
// required by any conditional write based on that read.
type Versioned[T any] struct {
	Value T
	Tag   bucket.Tag
}

// ValidationError reports malformed or conflicting request fields. The HTTP
// layer renders it as structured field-level detail with status 422.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Fields[name]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// InitBuckets idempotently ensures every model bucket exists.
func InitBuckets(ctx context.Context, store bucket.Store) error {
	for _, schema := range []bucket.Schema{
		PivTokenSchema,
		RecoveryConfigurationSchema,
		RecoveryTokenSchema,
		TransitionSchema,
	} {
		if err := store.Init(ctx, schema); err != nil {
			return fmt.Errorf("initializing bucket %q: %w", schema.Name, err)
		}
	}
	return nil
}

// archiveThenDelete durably copies the record to history before removing the
// live copy. A failed archive aborts the delete; a not-found on the delete
// after a successful archive is treated as success so interrupted deletions
// can be retried.
func archiveThenDelete(ctx context.Context, store bucket.Store, sink archive.Sink, bucketName, kind, key string, record json.RawMessage, tag bucket.Tag) error {
	if err := sink.Append(ctx, archive.NewEntry(kind, key, record)); err != nil {
		return fmt.Errorf("archive before delete of %s %q: %w", kind, key, err)
	}
	if err := store.Delete(ctx, bucketName, key, tag); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete of archived %s %q: %w", kind, key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, bucket.ErrNotFound)
}

func isConflict(err error) bool {
	return errors.Is(err, bucket.ErrVersionConflict)
}
