// Package archive provides the append-only history sinks behind the
// archive-then-delete pattern. A record handed to a sink must be durably
// written before the caller may remove the live copy; sinks are write-once
// and never update or delete, so object stores without conditional writes
// are acceptable backends here.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is one archived record. Key is unique per archival (the live key
// plus a nanosecond timestamp), so retried archivals append rather than
// collide and a crash between archive and delete costs at most a duplicate.
type Entry struct {
	Kind       string          `json:"kind"`
	Key        string          `json:"key"`
	ArchivedAt time.Time       `json:"archived_at"`
	Record     json.RawMessage `json:"record"`
}

// StorageKey returns the unique key the entry is stored under.
func (e Entry) StorageKey() string {
	return fmt.Sprintf("%s/%s/%d", e.Kind, e.Key, e.ArchivedAt.UnixNano())
}

// Sink durably persists history entries.
type Sink interface {
	// Append writes the entry. It must not overwrite earlier archivals of
	// the same live key.
	Append(ctx context.Context, entry Entry) error

	// Name returns an identifier for logging.
	Name() string
}

// NewEntry packages a live record for archival.
func NewEntry(kind, key string, record json.RawMessage) Entry {
	return Entry{
		Kind:       kind,
		Key:        key,
		ArchivedAt: time.Now().UTC(),
		Record:     record,
	}
}
