package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/chassis-systems/piv-recovery-backend/bucket"
)

// HistoryBucket is the bucket the default sink appends to.
const HistoryBucket = "history"

// HistorySchema declares the history bucket. Kind and key are indexed so
// operators can list all archivals of one record.
var HistorySchema = bucket.Schema{
	Name:    HistoryBucket,
	Version: 1,
	Fields: []bucket.Field{
		{Name: "kind", Type: bucket.FieldString},
		{Name: "key", Type: bucket.FieldString},
	},
}

// BucketSink archives into the same store the live records use. This is the
// default sink: archive and delete then share one durability domain.
type BucketSink struct {
	store bucket.Store
	log   *slog.Logger
}

// NewBucketSink creates the sink and ensures the history bucket exists.
func NewBucketSink(ctx context.Context, store bucket.Store, log *slog.Logger) (*BucketSink, error) {
	if err := store.Init(ctx, HistorySchema); err != nil {
		return nil, fmt.Errorf("initializing history bucket: %w", err)
	}
	return &BucketSink{store: store, log: log}, nil
}

func (s *BucketSink) Append(ctx context.Context, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := s.store.Put(ctx, HistoryBucket, entry.StorageKey(), raw, bucket.NoTag); err != nil {
		return fmt.Errorf("archiving %s/%s: %w", entry.Kind, entry.Key, err)
	}
	s.log.Debug("archived record", "kind", entry.Kind, "key", entry.Key)
	return nil
}

func (s *BucketSink) Name() string { return "bucket-history" }
