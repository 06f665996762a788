package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// MultiSink fans an archival out to several sinks. Append succeeds only if
// every sink accepted the entry: the archive step is the durability gate for
// archive-then-delete, so a partially-archived record must keep its live
// copy.
type MultiSink struct {
	sinks []Sink
	log   *slog.Logger
}

// NewMultiSink aggregates sinks. At least one is required.
func NewMultiSink(sinks []Sink, log *slog.Logger) (*MultiSink, error) {
	if len(sinks) == 0 {
		return nil, errors.New("multi sink requires at least one sink")
	}
	return &MultiSink{sinks: sinks, log: log}, nil
}

func (m *MultiSink) Append(ctx context.Context, entry Entry) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Append(ctx, entry); err != nil {
			m.log.Error("archive sink failed", "sink", sink.Name(), "kind", entry.Kind, "key", entry.Key, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Name() string { return "multi" }
