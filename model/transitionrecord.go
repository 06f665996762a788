package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/chassis-systems/piv-recovery-backend/bucket"
)

// TransitionBucket stores transition records, keyed by generated name.
const TransitionBucket = "transitions"

// TransitionSchema indexes the owning configuration, the action, completion,
// and the target set (array-encoded by the store layer).
var TransitionSchema = bucket.Schema{
	Name:    TransitionBucket,
	Version: 1,
	Fields: []bucket.Field{
		{Name: "name", Type: bucket.FieldString},
		{Name: "configuration_uuid", Type: bucket.FieldUUID},
		{Name: "action", Type: bucket.FieldString},
		{Name: "finished", Type: bucket.FieldBoolean},
		{Name: "targets", Type: bucket.FieldStringArray},
	},
}

// TargetStatus is the outcome of one target's part of a transition.
type TargetStatus string

const (
	TargetSucceeded TargetStatus = "succeeded"
	TargetFailed    TargetStatus = "failed"
	TargetTimedOut  TargetStatus = "timeout"
)

// TargetOutcome records how one compute node fared. Absence of an outcome
// means the target is still pending.
type TargetOutcome struct {
	Status     TargetStatus `json:"status"`
	Error      string       `json:"error,omitempty"`
	FinishedAt time.Time    `json:"finished_at"`
}

// TransitionRecord tracks one requested state change of a recovery
// configuration across its target set. Per-target outcomes are persisted
// incrementally so a crash mid-fanout leaves an accurate partial record.
type TransitionRecord struct {
	Name              string                   `json:"name"`
	ConfigurationUUID string                   `json:"configuration_uuid"`
	Action            string                   `json:"action"`
	Targets           []string                 `json:"targets"`
	Concurrency       int                      `json:"concurrency,omitempty"`
	Outcomes          map[string]TargetOutcome `json:"outcomes,omitempty"`
	Finished          bool                     `json:"finished"`
	Succeeded         bool                     `json:"succeeded"`
	Forced            bool                     `json:"forced,omitempty"`
	StartedAt         time.Time                `json:"started_at"`
	FinishedAt        *time.Time               `json:"finished_at,omitempty"`
}

// NewTransitionName builds the generated record name. It is sortable,
// collision-free without coordination, and encodes its configuration and
// action.
func NewTransitionName(configurationUUID, action string) string {
	return fmt.Sprintf("%s-%s-%d", configurationUUID, action, time.Now().UnixNano())
}

// Pending returns the targets that have no recorded outcome yet.
func (t TransitionRecord) Pending() []string {
	var pending []string
	for _, target := range t.Targets {
		if _, done := t.Outcomes[target]; !done {
			pending = append(pending, target)
		}
	}
	return pending
}

// FailedTargets returns the targets whose outcome is failed or timed out, in
// target-set order.
func (t TransitionRecord) FailedTargets() []string {
	var failed []string
	for _, target := range t.Targets {
		if outcome, done := t.Outcomes[target]; done && outcome.Status != TargetSucceeded {
			failed = append(failed, target)
		}
	}
	return failed
}

// Transitions is the collection over the transitions bucket.
type Transitions struct {
	store bucket.Store
	log   *slog.Logger
}

// NewTransitions wires the collection to its store. Transition records are
// working state, not archival material, so there is no history sink here.
func NewTransitions(store bucket.Store, log *slog.Logger) *Transitions {
	return &Transitions{store: store, log: log}
}

// Create writes a fresh record; the name must be unused.
func (t *Transitions) Create(ctx context.Context, rec TransitionRecord) (Versioned[TransitionRecord], error) {
	tag, err := t.put(ctx, rec, bucket.NoTag)
	if err != nil {
		return Versioned[TransitionRecord]{}, err
	}
	return Versioned[TransitionRecord]{Value: rec, Tag: tag}, nil
}

// Get returns the record with the given name and its version tag.
func (t *Transitions) Get(ctx context.Context, name string) (Versioned[TransitionRecord], error) {
	raw, tag, err := t.store.Get(ctx, TransitionBucket, name)
	if err != nil {
		return Versioned[TransitionRecord]{}, err
	}
	var rec TransitionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Versioned[TransitionRecord]{}, fmt.Errorf("decoding transition %q: %w", name, err)
	}
	return Versioned[TransitionRecord]{Value: rec, Tag: tag}, nil
}

// List returns one page of records matching the filter.
func (t *Transitions) List(ctx context.Context, filter *bucket.Filter, opts bucket.ListOptions) ([]Versioned[TransitionRecord], error) {
	items, err := t.store.List(ctx, TransitionBucket, filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]Versioned[TransitionRecord], 0, len(items))
	for _, it := range items {
		rec, tag, err := bucket.Decode[TransitionRecord](it)
		if err != nil {
			return nil, err
		}
		out = append(out, Versioned[TransitionRecord]{Value: rec, Tag: tag})
	}
	return out, nil
}

// Unfinished returns every record still carrying pending targets, for
// resumption at process start.
func (t *Transitions) Unfinished(ctx context.Context) ([]Versioned[TransitionRecord], error) {
	return t.List(ctx, bucket.Where("finished", bucket.OpEq, "false"), bucket.ListOptions{})
}

// Update conditionally rewrites the record.
func (t *Transitions) Update(ctx context.Context, rec TransitionRecord, tag bucket.Tag) (bucket.Tag, error) {
	return t.put(ctx, rec, tag)
}

// Delete removes the record (only used when superseding a forced
// transition's predecessor is not desired; normal flow keeps finished
// records for the watch path).
func (t *Transitions) Delete(ctx context.Context, name string, tag bucket.Tag) error {
	return t.store.Delete(ctx, TransitionBucket, name, tag)
}

func (t *Transitions) put(ctx context.Context, rec TransitionRecord, tag bucket.Tag) (bucket.Tag, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return bucket.NoTag, err
	}
	return t.store.Put(ctx, TransitionBucket, rec.Name, raw, tag)
}
