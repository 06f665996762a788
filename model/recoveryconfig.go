package model

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chassis-systems/piv-recovery-backend/archive"
	"github.com/chassis-systems/piv-recovery-backend/bucket"
)

// State is the lifecycle state of a recovery configuration. It changes only
// through the transition engine.
type State string

const (
	StateStaged      State = "staged"
	StateActive      State = "active"
	StateExpired     State = "expired"
	StateDeactivated State = "deactivated"
)

// RecoveryConfigBucket stores recovery configurations, keyed by UUID.
const RecoveryConfigBucket = "recovery_configurations"

// HistoryKindRecoveryConfig tags archived configurations in history.
const HistoryKindRecoveryConfig = "recovery_configuration"

// RecoveryConfigurationSchema indexes the UUID and lifecycle state.
var RecoveryConfigurationSchema = bucket.Schema{
	Name:    RecoveryConfigBucket,
	Version: 1,
	Fields: []bucket.Field{
		{Name: "uuid", Type: bucket.FieldUUID},
		{Name: "state", Type: bucket.FieldString},
	},
}

// configNamespace is the UUIDv5 namespace configuration UUIDs are derived
// in. Deriving the UUID from the template makes creation idempotent: posting
// the same template twice yields the same configuration.
var configNamespace = uuid.MustParse("b875f2d2-f21b-4b4c-92ae-8cbc8e23e9a1")

// RecoveryConfiguration is a recovery policy package plus lifecycle state.
// Transition names the in-flight (or most recent) transition record.
type RecoveryConfiguration struct {
	UUID        string     `json:"uuid"`
	Template    string     `json:"template"`
	State       State      `json:"state"`
	Transition  string     `json:"transition,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// RecoveryConfigurations is the collection over the configurations bucket.
type RecoveryConfigurations struct {
	store bucket.Store
	sink  archive.Sink
	log   *slog.Logger
}

// NewRecoveryConfigurations wires the collection to its store and history
// sink.
func NewRecoveryConfigurations(store bucket.Store, sink archive.Sink, log *slog.Logger) *RecoveryConfigurations {
	return &RecoveryConfigurations{store: store, sink: sink, log: log}
}

// Create stages a configuration from a base64 template. The UUID is derived
// from the template, so re-posting an identical template returns the
// existing configuration.
func (c *RecoveryConfigurations) Create(ctx context.Context, template string, expiresAt *time.Time) (Versioned[RecoveryConfiguration], bool, error) {
	raw, err := base64.StdEncoding.DecodeString(template)
	if err != nil || len(raw) == 0 {
		return Versioned[RecoveryConfiguration]{}, false, invalid("template", "must be non-empty base64")
	}

	id := uuid.NewSHA1(configNamespace, raw).String()
	if existing, err := c.Get(ctx, id); err == nil {
		return existing, false, nil
	} else if !isNotFound(err) {
		return Versioned[RecoveryConfiguration]{}, false, err
	}

	rc := RecoveryConfiguration{
		UUID:      id,
		Template:  template,
		State:     StateStaged,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
	tag, err := c.Put(ctx, rc, bucket.NoTag)
	if err != nil {
		if isConflict(err) {
			existing, err := c.Get(ctx, id)
			return existing, false, err
		}
		return Versioned[RecoveryConfiguration]{}, false, err
	}
	c.log.Info("staged recovery configuration", "uuid", id)
	return Versioned[RecoveryConfiguration]{Value: rc, Tag: tag}, true, nil
}

// Get returns the configuration and its version tag.
func (c *RecoveryConfigurations) Get(ctx context.Context, id string) (Versioned[RecoveryConfiguration], error) {
	raw, tag, err := c.store.Get(ctx, RecoveryConfigBucket, id)
	if err != nil {
		return Versioned[RecoveryConfiguration]{}, err
	}
	var rc RecoveryConfiguration
	if err := json.Unmarshal(raw, &rc); err != nil {
		return Versioned[RecoveryConfiguration]{}, fmt.Errorf("decoding recovery configuration %q: %w", id, err)
	}
	return Versioned[RecoveryConfiguration]{Value: rc, Tag: tag}, nil
}

// List returns one page of configurations matching the filter.
func (c *RecoveryConfigurations) List(ctx context.Context, filter *bucket.Filter, opts bucket.ListOptions) ([]Versioned[RecoveryConfiguration], error) {
	items, err := c.store.List(ctx, RecoveryConfigBucket, filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]Versioned[RecoveryConfiguration], 0, len(items))
	for _, it := range items {
		rc, tag, err := bucket.Decode[RecoveryConfiguration](it)
		if err != nil {
			return nil, err
		}
		out = append(out, Versioned[RecoveryConfiguration]{Value: rc, Tag: tag})
	}
	return out, nil
}

// Put conditionally writes the configuration. Only the transition engine and
// Create call this; handlers never mutate state fields directly.
func (c *RecoveryConfigurations) Put(ctx context.Context, rc RecoveryConfiguration, tag bucket.Tag) (bucket.Tag, error) {
	raw, err := json.Marshal(rc)
	if err != nil {
		return bucket.NoTag, err
	}
	return c.store.Put(ctx, RecoveryConfigBucket, rc.UUID, raw, tag)
}

// Delete archives the configuration to history and removes the live record.
func (c *RecoveryConfigurations) Delete(ctx context.Context, rc RecoveryConfiguration, tag bucket.Tag) error {
	raw, err := json.Marshal(rc)
	if err != nil {
		return err
	}
	if err := archiveThenDelete(ctx, c.store, c.sink, RecoveryConfigBucket, HistoryKindRecoveryConfig, rc.UUID, raw, tag); err != nil {
		return err
	}
	c.log.Info("deleted recovery configuration", "uuid", rc.UUID)
	return nil
}
