package model

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chassis-systems/piv-recovery-backend/archive"
	"github.com/chassis-systems/piv-recovery-backend/bucket"
)

// RecoveryTokenBucket stores live recovery tokens, keyed by UUID.
const RecoveryTokenBucket = "recovery_tokens"

// HistoryKindRecoveryToken tags consumed recovery tokens in history.
const HistoryKindRecoveryToken = "recovery_token"

// RecoveryTokenSchema indexes the token's scope: the PIV token it recovers
// and the configuration it was issued under.
var RecoveryTokenSchema = bucket.Schema{
	Name:    RecoveryTokenBucket,
	Version: 1,
	Fields: []bucket.Field{
		{Name: "uuid", Type: bucket.FieldUUID},
		{Name: "pivtoken_guid", Type: bucket.FieldString},
		{Name: "configuration_uuid", Type: bucket.FieldUUID},
	},
}

// RecoveryToken is an out-of-band-delivered secret that authenticates the
// recover action for one PIV token under one recovery configuration. It is
// single-use: consumption archives it to history.
type RecoveryToken struct {
	UUID              string    `json:"uuid"`
	Token             string    `json:"token"`
	PivTokenGUID      string    `json:"pivtoken_guid"`
	ConfigurationUUID string    `json:"configuration_uuid"`
	CreatedAt         time.Time `json:"created_at"`
}

// Public returns the redacted view: the secret itself is stripped.
func (t RecoveryToken) Public() RecoveryToken {
	t.Token = ""
	return t
}

// RecoveryTokens is the collection over the recovery tokens bucket.
type RecoveryTokens struct {
	store bucket.Store
	sink  archive.Sink
	log   *slog.Logger
}

// NewRecoveryTokens wires the collection to its store and history sink.
func NewRecoveryTokens(store bucket.Store, sink archive.Sink, log *slog.Logger) *RecoveryTokens {
	return &RecoveryTokens{store: store, sink: sink, log: log}
}

// Issue mints a fresh recovery secret scoped to the given PIV token and
// configuration.
func (r *RecoveryTokens) Issue(ctx context.Context, pivtokenGUID, configurationUUID string) (Versioned[RecoveryToken], error) {
	if pivtokenGUID == "" {
		return Versioned[RecoveryToken]{}, invalid("pivtoken_guid", "missing")
	}
	if _, err := uuid.Parse(configurationUUID); err != nil {
		return Versioned[RecoveryToken]{}, invalid("configuration_uuid", "must be a UUID")
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return Versioned[RecoveryToken]{}, fmt.Errorf("generating recovery token: %w", err)
	}

	rt := RecoveryToken{
		UUID:              uuid.NewString(),
		Token:             hex.EncodeToString(secret),
		PivTokenGUID:      pivtokenGUID,
		ConfigurationUUID: configurationUUID,
		CreatedAt:         time.Now().UTC(),
	}
	raw, err := json.Marshal(rt)
	if err != nil {
		return Versioned[RecoveryToken]{}, err
	}
	tag, err := r.store.Put(ctx, RecoveryTokenBucket, rt.UUID, raw, bucket.NoTag)
	if err != nil {
		return Versioned[RecoveryToken]{}, err
	}
	r.log.Info("issued recovery token", "uuid", rt.UUID, "pivtoken_guid", pivtokenGUID, "configuration_uuid", configurationUUID)
	return Versioned[RecoveryToken]{Value: rt, Tag: tag}, nil
}

// Active returns the newest live recovery token for a PIV token. Consumed
// tokens live only in history, so anything listed here is usable.
func (r *RecoveryTokens) Active(ctx context.Context, pivtokenGUID string) (Versioned[RecoveryToken], error) {
	items, err := r.store.List(ctx, RecoveryTokenBucket,
		bucket.Where("pivtoken_guid", bucket.OpEq, pivtokenGUID), bucket.ListOptions{})
	if err != nil {
		return Versioned[RecoveryToken]{}, err
	}
	var newest Versioned[RecoveryToken]
	found := false
	for _, it := range items {
		rt, tag, err := bucket.Decode[RecoveryToken](it)
		if err != nil {
			return Versioned[RecoveryToken]{}, err
		}
		if !found || rt.CreatedAt.After(newest.Value.CreatedAt) {
			newest = Versioned[RecoveryToken]{Value: rt, Tag: tag}
			found = true
		}
	}
	if !found {
		return Versioned[RecoveryToken]{}, fmt.Errorf("recovery token for pivtoken %q: %w", pivtokenGUID, bucket.ErrNotFound)
	}
	return newest, nil
}

// List returns one page of recovery tokens matching the filter.
func (r *RecoveryTokens) List(ctx context.Context, filter *bucket.Filter, opts bucket.ListOptions) ([]Versioned[RecoveryToken], error) {
	items, err := r.store.List(ctx, RecoveryTokenBucket, filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]Versioned[RecoveryToken], 0, len(items))
	for _, it := range items {
		rt, tag, err := bucket.Decode[RecoveryToken](it)
		if err != nil {
			return nil, err
		}
		out = append(out, Versioned[RecoveryToken]{Value: rt, Tag: tag})
	}
	return out, nil
}

// Consume invalidates a used recovery token: archived to history, then the
// live record removed. A token whose delete was interrupted after archival
// can be consumed again without error.
func (r *RecoveryTokens) Consume(ctx context.Context, rt RecoveryToken, tag bucket.Tag) error {
	raw, err := json.Marshal(rt)
	if err != nil {
		return err
	}
	if err := archiveThenDelete(ctx, r.store, r.sink, RecoveryTokenBucket, HistoryKindRecoveryToken, rt.UUID, raw, tag); err != nil {
		return err
	}
	r.log.Info("consumed recovery token", "uuid", rt.UUID, "pivtoken_guid", rt.PivTokenGUID)
	return nil
}
