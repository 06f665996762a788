package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chassis-systems/piv-recovery-backend/archive"
	"github.com/chassis-systems/piv-recovery-backend/bucket"
)

// Slot9E is the card-authentication key slot. Its public key is the one
// signature auth verifies against.
const Slot9E = "9e"

// PivTokenBucket stores live PIV tokens, keyed by hardware GUID.
const PivTokenBucket = "pivtokens"

// HistoryKindPivToken tags archived PIV tokens in history.
const HistoryKindPivToken = "pivtoken"

// PivTokenSchema indexes the GUID and the compute-node association.
var PivTokenSchema = bucket.Schema{
	Name:    PivTokenBucket,
	Version: 1,
	Fields: []bucket.Field{
		{Name: "guid", Type: bucket.FieldString},
		{Name: "cn_uuid", Type: bucket.FieldUUID},
	},
}

// PivToken tracks one PIV smart card: its key slots, PIN, optional recovery
// secret, and the compute node it is enrolled against. Identity fields are
// never updated in place; replacement goes through archive-then-delete.
type PivToken struct {
	GUID          string            `json:"guid"`
	CNUUID        string            `json:"cn_uuid"`
	PIN           string            `json:"pin,omitempty"`
	Pubkeys       map[string]string `json:"pubkeys,omitempty"`
	RecoveryToken string            `json:"recovery_token,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Public returns the redacted view served to unauthenticated callers: the
// PIN and recovery secret are stripped.
func (t PivToken) Public() PivToken {
	t.PIN = ""
	t.RecoveryToken = ""
	return t
}

// Validate checks the fields a client must supply on enrollment.
func (t PivToken) Validate() error {
	fields := make(map[string]string)
	if t.GUID == "" {
		fields["guid"] = "missing"
	}
	if _, err := uuid.Parse(t.CNUUID); err != nil {
		fields["cn_uuid"] = "must be a UUID"
	}
	if len(t.Pubkeys) == 0 {
		fields["pubkeys"] = "missing"
	} else if t.Pubkeys[Slot9E] == "" {
		fields["pubkeys"] = "missing 9e slot key"
	}
	if t.PIN == "" {
		fields["pin"] = "missing"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// PivTokens is the collection over the pivtokens bucket.
type PivTokens struct {
	store bucket.Store
	sink  archive.Sink
	log   *slog.Logger
}

// NewPivTokens wires the collection to its store and history sink.
func NewPivTokens(store bucket.Store, sink archive.Sink, log *slog.Logger) *PivTokens {
	return &PivTokens{store: store, sink: sink, log: log}
}

// Create enrolls a token. It is idempotent on GUID: if a token with the same
// GUID already exists the existing record is returned unchanged, tolerating
// client retries after a lost response. The boolean result reports whether a
// new record was written.
func (p *PivTokens) Create(ctx context.Context, tok PivToken) (Versioned[PivToken], bool, error) {
	if err := tok.Validate(); err != nil {
		return Versioned[PivToken]{}, false, err
	}

	if existing, err := p.Get(ctx, tok.GUID); err == nil {
		return existing, false, nil
	} else if !isNotFound(err) {
		return Versioned[PivToken]{}, false, err
	}

	if err := p.checkNodeUnclaimed(ctx, tok.CNUUID, tok.GUID); err != nil {
		return Versioned[PivToken]{}, false, err
	}

	tok.CreatedAt = time.Now().UTC()
	tag, err := p.put(ctx, tok, bucket.NoTag)
	if errors.Is(err, bucket.ErrVersionConflict) {
		// Lost a creation race; the competing create carried the same GUID.
		existing, err := p.Get(ctx, tok.GUID)
		return existing, false, err
	}
	if err != nil {
		return Versioned[PivToken]{}, false, err
	}
	p.log.Info("enrolled piv token", "guid", tok.GUID, "cn_uuid", tok.CNUUID)
	return Versioned[PivToken]{Value: tok, Tag: tag}, true, nil
}

// Get returns the token with the given GUID and its version tag.
func (p *PivTokens) Get(ctx context.Context, guid string) (Versioned[PivToken], error) {
	raw, tag, err := p.store.Get(ctx, PivTokenBucket, guid)
	if err != nil {
		return Versioned[PivToken]{}, err
	}
	var tok PivToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Versioned[PivToken]{}, fmt.Errorf("decoding pivtoken %q: %w", guid, err)
	}
	return Versioned[PivToken]{Value: tok, Tag: tag}, nil
}

// List returns one page of tokens matching the filter.
func (p *PivTokens) List(ctx context.Context, filter *bucket.Filter, opts bucket.ListOptions) ([]Versioned[PivToken], error) {
	items, err := p.store.List(ctx, PivTokenBucket, filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]Versioned[PivToken], 0, len(items))
	for _, it := range items {
		tok, tag, err := bucket.Decode[PivToken](it)
		if err != nil {
			return nil, err
		}
		out = append(out, Versioned[PivToken]{Value: tok, Tag: tag})
	}
	return out, nil
}

// Reassociate moves the token to a new compute node (chassis swap). The
// target node must not already have a live token.
func (p *PivTokens) Reassociate(ctx context.Context, tok PivToken, tag bucket.Tag, cnUUID string) (Versioned[PivToken], error) {
	if _, err := uuid.Parse(cnUUID); err != nil {
		return Versioned[PivToken]{}, invalid("cn_uuid", "must be a UUID")
	}
	if err := p.checkNodeUnclaimed(ctx, cnUUID, tok.GUID); err != nil {
		return Versioned[PivToken]{}, err
	}

	tok.CNUUID = cnUUID
	newTag, err := p.put(ctx, tok, tag)
	if err != nil {
		return Versioned[PivToken]{}, err
	}
	p.log.Info("reassociated piv token", "guid", tok.GUID, "cn_uuid", cnUUID)
	return Versioned[PivToken]{Value: tok, Tag: newTag}, nil
}

// Update conditionally rewrites the token record. Identity fields (GUID)
// must not change; use Replace for recovery.
func (p *PivTokens) Update(ctx context.Context, tok PivToken, tag bucket.Tag) (bucket.Tag, error) {
	return p.put(ctx, tok, tag)
}

// Delete archives the token to history and then removes the live record.
func (p *PivTokens) Delete(ctx context.Context, tok PivToken, tag bucket.Tag) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if err := archiveThenDelete(ctx, p.store, p.sink, PivTokenBucket, HistoryKindPivToken, tok.GUID, raw, tag); err != nil {
		return err
	}
	p.log.Info("deleted piv token", "guid", tok.GUID)
	return nil
}

// Replace swaps a lost token for its replacement during recovery: the old
// record is archived first, the replacement created, and only then is the
// old live record removed, so an interruption never leaves the node with no
// token record at all.
func (p *PivTokens) Replace(ctx context.Context, old PivToken, tag bucket.Tag, replacement PivToken) (Versioned[PivToken], error) {
	if err := replacement.Validate(); err != nil {
		return Versioned[PivToken]{}, err
	}
	if replacement.GUID == old.GUID {
		return Versioned[PivToken]{}, invalid("guid", "replacement must have a new guid")
	}
	if err := p.checkNodeUnclaimed(ctx, replacement.CNUUID, old.GUID, replacement.GUID); err != nil {
		return Versioned[PivToken]{}, err
	}

	oldRaw, err := json.Marshal(old)
	if err != nil {
		return Versioned[PivToken]{}, err
	}
	if err := p.sink.Append(ctx, archive.NewEntry(HistoryKindPivToken, old.GUID, oldRaw)); err != nil {
		return Versioned[PivToken]{}, fmt.Errorf("archive before replace of pivtoken %q: %w", old.GUID, err)
	}

	replacement.CreatedAt = time.Now().UTC()
	newTag, err := p.put(ctx, replacement, bucket.NoTag)
	if err != nil {
		return Versioned[PivToken]{}, err
	}

	if err := p.store.Delete(ctx, PivTokenBucket, old.GUID, tag); err != nil && !isNotFound(err) {
		return Versioned[PivToken]{}, fmt.Errorf("delete of replaced pivtoken %q: %w", old.GUID, err)
	}

	p.log.Info("replaced piv token", "old_guid", old.GUID, "new_guid", replacement.GUID)
	return Versioned[PivToken]{Value: replacement, Tag: newTag}, nil
}

// checkNodeUnclaimed enforces at most one live token per compute node.
// Excluded GUIDs do not count as claims; Replace excludes both sides of the
// swap so same-node recovery passes.
func (p *PivTokens) checkNodeUnclaimed(ctx context.Context, cnUUID string, excludeGUIDs ...string) error {
	others, err := p.store.List(ctx, PivTokenBucket, bucket.Where("cn_uuid", bucket.OpEq, cnUUID), bucket.ListOptions{})
	if err != nil {
		return err
	}
	for _, it := range others {
		excluded := false
		for _, guid := range excludeGUIDs {
			if it.Key == guid {
				excluded = true
				break
			}
		}
		if !excluded {
			return invalid("cn_uuid", fmt.Sprintf("node %s already has token %s", cnUUID, it.Key))
		}
	}
	return nil
}

func (p *PivTokens) put(ctx context.Context, tok PivToken, tag bucket.Tag) (bucket.Tag, error) {
	raw, err := json.Marshal(tok)
	if err != nil {
		return bucket.NoTag, err
	}
	return p.store.Put(ctx, PivTokenBucket, tok.GUID, raw, tag)
}
