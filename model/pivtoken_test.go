package model

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chassis-systems/piv-recovery-backend/archive"
	"github.com/chassis-systems/piv-recovery-backend/bucket"
)

func testEnv(t *testing.T) (bucket.Store, archive.Sink, *slog.Logger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := bucket.NewMemory()
	require.NoError(t, InitBuckets(context.Background(), store))
	sink, err := archive.NewBucketSink(context.Background(), store, logger)
	require.NoError(t, err)
	return store, sink, logger
}

func testToken(guid, cnUUID string) PivToken {
	return PivToken{
		GUID:   guid,
		CNUUID: cnUUID,
		PIN:    "1234",
		Pubkeys: map[string]string{
			Slot9E: "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIPlaceholderKeyMaterialForTests",
		},
	}
}

func historyEntries(t *testing.T, store bucket.Store, kind, key string) []bucket.Item {
	t.Helper()
	items, err := store.List(context.Background(), archive.HistoryBucket,
		bucket.Where("kind", bucket.OpEq, kind).And("key", bucket.OpEq, key), bucket.ListOptions{})
	require.NoError(t, err)
	return items
}

func TestPivTokenCreateIdempotent(t *testing.T) {
	ctx := context.Background()
	store, sink, logger := testEnv(t)
	tokens := NewPivTokens(store, sink, logger)

	first, created, err := tokens.Create(ctx, testToken("G1", "6b4b37b7-9afc-4e3a-9e0a-111111111111"))
	require.NoError(t, err)
	assert.True(t, created)

	// A retried create with the same GUID returns the existing record
	// unchanged, even if the retry carries a different PIN.
	retry := testToken("G1", "6b4b37b7-9afc-4e3a-9e0a-111111111111")
	retry.PIN = "9999"
	second, created, err := tokens.Create(ctx, retry)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Value.PIN, second.Value.PIN)
	assert.Equal(t, first.Tag, second.Tag)
}

func TestPivTokenOneTokenPerNode(t *testing.T) {
	ctx := context.Background()
	store, sink, logger := testEnv(t)
	tokens := NewPivTokens(store, sink, logger)

	_, _, err := tokens.Create(ctx, testToken("G1", "6b4b37b7-9afc-4e3a-9e0a-111111111111"))
	require.NoError(t, err)

	_, _, err = tokens.Create(ctx, testToken("G2", "6b4b37b7-9afc-4e3a-9e0a-111111111111"))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "cn_uuid")
}

func TestPivTokenValidation(t *testing.T) {
	ctx := context.Background()
	store, sink, logger := testEnv(t)
	tokens := NewPivTokens(store, sink, logger)

	_, _, err := tokens.Create(ctx, PivToken{GUID: "G1", CNUUID: "not-a-uuid"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "cn_uuid")
	assert.Contains(t, verr.Fields, "pubkeys")
	assert.Contains(t, verr.Fields, "pin")
}

func TestPivTokenArchiveThenDelete(t *testing.T) {
	ctx := context.Background()
	store, sink, logger := testEnv(t)
	tokens := NewPivTokens(store, sink, logger)

	created, _, err := tokens.Create(ctx, testToken("G1", "6b4b37b7-9afc-4e3a-9e0a-111111111111"))
	require.NoError(t, err)

	require.NoError(t, tokens.Delete(ctx, created.Value, created.Tag))

	_, err = tokens.Get(ctx, "G1")
	assert.ErrorIs(t, err, bucket.ErrNotFound)

	entries := historyEntries(t, store, HistoryKindPivToken, "G1")
	require.Len(t, entries, 1)
}

func TestPivTokenDeleteRetryAfterInterruption(t *testing.T) {
	ctx := context.Background()
	store, sink, logger := testEnv(t)
	tokens := NewPivTokens(store, sink, logger)

	created, _, err := tokens.Create(ctx, testToken("G1", "6b4b37b7-9afc-4e3a-9e0a-111111111111"))
	require.NoError(t, err)

	// Simulate a crash after the archive step: the history entry exists but
	// the live record was already removed by the first attempt's delete.
	require.NoError(t, tokens.Delete(ctx, created.Value, created.Tag))

	// A retry of the whole delete must still succeed; the duplicate archive
	// entry must not block forward progress.
	require.NoError(t, tokens.Delete(ctx, created.Value, created.Tag))

	entries := historyEntries(t, store, HistoryKindPivToken, "G1")
	assert.GreaterOrEqual(t, len(entries), 1)
}

func TestPivTokenReassociate(t *testing.T) {
	ctx := context.Background()
	store, sink, logger := testEnv(t)
	tokens := NewPivTokens(store, sink, logger)

	created, _, err := tokens.Create(ctx, testToken("G1", "6b4b37b7-9afc-4e3a-9e0a-111111111111"))
	require.NoError(t, err)
	other, _, err := tokens.Create(ctx, testToken("G2", "6b4b37b7-9afc-4e3a-9e0a-222222222222"))
	require.NoError(t, err)

	// Moving G1 onto G2's node is rejected.
	_, err = tokens.Reassociate(ctx, created.Value, created.Tag, other.Value.CNUUID)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	// Moving G1 onto a free node succeeds.
	moved, err := tokens.Reassociate(ctx, created.Value, created.Tag, "6b4b37b7-9afc-4e3a-9e0a-333333333333")
	require.NoError(t, err)
	assert.Equal(t, "6b4b37b7-9afc-4e3a-9e0a-333333333333", moved.Value.CNUUID)

	// The old tag is now stale.
	_, err = tokens.Reassociate(ctx, created.Value, created.Tag, "6b4b37b7-9afc-4e3a-9e0a-444444444444")
	assert.ErrorIs(t, err, bucket.ErrVersionConflict)
}

func TestPivTokenReplace(t *testing.T) {
	ctx := context.Background()
	store, sink, logger := testEnv(t)
	tokens := NewPivTokens(store, sink, logger)

	old, _, err := tokens.Create(ctx, testToken("G1", "6b4b37b7-9afc-4e3a-9e0a-111111111111"))
	require.NoError(t, err)

	replacement := testToken("G2", "6b4b37b7-9afc-4e3a-9e0a-111111111111")
	replaced, err := tokens.Replace(ctx, old.Value, old.Tag, replacement)
	require.NoError(t, err)
	assert.Equal(t, "G2", replaced.Value.GUID)

	_, err = tokens.Get(ctx, "G1")
	assert.ErrorIs(t, err, bucket.ErrNotFound)

	entries := historyEntries(t, store, HistoryKindPivToken, "G1")
	require.Len(t, entries, 1)
}

func TestPivTokenReplaceOntoClaimedNode(t *testing.T) {
	ctx := context.Background()
	store, sink, logger := testEnv(t)
	tokens := NewPivTokens(store, sink, logger)

	old, _, err := tokens.Create(ctx, testToken("G1", "6b4b37b7-9afc-4e3a-9e0a-111111111111"))
	require.NoError(t, err)
	_, _, err = tokens.Create(ctx, testToken("G2", "6b4b37b7-9afc-4e3a-9e0a-222222222222"))
	require.NoError(t, err)

	// A replacement claiming another token's node is rejected before
	// anything is archived or written.
	replacement := testToken("G3", "6b4b37b7-9afc-4e3a-9e0a-222222222222")
	_, err = tokens.Replace(ctx, old.Value, old.Tag, replacement)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "cn_uuid")

	// The old token is untouched and the contested node still has exactly
	// one live token.
	_, err = tokens.Get(ctx, "G1")
	require.NoError(t, err)
	claimed, err := tokens.List(ctx,
		bucket.Where("cn_uuid", bucket.OpEq, "6b4b37b7-9afc-4e3a-9e0a-222222222222"), bucket.ListOptions{})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "G2", claimed[0].Value.GUID)
	assert.Empty(t, historyEntries(t, store, HistoryKindPivToken, "G1"))
}

func TestPivTokenPublicRedactsSecrets(t *testing.T) {
	tok := testToken("G1", "6b4b37b7-9afc-4e3a-9e0a-111111111111")
	tok.RecoveryToken = "secret"

	public := tok.Public()
	assert.Empty(t, public.PIN)
	assert.Empty(t, public.RecoveryToken)
	assert.Equal(t, tok.GUID, public.GUID)
	assert.Equal(t, tok.Pubkeys, public.Pubkeys)
}
