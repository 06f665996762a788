package bucket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV emulates the slice of the KV v2 HTTP API the Vault store uses:
// versioned data reads/writes with check-and-set, version-scoped soft
// deletes, metadata deletes, and key listing.
type fakeKV struct {
	mu      sync.Mutex
	records map[string]*fakeRecord

	// afterRead fires once after the next data read, before the response is
	// used by the client. Tests use it to interleave a concurrent write.
	afterRead func()
}

type fakeRecord struct {
	versions []string
	deleted  map[int]bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{records: make(map[string]*fakeRecord)}
}

// put appends a new version behind the store's back, as a concurrent
// process would.
func (f *fakeKV) put(path, doc string) {
	rec := f.records[path]
	if rec == nil {
		rec = &fakeRecord{deleted: make(map[int]bool)}
		f.records[path] = rec
	}
	rec.versions = append(rec.versions, doc)
}

func (f *fakeKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v1/secret/")
	op, rest, _ := strings.Cut(path, "/")

	switch {
	case op == "data" && r.Method == http.MethodGet:
		f.handleRead(w, rest)
	case op == "data" && (r.Method == http.MethodPut || r.Method == http.MethodPost):
		f.handleWrite(w, r, rest)
	case op == "delete" && (r.Method == http.MethodPut || r.Method == http.MethodPost):
		f.handleVersionDelete(w, r, rest)
	case op == "metadata" && r.Method == http.MethodDelete:
		delete(f.records, rest)
		w.WriteHeader(http.StatusNoContent)
	case op == "metadata" && (r.Method == "LIST" || r.Method == http.MethodGet):
		f.handleList(w, rest)
	default:
		respond(w, http.StatusNotFound, map[string]any{"errors": []string{}})
	}
}

func (f *fakeKV) handleRead(w http.ResponseWriter, path string) {
	rec := f.records[path]
	current := 0
	if rec != nil {
		current = len(rec.versions)
	}
	if rec == nil || current == 0 || rec.deleted[current] {
		respond(w, http.StatusNotFound, map[string]any{"errors": []string{}})
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"data":     map[string]any{"doc": rec.versions[current-1]},
			"metadata": map[string]any{"version": current},
		},
	})
	if f.afterRead != nil {
		hook := f.afterRead
		f.afterRead = nil
		hook()
	}
}

func (f *fakeKV) handleWrite(w http.ResponseWriter, r *http.Request, path string) {
	var body struct {
		Data    map[string]any `json:"data"`
		Options struct {
			CAS *int `json:"cas"`
		} `json:"options"`
	}
	raw, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(raw, &body); err != nil {
		respond(w, http.StatusBadRequest, map[string]any{"errors": []string{err.Error()}})
		return
	}

	rec := f.records[path]
	current := 0
	if rec != nil {
		current = len(rec.versions)
	}
	if body.Options.CAS != nil && *body.Options.CAS != current {
		respond(w, http.StatusBadRequest, map[string]any{
			"errors": []string{"check-and-set parameter did not match the current version"},
		})
		return
	}

	doc, _ := body.Data["doc"].(string)
	f.put(path, doc)
	respond(w, http.StatusOK, map[string]any{
		"data": map[string]any{"version": len(f.records[path].versions)},
	})
}

func (f *fakeKV) handleVersionDelete(w http.ResponseWriter, r *http.Request, path string) {
	var body struct {
		Versions []int `json:"versions"`
	}
	raw, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(raw, &body); err != nil {
		respond(w, http.StatusBadRequest, map[string]any{"errors": []string{err.Error()}})
		return
	}
	if rec := f.records[path]; rec != nil {
		for _, version := range body.Versions {
			rec.deleted[version] = true
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeKV) handleList(w http.ResponseWriter, prefix string) {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	var keys []string
	for path := range f.records {
		if strings.HasPrefix(path, prefix) {
			keys = append(keys, strings.TrimPrefix(path, prefix))
		}
	}
	if len(keys) == 0 {
		respond(w, http.StatusNotFound, map[string]any{"errors": []string{}})
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"data": map[string]any{"keys": keys},
	})
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newVaultUnderTest(t *testing.T) (*Vault, *fakeKV) {
	t.Helper()
	fake := newFakeKV()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewVault(srv.URL, "test-token", "secret", "pivd", logger)
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background(), testSchema()))
	return store, fake
}

func TestVaultConditionalPut(t *testing.T) {
	store, _ := newVaultUnderTest(t)
	ctx := context.Background()

	tag, err := store.Put(ctx, "tokens", "k1", doc(t, map[string]any{"guid": "G1"}), NoTag)
	require.NoError(t, err)
	assert.Equal(t, Tag("1"), tag)

	// Create-only put on an existing key loses the CAS race.
	_, err = store.Put(ctx, "tokens", "k1", doc(t, map[string]any{"guid": "G1"}), NoTag)
	assert.ErrorIs(t, err, ErrVersionConflict)

	tag2, err := store.Put(ctx, "tokens", "k1", doc(t, map[string]any{"guid": "G1", "pin": "1"}), tag)
	require.NoError(t, err)
	assert.Equal(t, Tag("2"), tag2)

	// The superseded tag no longer writes.
	_, err = store.Put(ctx, "tokens", "k1", doc(t, map[string]any{"guid": "G1"}), tag)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestVaultConditionalDelete(t *testing.T) {
	store, _ := newVaultUnderTest(t)
	ctx := context.Background()

	tag, err := store.Put(ctx, "tokens", "k1", doc(t, map[string]any{"guid": "G1"}), NoTag)
	require.NoError(t, err)
	tag2, err := store.Put(ctx, "tokens", "k1", doc(t, map[string]any{"guid": "G1", "pin": "1"}), tag)
	require.NoError(t, err)

	// A stale tag must not delete anything.
	err = store.Delete(ctx, "tokens", "k1", tag)
	assert.ErrorIs(t, err, ErrVersionConflict)
	_, gotTag, err := store.Get(ctx, "tokens", "k1")
	require.NoError(t, err)
	assert.Equal(t, tag2, gotTag)

	// The current tag deletes.
	require.NoError(t, store.Delete(ctx, "tokens", "k1", tag2))
	_, _, err = store.Get(ctx, "tokens", "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVaultDeleteDoesNotDestroyConcurrentWrite(t *testing.T) {
	store, fake := newVaultUnderTest(t)
	ctx := context.Background()

	tag, err := store.Put(ctx, "tokens", "k1", doc(t, map[string]any{"guid": "G1"}), NoTag)
	require.NoError(t, err)

	// A competing process writes a newer version right after the delete's
	// tag check read.
	fake.afterRead = func() {
		fake.put(fmt.Sprintf("%s/tokens/k1", "pivd"), `{"guid":"G1","pin":"2"}`)
	}

	err = store.Delete(ctx, "tokens", "k1", tag)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// The competing write survived; only the version the caller had read
	// was removed.
	raw, gotTag, err := store.Get(ctx, "tokens", "k1")
	require.NoError(t, err)
	assert.Equal(t, Tag("2"), gotTag)
	assert.Contains(t, string(raw), `"pin":"2"`)
}
