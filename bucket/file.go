package bucket

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// File is a Store backed by the local filesystem, one directory per bucket
// and one JSON file per record. Version tags are content hashes, with
// conditional writes serialized by a process-local mutex — suitable for
// local development and single-process deployments only.
type File struct {
	baseDir string
	log     *slog.Logger

	mu      sync.Mutex
	schemas map[string]Schema
}

// NewFile creates a filesystem-backed store rooted at baseDir.
func NewFile(baseDir string, log *slog.Logger) (*File, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}
	return &File{
		baseDir: baseDir,
		log:     log,
		schemas: make(map[string]Schema),
	}, nil
}

func (f *File) bucketDir(bucket string) string {
	return filepath.Join(f.baseDir, url.PathEscape(bucket))
}

func (f *File) keyPath(bucket, key string) string {
	return filepath.Join(f.bucketDir(bucket), url.PathEscape(key)+".json")
}

func contentTag(encoded []byte) Tag {
	sum := sha256.Sum256(encoded)
	return Tag(hex.EncodeToString(sum[:16]))
}

func (f *File) Init(_ context.Context, schema Schema) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.schemas[schema.Name] = schema
	dir := f.bucketDir(schema.Name)
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating bucket %q: %w", schema.Name, err)
	}
	doc, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, schemaKey+".json"), doc, 0o644); err != nil {
		return fmt.Errorf("writing schema for bucket %q: %w", schema.Name, err)
	}
	f.log.Info("created bucket", "bucket", schema.Name, "schemaVersion", schema.Version)
	return nil
}

func (f *File) Get(_ context.Context, bucket, key string) (json.RawMessage, Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	encoded, tag, err := f.readLocked(bucket, key)
	if err != nil {
		return nil, NoTag, err
	}
	decoded, err := decodeArrays(f.schemas[bucket], encoded)
	if err != nil {
		return nil, NoTag, err
	}
	return decoded, tag, nil
}

func (f *File) Put(_ context.Context, bucket, key string, value json.RawMessage, expect Tag) (Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.bucketDir(bucket)); err != nil {
		return NoTag, fmt.Errorf("bucket %q: %w", bucket, ErrNotFound)
	}

	_, current, err := f.readLocked(bucket, key)
	exists := err == nil
	if err != nil && !isNotFound(err) {
		return NoTag, err
	}
	switch {
	case expect == NoTag && exists:
		return NoTag, fmt.Errorf("%s/%s already exists: %w", bucket, key, ErrVersionConflict)
	case expect != NoTag && !exists:
		return NoTag, fmt.Errorf("%s/%s: %w", bucket, key, ErrVersionConflict)
	case expect != NoTag && current != expect:
		return NoTag, fmt.Errorf("%s/%s: %w", bucket, key, ErrVersionConflict)
	}

	encoded, err := encodeArrays(f.schemas[bucket], value)
	if err != nil {
		return NoTag, err
	}

	path := f.keyPath(bucket, key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return NoTag, fmt.Errorf("writing %s/%s: %w", bucket, key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return NoTag, fmt.Errorf("writing %s/%s: %w", bucket, key, err)
	}
	return contentTag(encoded), nil
}

func (f *File) Delete(_ context.Context, bucket, key string, expect Tag) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, current, err := f.readLocked(bucket, key)
	if err != nil {
		return err
	}
	if expect != NoTag && current != expect {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrVersionConflict)
	}
	if err := os.Remove(f.keyPath(bucket, key)); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (f *File) List(_ context.Context, bucket string, filter *Filter, opts ListOptions) ([]Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	schema := f.schemas[bucket]
	if err := filter.Validate(schema); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(f.bucketDir(bucket))
	if err != nil {
		return nil, fmt.Errorf("bucket %q: %w", bucket, ErrNotFound)
	}

	var items []Item
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".json")
		key, err := url.PathUnescape(name)
		if err != nil || key == schemaKey || entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		encoded, tag, err := f.readLocked(bucket, key)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		match, err := matches(schema, filter, encoded)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		decoded, err := decodeArrays(schema, encoded)
		if err != nil {
			return nil, err
		}
		items = append(items, Item{Key: key, Value: decoded, Tag: tag})
	}

	return sortAndPage(schema, items, opts), nil
}

func (f *File) readLocked(bucket, key string) (json.RawMessage, Tag, error) {
	encoded, err := os.ReadFile(f.keyPath(bucket, key))
	if os.IsNotExist(err) {
		return nil, NoTag, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	if err != nil {
		return nil, NoTag, fmt.Errorf("reading %s/%s: %w", bucket, key, err)
	}
	return encoded, contentTag(encoded), nil
}
