package bucket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-memory Store intended for tests and local development.
type Memory struct {
	mu      sync.RWMutex
	schemas map[string]Schema
	buckets map[string]map[string]memEntry
}

type memEntry struct {
	value json.RawMessage
	tag   Tag
}

// NewMemory returns a ready to use in-memory store.
func NewMemory() *Memory {
	return &Memory{
		schemas: make(map[string]Schema),
		buckets: make(map[string]map[string]memEntry),
	}
}

func (m *Memory) Init(_ context.Context, schema Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[schema.Name]; ok {
		return nil
	}
	m.schemas[schema.Name] = schema
	m.buckets[schema.Name] = make(map[string]memEntry)
	return nil
}

func (m *Memory) Get(_ context.Context, bucket, key string) (json.RawMessage, Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.buckets[bucket]
	if !ok {
		return nil, NoTag, fmt.Errorf("bucket %q: %w", bucket, ErrNotFound)
	}
	entry, ok := b[key]
	if !ok {
		return nil, NoTag, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	decoded, err := decodeArrays(m.schemas[bucket], entry.value)
	if err != nil {
		return nil, NoTag, err
	}
	return decoded, entry.tag, nil
}

func (m *Memory) Put(_ context.Context, bucket, key string, value json.RawMessage, expect Tag) (Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[bucket]
	if !ok {
		return NoTag, fmt.Errorf("bucket %q: %w", bucket, ErrNotFound)
	}

	current, exists := b[key]
	switch {
	case expect == NoTag && exists:
		return NoTag, fmt.Errorf("%s/%s already exists: %w", bucket, key, ErrVersionConflict)
	case expect != NoTag && !exists:
		return NoTag, fmt.Errorf("%s/%s: %w", bucket, key, ErrVersionConflict)
	case expect != NoTag && current.tag != expect:
		return NoTag, fmt.Errorf("%s/%s: %w", bucket, key, ErrVersionConflict)
	}

	encoded, err := encodeArrays(m.schemas[bucket], value)
	if err != nil {
		return NoTag, err
	}

	tag := Tag(uuid.NewString())
	b[key] = memEntry{value: encoded, tag: tag}
	return tag, nil
}

func (m *Memory) Delete(_ context.Context, bucket, key string, expect Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[bucket]
	if !ok {
		return fmt.Errorf("bucket %q: %w", bucket, ErrNotFound)
	}
	current, exists := b[key]
	if !exists {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	if expect != NoTag && current.tag != expect {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrVersionConflict)
	}
	delete(b, key)
	return nil
}

func (m *Memory) List(_ context.Context, bucket string, filter *Filter, opts ListOptions) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("bucket %q: %w", bucket, ErrNotFound)
	}
	schema := m.schemas[bucket]
	if err := filter.Validate(schema); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(b))
	for key, entry := range b {
		ok, err := matches(schema, filter, entry.value)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		decoded, err := decodeArrays(schema, entry.value)
		if err != nil {
			return nil, err
		}
		items = append(items, Item{Key: key, Value: decoded, Tag: entry.tag})
	}

	return sortAndPage(schema, items, opts), nil
}
