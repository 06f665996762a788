package bucket

import (
	"context"
	"encoding/json"
)

// WithPrefix wraps a store so every bucket name is prefixed. Test suites use
// distinct prefixes to share one backing store without interference. The
// prefix is explicit constructor input, never process-global state.
func WithPrefix(s Store, prefix string) Store {
	if prefix == "" {
		return s
	}
	return &prefixed{inner: s, prefix: prefix}
}

type prefixed struct {
	inner  Store
	prefix string
}

func (p *prefixed) name(bucket string) string { return p.prefix + bucket }

func (p *prefixed) Init(ctx context.Context, schema Schema) error {
	schema.Name = p.name(schema.Name)
	return p.inner.Init(ctx, schema)
}

func (p *prefixed) Get(ctx context.Context, bucket, key string) (json.RawMessage, Tag, error) {
	return p.inner.Get(ctx, p.name(bucket), key)
}

func (p *prefixed) Put(ctx context.Context, bucket, key string, value json.RawMessage, expect Tag) (Tag, error) {
	return p.inner.Put(ctx, p.name(bucket), key, value, expect)
}

func (p *prefixed) Delete(ctx context.Context, bucket, key string, expect Tag) error {
	return p.inner.Delete(ctx, p.name(bucket), key, expect)
}

func (p *prefixed) List(ctx context.Context, bucket string, filter *Filter, opts ListOptions) ([]Item, error) {
	return p.inner.List(ctx, p.name(bucket), filter, opts)
}
