package bucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// schemaKey is the reserved key under which Init records a bucket's schema.
const schemaKey = "__schema__"

// Vault is a Store backed by HashiCorp Vault's KV v2 secrets engine. KV v2
// check-and-set versions are used directly as version tags, so conditional
// writes are atomic on the server even with multiple pivd processes behind a
// load balancer.
type Vault struct {
	client *vault.Client
	mount  string
	base   string
	log    *slog.Logger

	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewVault creates a Vault-backed store. Address and token fall back to the
// standard VAULT_ADDR/VAULT_TOKEN environment when empty. mount is the KV v2
// mount path (e.g. "secret"), base the path prefix within it.
func NewVault(address, token, mount, base string, log *slog.Logger) (*Vault, error) {
	config := vault.DefaultConfig()
	if address != "" {
		config.Address = address
	}
	config.Timeout = 30 * time.Second

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mount = strings.Trim(mount, "/")
	base = strings.Trim(base, "/")

	return &Vault{
		client:  client,
		mount:   mount,
		base:    base,
		log:     log,
		schemas: make(map[string]Schema),
	}, nil
}

func (v *Vault) dataPath(bucket, key string) string {
	return fmt.Sprintf("%s/data/%s/%s/%s", v.mount, v.base, bucket, key)
}

func (v *Vault) metadataPath(bucket, key string) string {
	return fmt.Sprintf("%s/metadata/%s/%s/%s", v.mount, v.base, bucket, key)
}

func (v *Vault) deletePath(bucket, key string) string {
	return fmt.Sprintf("%s/delete/%s/%s/%s", v.mount, v.base, bucket, key)
}

func (v *Vault) listPath(bucket string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", v.mount, v.base, bucket)
}

func (v *Vault) schema(bucket string) Schema {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.schemas[bucket]
}

func (v *Vault) Init(ctx context.Context, schema Schema) error {
	v.mu.Lock()
	v.schemas[schema.Name] = schema
	v.mu.Unlock()

	_, _, err := v.read(ctx, schema.Name, schemaKey)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("checking bucket %q: %w", schema.Name, err)
	}

	doc, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	if _, err := v.write(ctx, schema.Name, schemaKey, doc, 0); err != nil {
		if isCASMismatch(err) {
			// Another process created the bucket between our read and write.
			return nil
		}
		return fmt.Errorf("creating bucket %q: %w", schema.Name, err)
	}
	v.log.Info("created bucket", "bucket", schema.Name, "schemaVersion", schema.Version)
	return nil
}

func (v *Vault) Get(ctx context.Context, bucket, key string) (json.RawMessage, Tag, error) {
	encoded, tag, err := v.read(ctx, bucket, key)
	if err != nil {
		return nil, NoTag, err
	}
	decoded, err := decodeArrays(v.schema(bucket), encoded)
	if err != nil {
		return nil, NoTag, err
	}
	return decoded, tag, nil
}

func (v *Vault) Put(ctx context.Context, bucket, key string, value json.RawMessage, expect Tag) (Tag, error) {
	encoded, err := encodeArrays(v.schema(bucket), value)
	if err != nil {
		return NoTag, err
	}

	cas := 0
	if expect != NoTag {
		cas, err = strconv.Atoi(string(expect))
		if err != nil {
			return NoTag, fmt.Errorf("%s/%s: malformed version tag %q: %w", bucket, key, expect, ErrVersionConflict)
		}
	}

	tag, err := v.write(ctx, bucket, key, encoded, cas)
	if err != nil {
		if isCASMismatch(err) {
			return NoTag, fmt.Errorf("%s/%s: %w", bucket, key, ErrVersionConflict)
		}
		return NoTag, fmt.Errorf("writing %s/%s: %w", bucket, key, err)
	}
	return tag, nil
}

func (v *Vault) Delete(ctx context.Context, bucket, key string, expect Tag) error {
	_, tag, err := v.read(ctx, bucket, key)
	if err != nil {
		return err
	}

	if expect == NoTag {
		// Unconditional: drop the record and its whole version history.
		if _, err := v.client.Logical().DeleteWithContext(ctx, v.metadataPath(bucket, key)); err != nil {
			return fmt.Errorf("deleting %s/%s: %w", bucket, key, err)
		}
		return nil
	}

	if tag != expect {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrVersionConflict)
	}
	version, err := strconv.Atoi(string(expect))
	if err != nil {
		return fmt.Errorf("%s/%s: malformed version tag %q: %w", bucket, key, expect, ErrVersionConflict)
	}

	// Version-scoped soft delete: only the expected version is removed, so
	// a write that lands between our read and this call can never be
	// destroyed by a stale caller. The metadata shell stays behind; List
	// tolerates keys whose current version is deleted.
	if _, err := v.client.Logical().WriteWithContext(ctx, v.deletePath(bucket, key), map[string]any{
		"versions": []int{version},
	}); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", bucket, key, err)
	}

	// If a newer version landed concurrently it is still live; surface that
	// as a conflict like any other stale write.
	if _, _, err := v.read(ctx, bucket, key); err == nil {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrVersionConflict)
	} else if !isNotFound(err) {
		return err
	}
	return nil
}

func (v *Vault) List(ctx context.Context, bucket string, filter *Filter, opts ListOptions) ([]Item, error) {
	schema := v.schema(bucket)
	if err := filter.Validate(schema); err != nil {
		return nil, err
	}

	secret, err := v.client.Logical().ListWithContext(ctx, v.listPath(bucket))
	if err != nil {
		return nil, fmt.Errorf("listing bucket %q: %w", bucket, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("bucket %q: %w", bucket, ErrNotFound)
	}
	rawKeys, ok := secret.Data["keys"].([]any)
	if !ok {
		return []Item{}, nil
	}

	items := make([]Item, 0, len(rawKeys))
	for _, rk := range rawKeys {
		key, ok := rk.(string)
		if !ok || key == schemaKey {
			continue
		}
		encoded, tag, err := v.read(ctx, bucket, key)
		if err != nil {
			if isNotFound(err) {
				// Deleted between list and read.
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

// read returns the stored (encoded) document and its KV v2 version tag.
func (v *Vault) read(ctx context.Context, bucket, key string) (json.RawMessage, Tag, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.dataPath(bucket, key))
	if err != nil {
		return nil, NoTag, fmt.Errorf("reading %s/%s: %w", bucket, key, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, NoTag, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}

	data, ok := secret.Data["data"].(map[string]any)
	if !ok || data == nil {
		// KV v2 keeps metadata for deleted versions; treat as absent.
		return nil, NoTag, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	doc, ok := data["doc"].(string)
	if !ok {
		return nil, NoTag, fmt.Errorf("%s/%s: malformed stored document", bucket, key)
	}

	metadata, ok := secret.Data["metadata"].(map[string]any)
	if !ok {
		return nil, NoTag, fmt.Errorf("%s/%s: missing version metadata", bucket, key)
	}
	version, ok := metadata["version"].(json.Number)
	if !ok {
		return nil, NoTag, fmt.Errorf("%s/%s: missing version metadata", bucket, key)
	}

	return json.RawMessage(doc), Tag(version.String()), nil
}

// write performs a KV v2 check-and-set write and returns the new version tag.
func (v *Vault) write(ctx context.Context, bucket, key string, encoded json.RawMessage, cas int) (Tag, error) {
	payload := map[string]any{
		"data":    map[string]any{"doc": string(encoded)},
		"options": map[string]any{"cas": cas},
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, v.dataPath(bucket, key), payload)
	if err != nil {
		return NoTag, err
	}
	if secret != nil && secret.Data != nil {
		if version, ok := secret.Data["version"].(json.Number); ok {
			return Tag(version.String()), nil
		}
	}
	// Older Vault versions omit the write response body; re-read for the tag.
	_, tag, err := v.read(ctx, bucket, key)
	return tag, err
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func isCASMismatch(err error) bool {
	return err != nil && strings.Contains(err.Error(), "check-and-set parameter did not match")
}
