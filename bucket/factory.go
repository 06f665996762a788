package bucket

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// NewFromURI creates a store backend from a location URI.
//
// Supported schemes:
//   - mem:// - in-memory store (tests, local development)
//   - file:///path - filesystem store
//   - vault://host:port/mount/base?token=... - Vault KV v2 store
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func NewFromURI(uri string, log *slog.Logger) (Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid store URI %q: %w", uri, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "mem":
		return NewMemory(), nil
	case "file":
		path := u.Path
		if u.Host != "" {
			path = u.Host + "/" + strings.TrimPrefix(path, "/")
		}
		if path == "" {
			return nil, fmt.Errorf("empty path in file URI %q", uri)
		}
		return NewFile(path, log)
	case "vault":
		parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("vault URI %q must be vault://host:port/mount/base", uri)
		}
		scheme := "https"
		if u.Query().Get("insecure") == "true" {
			scheme = "http"
		}
		address := ""
		if u.Host != "" {
			address = fmt.Sprintf("%s://%s", scheme, u.Host)
		}
		return NewVault(address, u.Query().Get("token"), parts[0], parts[1], log)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", u.Scheme)
	}
}
