package archive

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/chassis-systems/piv-recovery-backend/bucket"
)

// NewFromURIs builds the archive sink from location URIs. The store's own
// history bucket is always included; additional URIs add external sinks.
//
// Supported schemes:
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-east-1&endpoint=...
//   - ipfs://host:port
func NewFromURIs(ctx context.Context, store bucket.Store, uris []string, log *slog.Logger) (Sink, error) {
	bucketSink, err := NewBucketSink(ctx, store, log)
	if err != nil {
		return nil, err
	}
	if len(uris) == 0 {
		return bucketSink, nil
	}

	sinks := []Sink{Sink(bucketSink)}
	for _, uri := range uris {
		sink, err := sinkFor(uri, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return NewMultiSink(sinks, log)
}

func sinkFor(uri string, log *slog.Logger) (Sink, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid archive URI %q: %w", uri, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "s3":
		region := u.Query().Get("region")
		if region == "" {
			region = "us-east-1"
		}
		var accessKey, secretKey string
		if u.User != nil {
			accessKey = u.User.Username()
			secretKey, _ = u.User.Password()
		}
		return NewS3Sink(u.Host, strings.TrimPrefix(u.Path, "/"), region, u.Query().Get("endpoint"), accessKey, secretKey, log)
	case "ipfs":
		port := u.Port()
		if port == "" {
			port = "5001"
		}
		return NewIPFSSink(u.Hostname(), port, log), nil
	default:
		return nil, fmt.Errorf("unsupported archive scheme: %s", u.Scheme)
	}
}
