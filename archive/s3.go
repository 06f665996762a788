package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"context"
)

// S3Sink archives history entries to Amazon S3 or a compatible object store.
// Entries are immutable, so plain PutObject is sufficient; no conditional
// write support is needed from the service.
type S3Sink struct {
	client     *s3.S3
	bucketName string
	prefix     string
	log        *slog.Logger
}

// NewS3Sink creates an S3 archive sink. If accessKey and secretKey are
// empty, the default AWS credential chain is used.
func NewS3Sink(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Sink, error) {
	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}

	return &S3Sink{
		client:     s3.New(sess),
		bucketName: bucketName,
		prefix:     prefix,
		log:        log,
	}, nil
}

func (s *S3Sink) Append(ctx context.Context, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	key := path.Join(s.prefix, entry.StorageKey())
	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archiving %s/%s to s3: %w", entry.Kind, entry.Key, err)
	}

	s.log.Debug("archived record to s3", "kind", entry.Kind, "key", entry.Key, "object", key)
	return nil
}

func (s *S3Sink) Name() string {
	return fmt.Sprintf("s3-%s", s.bucketName)
}
