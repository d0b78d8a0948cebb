package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"gopkg.in/yaml.v2"
)

// Mirror is a supplemental, best-effort replication target for recorded
// entries. It exists so a fixture set recorded once can be shared across
// CI runners without re-recording; it plays no part in spec.md's Lookup
// path and never affects hit/miss decisions, which always consult the
// local filesystem per spec.md §4.2.
type Mirror interface {
	// Push replicates the entry at relKey/method (already written to the
	// local store) to the mirror. Implementations must treat failures as
	// non-fatal to the caller: Push errors are logged, never returned to
	// an HTTP client.
	Push(ctx context.Context, relKey, method string, resp entrySnapshot) error
}

// entrySnapshot is the in-memory form of a CacheEntry, used to hand a
// just-stored response to a Mirror without re-reading it from disk.
type entrySnapshot struct {
	Status  int
	Headers [][2]string
	Body    []byte
}

// S3Mirror replicates cache entries to an S3-compatible bucket, keyed
// identically to the local filesystem layout (status/headers/body as
// three sibling objects under the same relative key).
//
// Grounded on internal/cache/s3.go's Put: a conditional PutObject with
// IfNoneMatch, treating a precondition-failed/conflict response as
// success rather than an error, since cache entries are immutable once
// written (the same rationale the teacher gives for content-addressed
// OCI blobs applies here — a recorded fixture's bytes don't change).
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Mirror builds an S3Mirror. Credentials, region, and endpoint are
// resolved via the AWS SDK's default credential chain (AWS_ACCESS_KEY_ID,
// AWS_SECRET_ACCESS_KEY, AWS_REGION, AWS_ENDPOINT_URL, instance profiles).
func NewS3Mirror(ctx context.Context, bucket, prefix string, forcePathStyle bool) (*S3Mirror, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = forcePathStyle
	})

	if prefix != "" {
		prefix = strings.TrimSuffix(prefix, "/") + "/"
	}

	return &S3Mirror{client: client, bucket: bucket, prefix: prefix}, nil
}

func (m *S3Mirror) objectKey(relKey, method, ext string) string {
	return m.prefix + relKey + "/" + method + ext
}

// Push uploads the three entry files. Each object is written with
// IfNoneMatch: "*"; a conflict means another writer (or a prior run)
// already replicated an identical entry, which Push treats as success.
func (m *S3Mirror) Push(ctx context.Context, relKey, method string, snap entrySnapshot) error {
	if err := m.putOnce(ctx, m.objectKey(relKey, method, bodyExt), bytes.NewReader(snap.Body)); err != nil {
		return fmt.Errorf("store: mirroring body: %w", err)
	}

	headerYAML, err := yaml.Marshal(snap.Headers)
	if err != nil {
		return fmt.Errorf("store: marshalling headers for mirror: %w", err)
	}
	if err := m.putOnce(ctx, m.objectKey(relKey, method, headersExt), bytes.NewReader(headerYAML)); err != nil {
		return fmt.Errorf("store: mirroring headers: %w", err)
	}

	statusBytes := []byte(fmt.Sprintf("%d\n", snap.Status))
	if err := m.putOnce(ctx, m.objectKey(relKey, method, statusExt), bytes.NewReader(statusBytes)); err != nil {
		return fmt.Errorf("store: mirroring status: %w", err)
	}

	slog.Debug("mirrored cache entry", "key", relKey, "method", method, "bucket", m.bucket)
	return nil
}

func (m *S3Mirror) putOnce(ctx context.Context, key string, body *bytes.Reader) error {
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        body,
		IfNoneMatch: aws.String("*"),
	}, func(o *s3.Options) {
		o.RetryMaxAttempts = 1
	})
	if err != nil {
		if isConditionalPutConflict(err) {
			return nil
		}
		return err
	}
	return nil
}

func isConditionalPutConflict(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusPreconditionFailed ||
			re.HTTPStatusCode() == http.StatusConflict
	}
	return false
}
