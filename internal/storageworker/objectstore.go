// Package storageworker implements the storage worker pool (C4): one worker
// process per size tier, each pulling from its tier's durable consumer and
// running the parse -> chunk -> embed -> upsert -> ack pipeline.
package storageworker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore streams the bytes addressed by an ingest event's URI. A URI has
// the form "buckets/{tenant_id}/{key...}"; the tenant segment is already
// validated by the ingress router before the event ever reaches a worker.
type ObjectStore interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// S3ObjectStore opens objects from a single S3-compatible bucket, treating
// the full "buckets/{tenant_id}/{key...}" URI as the object key — mirroring
// how the bucket path convention is defined end to end, from ingress
// classification through to the worker that finally reads the bytes.
type S3ObjectStore struct {
	client *s3.Client
	bucket string
}

// NewS3ObjectStore loads the default AWS config chain (env vars, shared
// config file, EC2/ECS role) and constructs a client bound to bucket. A
// non-empty endpoint overrides the default AWS endpoint resolution, for
// S3-compatible stores such as MinIO.
func NewS3ObjectStore(ctx context.Context, bucket, endpoint string) (*S3ObjectStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("storageworker: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3ObjectStore{client: client, bucket: bucket}, nil
}

// Open downloads the object named by uri's key portion. The caller must
// close the returned reader.
func (s *S3ObjectStore) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	key, err := objectKey(uri)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("storageworker: get object %q: %w", key, err)
	}
	return out.Body, nil
}

// objectKey checks that uri starts with "buckets/" and returns it unchanged
// as the storage key — the tenant segment stays part of the key so objects
// from different tenants never collide in a shared bucket.
func objectKey(uri string) (string, error) {
	const prefix = "buckets/"
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("storageworker: uri %q does not start with %q", uri, prefix)
	}
	return uri, nil
}

// extension returns the lowercase file extension of uri, without a leading
// dot, or "" if uri has none.
func extension(uri string) string {
	idx := strings.LastIndexByte(uri, '.')
	if idx < 0 || idx == len(uri)-1 {
		return ""
	}
	slash := strings.LastIndexByte(uri, '/')
	if idx < slash {
		return ""
	}
	return strings.ToLower(uri[idx+1:])
}
