// Package blob is the object-store surface the workers persist large
// artifacts through: facts batches, drift reports, filter history. The core
// only needs get/put by key; S3 is the production backend.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var ErrNotFound = errors.New("blob: key not found")

// Well-known key prefixes.
const (
	PrefixFacts         = "facts/"
	PrefixDrift         = "drift/"
	PrefixFilterHistory = "filters/history/"
)

// Store is the narrow object-store contract.
type Store interface {
	PutJSON(ctx context.Context, key string, v any) error
	GetJSON(ctx context.Context, key string, v any) error
	PutText(ctx context.Context, key, text string) error
	GetText(ctx context.Context, key string) (string, error)
}

// S3Store implements Store on one bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds the store from the ambient AWS config plus explicit
// region, endpoint and path-style overrides. MinIO-style endpoints need
// path-style addressing.
func NewS3Store(ctx context.Context, bucket, region, endpoint string, pathStyle bool) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("blob: aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle || endpoint != ""
	})
	return &S3Store{client: client, bucket: bucket}, nil
}

func (s *S3Store) put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("blob: put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", key, err)
	}
	return data, nil
}

func (s *S3Store) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("blob: marshal %s: %w", key, err)
	}
	return s.put(ctx, key, data, "application/json")
}

func (s *S3Store) GetJSON(ctx context.Context, key string, v any) error {
	data, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("blob: decode %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) PutText(ctx context.Context, key, text string) error {
	return s.put(ctx, key, []byte(text), "text/plain; charset=utf-8")
}

func (s *S3Store) GetText(ctx context.Context, key string) (string, error) {
	data, err := s.get(ctx, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

var _ Store = (*S3Store)(nil)
