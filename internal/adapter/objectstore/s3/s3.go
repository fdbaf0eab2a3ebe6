// Package s3 adapts an S3-compatible object store to the
// domain.ObjectStore port. It speaks aws-sdk-go-v2 and supports
// endpoint override with path-style addressing for MinIO-style local
// stores.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fairyhunter13/woo-catalog-sync/internal/config"
	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
)

const getRetries = 3

// Store implements domain.ObjectStore over an *s3.Client.
type Store struct {
	client    *awss3.Client
	baseDelay time.Duration
}

// New builds a Store from configuration. Static credentials take
// precedence; otherwise the default provider chain applies.
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
		// The adapter owns its retry loop; stacking the SDK's on top
		// multiplies the worst case.
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		if cfg.S3ForcePathStyle || cfg.S3Endpoint != "" {
			o.UsePathStyle = true
		}
	})
	return &Store{client: client, baseDelay: time.Second}, nil
}

// NewWithClient wraps a prebuilt client. Tests use this.
func NewWithClient(client *awss3.Client) *Store {
	return &Store{client: client, baseDelay: time.Second}
}

// ListFolders returns the bucket's top-level folder names, trailing
// slash stripped.
func (s *Store) ListFolders(ctx context.Context, bucket string) ([]string, error) {
	var folders []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list folders in %s: %w", bucket, err)
		}
		for _, p := range out.CommonPrefixes {
			if p.Prefix == nil {
				continue
			}
			folders = append(folders, strings.TrimSuffix(*p.Prefix, "/"))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return folders, nil
}

// ListObjects returns every object key under prefix.
func (s *Store) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list objects %s/%s: %w", bucket, prefix, err)
		}
		for _, o := range out.Contents {
			if o.Key == nil {
				continue
			}
			keys = append(keys, *o.Key)
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

// Get downloads one object body whole. Transient transport failures
// retry with exponential backoff capped at 30s; the final error wraps
// domain.ErrUnavailable so callers can tell infrastructure trouble from
// bad input.
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= getRetries; attempt++ {
		if attempt > 0 {
			delay := s.baseDelay << uint(attempt)
			if delay > 30*time.Second {
				delay = 30 * time.Second
			}
			slog.Warn("object fetch retrying",
				slog.String("bucket", bucket),
				slog.String("key", key),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var noKey *types.NoSuchKey
			if errors.As(err, &noKey) {
				return nil, fmt.Errorf("get %s/%s: %w", bucket, key, domain.ErrNotFound)
			}
			lastErr = err
			continue
		}
		body, err := io.ReadAll(out.Body)
		_ = out.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return body, nil
	}
	return nil, fmt.Errorf("get %s/%s after %d attempts: %v: %w",
		bucket, key, getRetries+1, lastErr, domain.ErrUnavailable)
}
