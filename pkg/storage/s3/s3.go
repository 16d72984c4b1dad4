// Package s3 provides an S3-backed storage backend.
//
// Storage Model:
//   - Content: {prefix}{id} -> stored bytes (possibly compressed)
//   - Metadata: {prefix}{id}.meta -> JSON(storage.Metadata)
//
// The aggregate MaxTotalSize cap is not enforced here: computing it would
// require a full bucket listing per Save. Bucket-level quotas belong to the
// bucket policy. Per-document caps, compression, and checksums apply through
// the shared codec exactly as in the local backends.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/tandem-dev/tandem/internal/telemetry"
	"github.com/tandem-dev/tandem/pkg/errors"
	"github.com/tandem-dev/tandem/pkg/storage"
)

const metaSuffix = ".meta"

// Config holds configuration for the S3 storage backend.
type Config struct {
	// Bucket is the S3 bucket name.
	Bucket string

	// Region is the AWS region (optional, uses SDK default if empty).
	Region string

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services).
	Endpoint string

	// KeyPrefix is prepended to all document keys (e.g., "documents/").
	// Should end with "/" if non-empty.
	KeyPrefix string

	// ForcePathStyle forces path-style addressing (required for MinIO/Localstack).
	ForcePathStyle bool

	// Storage holds the shared backend behaviour config.
	Storage storage.Config
}

// Store is an S3-backed implementation of storage.Store.
type Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	codec     *storage.Codec
}

var _ storage.Store = (*Store)(nil)

// New creates an S3 store with an existing client.
func New(client *s3.Client, cfg Config) (*Store, error) {
	codec, err := storage.NewCodec(cfg.Storage)
	if err != nil {
		return nil, err
	}
	return &Store{
		client:    client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		codec:     codec,
	}, nil
}

// NewFromConfig creates an S3 store by creating an S3 client from config.
// This is the preferred constructor when no S3 client exists yet.
func NewFromConfig(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return New(s3.NewFromConfig(awsCfg, s3Opts...), cfg)
}

func (s *Store) contentKey(id string) string { return s.keyPrefix + id }
func (s *Store) metaKey(id string) string    { return s.keyPrefix + id + metaSuffix }

// Save persists content under id.
func (s *Store) Save(ctx context.Context, id string, content []byte, version int64, custom map[string]string) (*storage.Metadata, error) {
	if id == "" {
		return nil, errors.NewInvalidArgumentError("document id must not be empty")
	}
	telemetry.SetAttributes(ctx,
		telemetry.Backend("s3"),
		telemetry.Bucket(s.bucket))

	prev, err := s.GetMetadata(ctx, id)
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}

	stored, meta, err := s.codec.Encode(id, content, version, custom, prev, 0)
	if err != nil {
		return nil, err
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	// Content first, metadata second: a crash between the two leaves the
	// previous metadata pointing at verifiable old-or-new bytes only when
	// checksumming is on, which Load surfaces as corruption rather than
	// silently serving a torn record.
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.contentKey(id)),
		Body:   bytes.NewReader(stored),
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to put content for %s: %w", id, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.metaKey(id)),
		Body:   bytes.NewReader(metaBytes),
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to put metadata for %s: %w", id, err)
	}

	return meta, nil
}

// Load returns the content and metadata for id.
func (s *Store) Load(ctx context.Context, id string) ([]byte, *storage.Metadata, error) {
	meta, err := s.GetMetadata(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.contentKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, errors.NewNotFoundError("document", id)
		}
		telemetry.RecordError(ctx, err)
		return nil, nil, fmt.Errorf("failed to get content for %s: %w", id, err)
	}
	defer func() { _ = out.Body.Close() }()

	stored, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read content for %s: %w", id, err)
	}

	content, err := s.codec.Decode(id, stored, meta)
	if err != nil {
		return nil, nil, err
	}
	return content, meta, nil
}

// Delete removes id. Returns false when id was absent.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	for _, key := range []string{s.contentKey(id), s.metaKey(id)} {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			telemetry.RecordError(ctx, err)
			return false, fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	return true, nil
}

// Exists reports whether id is present.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.metaKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head %s: %w", id, err)
	}
	return true, nil
}

// List returns up to limit ids with the given prefix, sorted.
// S3 lists keys in lexicographic order already.
func (s *Store) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	var ids []string
	var continuation *string

	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.keyPrefix + prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, metaSuffix) {
				continue
			}
			id := strings.TrimSuffix(strings.TrimPrefix(key, s.keyPrefix), metaSuffix)
			ids = append(ids, id)
			if limit > 0 && len(ids) >= limit {
				return ids, nil
			}
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuation = out.NextContinuationToken
	}
	return ids, nil
}

// GetMetadata returns the metadata for id without loading content.
func (s *Store) GetMetadata(ctx context.Context, id string) (*storage.Metadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.metaKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.NewNotFoundError("document", id)
		}
		return nil, fmt.Errorf("failed to get metadata for %s: %w", id, err)
	}
	defer func() { _ = out.Body.Close() }()

	var meta storage.Metadata
	if err := json.NewDecoder(out.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", id, err)
	}
	return &meta, nil
}

// GetStats returns backend occupancy statistics by walking metadata keys.
func (s *Store) GetStats(ctx context.Context) (*storage.Stats, error) {
	ids, err := s.List(ctx, "", 0)
	if err != nil {
		return nil, err
	}

	stats := &storage.Stats{DocumentCount: int64(len(ids))}
	for _, id := range ids {
		meta, err := s.GetMetadata(ctx, id)
		if errors.IsNotFound(err) {
			continue // deleted between list and stat
		}
		if err != nil {
			return nil, err
		}
		stats.TotalBytes += meta.Size
	}
	return stats, nil
}

// Close is a no-op; the S3 client holds no local resources.
func (s *Store) Close() error {
	return nil
}

// isNotFound reports whether err is an S3 missing-key error.
func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return stderrors.As(err, &noKey) || stderrors.As(err, &notFound)
}
