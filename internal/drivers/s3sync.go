// Package drivers implements the file transfer primitive over S3-compatible
// object storage.
package drivers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/FairForge/geofailover/internal/storage"
)

// checksumKey is the object metadata entry carrying the sha256 we wrote
const checksumKey = "geofailover-sha256"

// BucketConfig locates one site's object store
type BucketConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
}

type siteBucket struct {
	client *s3.Client
	bucket string
	prefix string
}

func (b *siteBucket) key(rel string) string {
	if b.prefix == "" {
		return rel
	}
	return path.Join(b.prefix, rel)
}

// S3Sync copies changed objects between sites' buckets and verifies content
type S3Sync struct {
	logger *zap.Logger
	retry  *RetryPolicy

	mu      sync.RWMutex
	buckets map[string]*siteBucket
}

// NewS3Sync creates a file transfer primitive with no sites attached
func NewS3Sync(logger *zap.Logger) *S3Sync {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("s3sync")
	return &S3Sync{
		logger:  logger,
		retry:   NewRetryPolicy(WithLogger(logger)),
		buckets: make(map[string]*siteBucket),
	}
}

// AddSite attaches a site's bucket
func (s *S3Sync) AddSite(siteID string, cfg BucketConfig) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(cfg.Endpoint),
		Region:       region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		),
		UsePathStyle:               true,
		HTTPClient:                 &http.Client{Timeout: 5 * time.Minute},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[siteID] = &siteBucket{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

func (s *S3Sync) site(id string) (*siteBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownSite, id)
	}
	return b, nil
}

type listing struct {
	size     int64
	etag     string
	modified time.Time
}

func (s *S3Sync) list(ctx context.Context, b *siteBucket) (map[string]listing, error) {
	prefix := ""
	if b.prefix != "" {
		prefix = b.prefix + "/"
	}

	out := make(map[string]listing)
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list bucket %s: %w", b.bucket, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(key, prefix)
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}
			out[rel] = listing{
				size:     aws.ToInt64(obj.Size),
				etag:     strings.Trim(aws.ToString(obj.ETag), `"`),
				modified: aws.ToTime(obj.LastModified),
			}
		}
	}
	return out, nil
}

// ListChanges returns source objects missing on the target, or changed since
// the given time. A zero since compares the full listing.
func (s *S3Sync) ListChanges(ctx context.Context, source, target string, since time.Time) ([]storage.Object, error) {
	src, err := s.site(source)
	if err != nil {
		return nil, err
	}
	dst, err := s.site(target)
	if err != nil {
		return nil, err
	}

	srcObjs, err := s.list(ctx, src)
	if err != nil {
		return nil, err
	}
	dstObjs, err := s.list(ctx, dst)
	if err != nil {
		return nil, err
	}

	var changes []storage.Object
	for rel, o := range srcObjs {
		d, exists := dstObjs[rel]
		differs := !exists || d.size != o.size || d.etag != o.etag
		if !differs {
			continue
		}
		if exists && !since.IsZero() && !o.modified.After(since) {
			continue
		}
		changes = append(changes, storage.Object{
			Source:     source,
			Target:     target,
			Key:        rel,
			Size:       o.size,
			ETag:       o.etag,
			ModifiedAt: o.modified,
		})
	}
	return changes, nil
}

// CopyAndVerify copies one object and reads it back from the target. It
// returns false when the target content's sha256 differs from the source's.
func (s *S3Sync) CopyAndVerify(ctx context.Context, obj storage.Object) (bool, error) {
	src, err := s.site(obj.Source)
	if err != nil {
		return false, err
	}
	dst, err := s.site(obj.Target)
	if err != nil {
		return false, err
	}

	data, err := s.read(ctx, src, obj.Key)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(data)
	want := hex.EncodeToString(sum[:])

	err = s.retry.Execute(ctx, "put "+obj.Key, func(ctx context.Context) error {
		_, err := dst.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:   aws.String(dst.bucket),
			Key:      aws.String(dst.key(obj.Key)),
			Body:     bytes.NewReader(data),
			Metadata: map[string]string{checksumKey: want},
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("put object %s: %w", obj.Key, err)
	}

	copied, err := s.read(ctx, dst, obj.Key)
	if err != nil {
		return false, fmt.Errorf("verify %s: %w", obj.Key, err)
	}
	got := sha256.Sum256(copied)
	if hex.EncodeToString(got[:]) != want {
		s.logger.Warn("checksum mismatch after copy",
			zap.String("key", obj.Key),
			zap.String("source", obj.Source),
			zap.String("target", obj.Target))
		return false, nil
	}

	s.logger.Debug("object replicated",
		zap.String("key", obj.Key),
		zap.Int("bytes", len(data)),
		zap.String("target", obj.Target))
	return true, nil
}

func (s *S3Sync) read(ctx context.Context, b *siteBucket, rel string) ([]byte, error) {
	key := b.key(rel)
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// HasSite reports whether a bucket is attached for the site
func (s *S3Sync) HasSite(siteID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[siteID]
	return ok
}

// HealthCheck verifies the site's bucket is reachable
func (s *S3Sync) HealthCheck(ctx context.Context, siteID string) error {
	b, err := s.site(siteID)
	if err != nil {
		return err
	}
	_, err = b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}
