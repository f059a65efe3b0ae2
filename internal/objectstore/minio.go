package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/quarry-ai/ragcore/internal/config"
	"github.com/quarry-ai/ragcore/internal/domain"
	"github.com/quarry-ai/ragcore/internal/observability"
)

// MinioStore implements Store against any S3-compatible endpoint (MinIO,
// AWS S3, Ceph RGW).
type MinioStore struct {
	client *minio.Client
	bucket string
	logger *observability.Logger
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore builds a client for the configured endpoint. It performs no
// network calls; call EnsureBucket once at startup.
func NewMinioStore(cfg config.ObjectStoreConfig, logger *observability.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	return &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.WithComponent("objectstore"),
	}, nil
}

// EnsureBucket creates the configured bucket if it does not already exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return domain.WrapError(domain.KindTransient, "check bucket", err)
	}
	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return domain.WrapError(domain.KindTransient, "create bucket", err)
	}

	s.logger.Info().Str("bucket", s.bucket).Msg("Created object store bucket")
	return nil
}

// Put writes data under key, overwriting any existing object.
func (s *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return classifyMinioError("put object", key, err)
	}
	return nil
}

// Get reads the full object at key, retrying once on a transient failure.
func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.getOnce(ctx, key)
	if err != nil && domain.IsKind(err, domain.KindTransient) {
		s.logger.Warn().Str("key", key).Err(err).Msg("Transient object read, retrying once")
		data, err = s.getOnce(ctx, key)
	}
	return data, err
}

func (s *MinioStore) getOnce(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinioError("get object", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyMinioError("read object", key, err)
	}
	return data, nil
}

// Delete removes the object at key. Missing keys are not an error.
func (s *MinioStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		classified := classifyMinioError("delete object", key, err)
		if domain.IsKind(classified, domain.KindNotFound) {
			return nil
		}
		return classified
	}
	return nil
}

// DeletePrefix lists and removes every object under prefix.
func (s *MinioStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	removed := 0
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return removed, classifyMinioError("list objects", prefix, info.Err)
		}

		if err := s.client.RemoveObject(ctx, s.bucket, info.Key, minio.RemoveObjectOptions{}); err != nil {
			return removed, classifyMinioError("delete object", info.Key, err)
		}
		removed++
	}

	return removed, nil
}

// PresignPut signs a single-use upload URL for key.
func (s *MinioStore) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	if contentType != "" {
		headers := http.Header{}
		headers.Set("Content-Type", contentType)
		u, err := s.client.PresignHeader(ctx, http.MethodPut, s.bucket, key, ttl, nil, headers)
		if err != nil {
			return "", classifyMinioError("presign put", key, err)
		}
		return u.String(), nil
	}

	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, ttl)
	if err != nil {
		return "", classifyMinioError("presign put", key, err)
	}
	return u.String(), nil
}

// classifyMinioError maps S3 error codes onto the shared taxonomy.
func classifyMinioError(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.KindTimeout, fmt.Sprintf("%s %s", op, key), err)
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return domain.WrapError(domain.KindNotFound, fmt.Sprintf("%s %s", op, key), err)
	case "SlowDown", "RequestTimeout":
		return domain.WrapError(domain.KindThrottled, fmt.Sprintf("%s %s", op, key), err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return domain.WrapError(domain.KindFatal, fmt.Sprintf("%s %s", op, key), err)
	}

	if resp.StatusCode >= 500 || resp.Code == "" {
		return domain.WrapError(domain.KindTransient, fmt.Sprintf("%s %s", op, key), err)
	}

	return domain.WrapError(domain.KindFatal, fmt.Sprintf("%s %s", op, key), err)
}
