package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"plate-pipeline/internal/config"
	"plate-pipeline/internal/domain/plate"
)

// Uploader persists image bytes to S3-compatible object storage under the
// deterministic key scheme and hands back a ThumbnailRef. Transient put
// failures are retried with bounded exponential backoff; a permanent
// failure surfaces as ErrThumbnailUpload and the caller proceeds without
// the ref.
type Uploader struct {
	client  *minio.Client
	cfg     config.Storage
	retries int
	log     zerolog.Logger
}

func NewUploader(cfg config.Storage, retries int, log zerolog.Logger) (*Uploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object storage client: %w", err)
	}
	if retries < 1 {
		retries = 1
	}
	return &Uploader{client: client, cfg: cfg, retries: retries, log: log}, nil
}

// EnsureBucket creates the thumbnail bucket when it does not exist yet.
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("bucket check: %w", err)
	}
	if exists {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("bucket create: %w", err)
	}
	u.log.Info().Str("bucket", u.cfg.Bucket).Msg("created thumbnail bucket")
	return nil
}

func (u *Uploader) Upload(ctx context.Context, data []byte, meta ObjectMeta) (plate.ThumbnailRef, error) {
	key := ObjectKey(meta, data)
	contentType := DetectContentType(data)

	put := func() error {
		_, err := u.client.PutObject(ctx, u.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{
				ContentType: contentType,
				UserMetadata: map[string]string{
					"plate-number": meta.PlateNumber,
					"event-id":     meta.EventID,
					"image-kind":   string(meta.Kind),
				},
			})
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(u.retries-1)), ctx)
	if err := backoff.Retry(put, policy); err != nil {
		return plate.ThumbnailRef{}, fmt.Errorf("%w: %s: %v", plate.ErrThumbnailUpload, key, err)
	}

	publicURL, err := u.objectURL(ctx, key)
	if err != nil {
		// the object is stored; a presign failure only loses the URL
		u.log.Warn().Err(err).Str("key", key).Msg("could not build object URL")
	}

	u.log.Info().
		Str("key", key).
		Str("plate", meta.PlateNumber).
		Str("kind", string(meta.Kind)).
		Int("size", len(data)).
		Msg("uploaded thumbnail")

	return plate.ThumbnailRef{
		StoragePath: fmt.Sprintf("s3://%s/%s", u.cfg.Bucket, key),
		PublicURL:   publicURL,
		SizeBytes:   int64(len(data)),
		ContentType: contentType,
		UploadedAt:  time.Now().UTC(),
	}, nil
}

// objectURL returns a direct URL for public buckets, otherwise a
// time-limited presigned URL.
func (u *Uploader) objectURL(ctx context.Context, key string) (string, error) {
	if u.cfg.PublicBucket {
		scheme := "http"
		if u.cfg.UseSSL {
			scheme = "https"
		}
		return fmt.Sprintf("%s://%s/%s/%s", scheme, u.cfg.Endpoint, u.cfg.Bucket, key), nil
	}
	signed, err := u.client.PresignedGetObject(ctx, u.cfg.Bucket, key, u.cfg.PresignExpiry, url.Values{})
	if err != nil {
		return "", err
	}
	return signed.String(), nil
}
