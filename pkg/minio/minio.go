package minio

import (
	"bytes"
	"context"
	"fmt"

	"musicgen-controlplane/pkg/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Client = fx.Module("minio.client", fx.Provide(New))

// Store keeps JSON snapshots in a single bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// New connects to MINIO.ENDPOINT and makes sure the bucket exists on start.
// It returns a nil store when no endpoint is configured.
func New(lc fx.Lifecycle, c *config.Config) (*Store, error) {
	if c.Minio.Endpoint == "" {
		zap.L().Info("[MinIO] endpoint not configured, snapshots disabled")
		return nil, nil
	}

	client, err := minio.New(c.Minio.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Minio.AccessKey, c.Minio.SecretKey, ""),
		Secure: c.Minio.Secure,
		Region: c.Minio.Region,
	})
	if err != nil {
		zap.L().Error("[MinIO] failed to create client", zap.String("endpoint", c.Minio.Endpoint), zap.Error(err))
		return nil, err
	}

	s := NewStore(client, c.Minio.BucketName)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := s.EnsureBucket(ctx); err != nil {
				return err
			}
			zap.L().Info("[MinIO] client initialized", zap.String("endpoint", c.Minio.Endpoint), zap.String("bucket", s.bucket))
			return nil
		},
	})
	return s, nil
}

func NewStore(client *minio.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// PutSnapshot stores body under key, replacing any previous object.
func (s *Store) PutSnapshot(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", s.bucket, key, err)
	}
	return nil
}
