package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint string
	Access   string
	Secret   string
	UseSSL   bool
	Region   string
}

// MinioClient talks to any S3-compatible endpoint, including GCS through
// its interoperability API.
type MinioClient struct {
	minio *minio.Client
}

func NewMinioClient(cfg Config) (*MinioClient, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinioClient{minio: mc}, nil
}

func (c *MinioClient) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.minio.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := c.minio.BucketExists(ctx, bucket)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}

	return nil
}

func (c *MinioClient) Download(ctx context.Context, bucket, objectName, localPath string) error {
	if err := c.minio.FGetObject(ctx, bucket, objectName, localPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("get object %s/%s: %w", bucket, objectName, err)
	}
	return nil
}

// Metadata returns user metadata with the x-amz-meta- prefix removed.
func (c *MinioClient) Metadata(ctx context.Context, bucket, objectName string) (map[string]string, error) {
	info, err := c.minio.StatObject(ctx, bucket, objectName, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("stat object %s/%s: %w", bucket, objectName, err)
	}

	out := make(map[string]string, len(info.UserMetadata))
	for k, v := range info.UserMetadata {
		out[k] = v
	}
	return out, nil
}

func (c *MinioClient) Upload(ctx context.Context, localPath, bucket, objectName, contentType string, metadata map[string]string) error {
	_, err := c.minio.FPutObject(ctx, bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", bucket, objectName, err)
	}
	return nil
}
