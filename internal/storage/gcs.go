package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
)

// GCSClient uses Application Default Credentials.
type GCSClient struct {
	client *storage.Client
}

func NewGCSClient(ctx context.Context) (*GCSClient, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSClient{client: client}, nil
}

func (c *GCSClient) Close() error {
	return c.client.Close()
}

func (c *GCSClient) Download(ctx context.Context, bucket, objectName, localPath string) error {
	reader, err := c.client.Bucket(bucket).Object(objectName).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("open object gs://%s/%s: %w", bucket, objectName, err)
	}
	defer reader.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	if _, err := io.Copy(f, reader); err != nil {
		f.Close()
		return fmt.Errorf("read object gs://%s/%s: %w", bucket, objectName, err)
	}
	return f.Close()
}

func (c *GCSClient) Metadata(ctx context.Context, bucket, objectName string) (map[string]string, error) {
	attrs, err := c.client.Bucket(bucket).Object(objectName).Attrs(ctx)
	if err != nil {
		return nil, fmt.Errorf("object attrs gs://%s/%s: %w", bucket, objectName, err)
	}

	out := make(map[string]string, len(attrs.Metadata))
	for k, v := range attrs.Metadata {
		out[k] = v
	}
	return out, nil
}

func (c *GCSClient) Upload(ctx context.Context, localPath, bucket, objectName, contentType string, metadata map[string]string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	w := c.client.Bucket(bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = metadata

	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("write object gs://%s/%s: %w", bucket, objectName, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize object gs://%s/%s: %w", bucket, objectName, err)
	}
	return nil
}
