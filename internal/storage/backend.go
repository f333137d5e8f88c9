package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/dunamismax/thumbdata/internal/config"
)

const (
	BackendMinio = "minio"
	BackendGCS   = "gcs"
)

type ObjectStore interface {
	Download(ctx context.Context, bucket, objectName, localPath string) error
	Metadata(ctx context.Context, bucket, objectName string) (map[string]string, error)
	Upload(ctx context.Context, localPath, bucket, objectName, contentType string, metadata map[string]string) error
}

// Open builds the configured backend. The returned close func is never nil.
func Open(ctx context.Context, backend string, cfg Config) (ObjectStore, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMinio:
		client, err := NewMinioClient(cfg)
		if err != nil {
			return nil, nil, err
		}
		return client, func() error { return nil }, nil
	case BackendGCS:
		client, err := NewGCSClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}

// ConfigFrom maps the environment configuration onto client settings.
func ConfigFrom(c config.StorageConfig) Config {
	return Config{
		Endpoint: c.Endpoint,
		Access:   c.AccessKey,
		Secret:   c.SecretKey,
		UseSSL:   c.UseSSL,
		Region:   c.Region,
	}
}
