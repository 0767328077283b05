//go:build gcp

package documents

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSVault stores documents in a Google Cloud Storage bucket.
type GCSVault struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSVault uses application default credentials.
func NewGCSVault(ctx context.Context, cfg GCSConfig) (*GCSVault, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSVault{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (v *GCSVault) Put(ctx context.Context, data []byte) (string, error) {
	hash := Hash(data)
	key, err := objectKey(hash)
	if err != nil {
		return "", err
	}

	obj := v.client.Bucket(v.bucket).Object(v.prefix + key)
	if _, err := obj.Attrs(ctx); err == nil {
		return hash, nil
	}

	// DoesNotExist makes concurrent writers of the same document race safely.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = map[string]string{"content-hash": hash}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		if exists, _ := v.Exists(ctx, hash); exists {
			return hash, nil
		}
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return hash, nil
}

func (v *GCSVault) Get(ctx context.Context, hash string) ([]byte, error) {
	key, err := objectKey(hash)
	if err != nil {
		return nil, err
	}

	r, err := v.client.Bucket(v.bucket).Object(v.prefix + key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", hash, err)
	}
	defer func() { _ = r.Close() }()

	return io.ReadAll(r)
}

func (v *GCSVault) Exists(ctx context.Context, hash string) (bool, error) {
	key, err := objectKey(hash)
	if err != nil {
		return false, err
	}

	_, err = v.client.Bucket(v.bucket).Object(v.prefix + key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("gcs attrs failed for %s: %w", hash, err)
}

// Close releases the GCS client.
func (v *GCSVault) Close() error {
	return v.client.Close()
}

func openGCS(ctx context.Context, cfg GCSConfig) (Vault, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("AUDIT_VAULT_GCS_BUCKET is required for GCS storage")
	}
	return NewGCSVault(ctx, cfg)
}
