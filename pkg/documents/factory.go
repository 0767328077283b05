package documents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend names a Vault implementation.
type Backend string

const (
	BackendFS     Backend = "fs"
	BackendMemory Backend = "memory"
	BackendS3     Backend = "s3"
	BackendGCS    Backend = "gcs"
)

// GCSConfig configures the GCS vault (built with -tags gcp).
type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// Config selects and configures a vault backend.
type Config struct {
	Backend Backend   `yaml:"backend" validate:"omitempty,oneof=fs memory s3 gcs"`
	DataDir string    `yaml:"data_dir"`
	S3      S3Config  `yaml:"s3"`
	GCS     GCSConfig `yaml:"gcs"`
}

// ConfigFromEnv reads the vault configuration.
//
// Environment variables:
//   - AUDIT_VAULT_TYPE: "fs" (default), "memory", "s3" or "gcs"
//   - AUDIT_DATA_DIR: base directory for the filesystem vault (default "data")
//   - AUDIT_VAULT_S3_BUCKET, AUDIT_VAULT_S3_REGION (or AWS_REGION),
//     AUDIT_VAULT_S3_ENDPOINT, AUDIT_VAULT_S3_PREFIX
//   - AUDIT_VAULT_GCS_BUCKET, AUDIT_VAULT_GCS_PREFIX
func ConfigFromEnv() Config {
	region := os.Getenv("AUDIT_VAULT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	return Config{
		Backend: Backend(os.Getenv("AUDIT_VAULT_TYPE")),
		DataDir: os.Getenv("AUDIT_DATA_DIR"),
		S3: S3Config{
			Bucket:   os.Getenv("AUDIT_VAULT_S3_BUCKET"),
			Region:   region,
			Endpoint: os.Getenv("AUDIT_VAULT_S3_ENDPOINT"),
			Prefix:   os.Getenv("AUDIT_VAULT_S3_PREFIX"),
		},
		GCS: GCSConfig{
			Bucket: os.Getenv("AUDIT_VAULT_GCS_BUCKET"),
			Prefix: os.Getenv("AUDIT_VAULT_GCS_PREFIX"),
		},
	}
}

// Open builds the vault named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Vault, error) {
	switch cfg.Backend {
	case "", BackendFS:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileVault(filepath.Join(dir, "documents"))
	case BackendMemory:
		return NewMemoryVault(), nil
	case BackendS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("AUDIT_VAULT_S3_BUCKET is required for S3 storage")
		}
		if cfg.S3.Region == "" {
			cfg.S3.Region = "eu-west-3"
		}
		return NewS3Vault(ctx, cfg.S3)
	case BackendGCS:
		return openGCS(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported vault type: %s", cfg.Backend)
	}
}
