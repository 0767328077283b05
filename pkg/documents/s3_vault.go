package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Vault stores documents in an S3 bucket.
type S3Vault struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config configures S3Vault.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // MinIO, LocalStack
	Prefix   string `yaml:"prefix"`
}

func NewS3Vault(ctx context.Context, cfg S3Config) (*S3Vault, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Vault{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (v *S3Vault) Put(ctx context.Context, data []byte) (string, error) {
	hash := Hash(data)
	key, err := objectKey(hash)
	if err != nil {
		return "", err
	}

	exists, err := v.head(ctx, v.prefix+key)
	if err != nil {
		return "", err
	}
	if exists {
		return hash, nil
	}

	_, err = v.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(v.bucket),
		Key:         aws.String(v.prefix + key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    map[string]string{"content-hash": hash},
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return hash, nil
}

func (v *S3Vault) Get(ctx context.Context, hash string) ([]byte, error) {
	key, err := objectKey(hash)
	if err != nil {
		return nil, err
	}

	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.prefix + key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("s3 get failed for %s: %w", hash, err)
	}
	defer func() { _ = out.Body.Close() }()

	return io.ReadAll(out.Body)
}

func (v *S3Vault) Exists(ctx context.Context, hash string) (bool, error) {
	key, err := objectKey(hash)
	if err != nil {
		return false, err
	}
	return v.head(ctx, v.prefix+key)
}

func (v *S3Vault) head(ctx context.Context, key string) (bool, error) {
	_, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, fmt.Errorf("s3 head failed for %s: %w", key, err)
}
