// Package minio archives published page artifacts to S3-compatible object storage.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rossigee/page-generator/internal/config"
	"github.com/rossigee/page-generator/internal/retry"
	"github.com/sirupsen/logrus"
)

// Client handles MinIO operations.
type Client struct {
	minioClient *minio.Client
	bucket      string
	retry       retry.Config

	bucketOnce sync.Once
	bucketErr  error
}

// NewClient creates a new MinIO client.
func NewClient(cfg config.MinIOConfig) (*Client, error) {
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("MINIO_ACCESS_KEY is required when MINIO_ENDPOINT is set")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("MINIO_SECRET_KEY is required when MINIO_ENDPOINT is set")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("MINIO_BUCKET must not be empty")
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT '%s': %w (expected format: https://hostname:port)", cfg.Endpoint, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT scheme '%s': must be http or https", u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT '%s': missing hostname", cfg.Endpoint)
	}

	minioClient, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client for %s: %w", u.Host, err)
	}

	return &Client{
		minioClient: minioClient,
		bucket:      cfg.Bucket,
		retry: retry.Config{
			MaxAttempts: 3,
			Delays:      []time.Duration{time.Second, 2 * time.Second},
			Jitter:      0.2,
		},
	}, nil
}

// ArtifactKey returns the object key a page is archived under
func ArtifactKey(slug string) string {
	return "pages/" + strings.TrimSpace(slug) + ".json"
}

func (c *Client) ensureBucket(ctx context.Context) error {
	c.bucketOnce.Do(func() {
		exists, err := c.minioClient.BucketExists(ctx, c.bucket)
		if err != nil {
			c.bucketErr = fmt.Errorf("failed to check bucket %s: %w", c.bucket, err)
			return
		}
		if exists {
			return
		}
		if err := c.minioClient.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			c.bucketErr = fmt.Errorf("failed to create bucket %s: %w", c.bucket, err)
			return
		}
		logrus.WithField("bucket", c.bucket).Info("Created artifact bucket")
	})
	return c.bucketErr
}

// UploadArtifact stores data under key, retrying transient failures
func (c *Client) UploadArtifact(ctx context.Context, key string, data []byte) error {
	if err := c.ensureBucket(ctx); err != nil {
		return err
	}

	return retry.WithRetry(ctx, c.retry, func(ctx context.Context) error {
		info, err := c.minioClient.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: "application/json"})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}

		logrus.WithFields(logrus.Fields{
			"bucket": c.bucket,
			"key":    key,
			"size":   info.Size,
		}).Debug("Uploaded page artifact")
		return nil
	})
}

// Bucket returns the bucket artifacts are written to
func (c *Client) Bucket() string {
	return c.bucket
}
