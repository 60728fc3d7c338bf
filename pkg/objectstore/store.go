// Package objectstore stages uploaded JSONL blobs in a MinIO bucket until
// ingestion explodes them into events. Nothing durable lives here.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/llmbatch/llmbatch/pkg/config"
)

// Client wraps the MinIO client. One instance per process; safe for
// concurrent use.
type Client struct {
	mc     *minio.Client
	bucket string
}

// NewClient connects to the object store and ensures the configured bucket
// exists.
func NewClient(ctx context.Context, cfg config.ObjectStoreConfig) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	c := &Client{mc: mc, bucket: cfg.Bucket}
	if err := c.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) ensureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", c.bucket, err)
	}
	slog.Info("Created bucket", "bucket", c.bucket)
	return nil
}

// Bucket is the configured staging bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// UploadKey builds the staging key for an uploaded batch file.
func UploadKey(batchID, filename string) string {
	return fmt.Sprintf("batches/%s/%s_%s", batchID, filename, uuid.NewString())
}

// Put stores a blob under the given key.
func (c *Client) Put(ctx context.Context, key string, data []byte) error {
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

// Get opens a blob for streaming. The caller owns the returned reader.
func (c *Client) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	// GetObject is lazy; a Stat forces the first request so missing keys
	// fail here instead of mid-stream.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
	return obj, nil
}

// Delete removes a blob.
func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	if err := c.mc.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// List returns the keys under a prefix in the staging bucket.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// DeletePrefix removes every blob under a prefix, returning the number
// removed. Used to clean leftover staged files when a batch is deleted.
func (c *Client) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := c.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i, key := range keys {
		if err := c.Delete(ctx, c.bucket, key); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}
