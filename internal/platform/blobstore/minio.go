package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig controls connectivity to an S3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Account   string
}

// MinioClient writes blobs to any S3-compatible store (MinIO, Ceph, on-prem gateways).
type MinioClient struct {
	client  *minio.Client
	account string
}

// NewMinioClient creates a client with static V4 credentials.
func NewMinioClient(cfg MinioConfig) (*MinioClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio: endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: create client: %w", err)
	}
	return &MinioClient{client: client, account: cfg.Account}, nil
}

func (c *MinioClient) Provider() string { return "minio" }

// EnsureBucket creates bucket when missing.
func (c *MinioClient) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("minio: check bucket %q: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("minio: create bucket %q: %w", bucket, err)
	}
	return nil
}

// Write puts the full payload with a known size.
func (c *MinioClient) Write(ctx context.Context, ref Reference, data []byte) error {
	if err := checkAccount(ref, c.account); err != nil {
		return err
	}
	_, err := c.client.PutObject(ctx, ref.Container, ref.Name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("minio: put %s: %w", ref, err)
	}
	return nil
}

// Read fetches the full object.
func (c *MinioClient) Read(ctx context.Context, ref Reference) ([]byte, error) {
	if err := checkAccount(ref, c.account); err != nil {
		return nil, err
	}
	obj, err := c.client.GetObject(ctx, ref.Container, ref.Name, minio.GetObjectOptions{})
	if err != nil {
		return nil, c.wrapRead(ref, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, c.wrapRead(ref, err)
	}
	return data, nil
}

func (c *MinioClient) wrapRead(ref Reference, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrBlobNotFound
	}
	return fmt.Errorf("minio: get %s: %w", ref, err)
}
