package blobstore

import (
	"context"
	"fmt"
)

// Options selects and configures a provider.
type Options struct {
	Provider  string // "azure", "s3", "minio" or "memory"
	Account   string
	Container string

	AzureKey      string
	AzureEndpoint string

	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
}

// NewClient builds the Client for opts.Provider and makes sure the target
// container (bucket) exists where the provider supports it.
func NewClient(ctx context.Context, opts Options) (Client, error) {
	switch opts.Provider {
	case "azure":
		c, err := NewAzureClient(AzureConfig{Account: opts.Account, AccountKey: opts.AzureKey, Endpoint: opts.AzureEndpoint})
		if err != nil {
			return nil, err
		}
		if err := c.EnsureContainer(ctx, opts.Container); err != nil {
			return nil, err
		}
		return c, nil
	case "s3":
		return NewS3Client(ctx, S3Config{
			Region:    opts.S3Region,
			Endpoint:  opts.S3Endpoint,
			AccessKey: opts.S3AccessKey,
			SecretKey: opts.S3SecretKey,
			Account:   opts.Account,
		})
	case "minio":
		c, err := NewMinioClient(MinioConfig{
			Endpoint:  opts.S3Endpoint,
			AccessKey: opts.S3AccessKey,
			SecretKey: opts.S3SecretKey,
			Region:    opts.S3Region,
			UseSSL:    opts.S3UseSSL,
			Account:   opts.Account,
		})
		if err != nil {
			return nil, err
		}
		if err := c.EnsureBucket(ctx, opts.Container); err != nil {
			return nil, err
		}
		return c, nil
	case "memory":
		return NewInMemoryClient(), nil
	default:
		return nil, fmt.Errorf("unknown blob provider: %s", opts.Provider)
	}
}
