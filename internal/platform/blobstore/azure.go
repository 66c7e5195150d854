package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// AzureConfig controls connectivity to Azure Blob Storage.
type AzureConfig struct {
	Account    string
	AccountKey string
	Endpoint   string
}

// AzureClient writes blobs with shared-key auth against one storage account.
type AzureClient struct {
	client  *azblob.Client
	account string
}

// NewAzureClient builds a client for cfg.Account.
func NewAzureClient(cfg AzureConfig) (*AzureClient, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure: account key is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azure: build credentials: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return &AzureClient{client: client, account: cfg.Account}, nil
}

func (c *AzureClient) Provider() string { return "azure" }

// EnsureContainer creates container when it does not exist yet.
func (c *AzureClient) EnsureContainer(ctx context.Context, container string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := c.client.CreateContainer(ctx, container, nil); err != nil && !isContainerExists(err) {
		return fmt.Errorf("azure: create container: %w", err)
	}
	return nil
}

// Write uploads data as a block blob in one call.
func (c *AzureClient) Write(ctx context.Context, ref Reference, data []byte) error {
	if err := checkAccount(ref, c.account); err != nil {
		return err
	}
	opts := &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("application/octet-stream"),
		},
	}
	if _, err := c.client.UploadBuffer(ctx, ref.Container, ref.Name, data, opts); err != nil {
		return fmt.Errorf("azure: upload %s: %w", ref, err)
	}
	return nil
}

// Read downloads the full blob.
func (c *AzureClient) Read(ctx context.Context, ref Reference) ([]byte, error) {
	if err := checkAccount(ref, c.account); err != nil {
		return nil, err
	}
	resp, err := c.client.DownloadStream(ctx, ref.Container, ref.Name, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("azure: download %s: %w", ref, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("azure: read %s: %w", ref, err)
	}
	return data, nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func isAzureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
