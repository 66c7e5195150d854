// Package blobstore provides the cloud blob collaborators used when documents
// are routed to object storage. A Client writes and reads whole payloads
// addressed by an (account, container, blob name) Reference. Azure Blob
// Storage, AWS S3 and S3-compatible (MinIO) clients are provided, plus an
// in-memory client for tests and local development.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound     = errors.New("blob not found")
	ErrInvalidReference = errors.New("invalid blob reference")
	ErrAccountMismatch  = errors.New("blob reference targets a different account")
)

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Reference addresses one blob.
type Reference struct {
	Account   string `json:"account"`
	Container string `json:"container"`
	Name      string `json:"name"`
}

func (r Reference) String() string {
	return r.Account + "/" + r.Container + "/" + r.Name
}

// Validate reports ErrInvalidReference when any component is empty.
func (r Reference) Validate() error {
	switch {
	case r.Account == "":
		return fmt.Errorf("%w: account is required", ErrInvalidReference)
	case r.Container == "":
		return fmt.Errorf("%w: container is required", ErrInvalidReference)
	case r.Name == "":
		return fmt.Errorf("%w: blob name is required", ErrInvalidReference)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Client interface
// ---------------------------------------------------------------------------

// Client is the contract for cloud blob backends. Write is a single atomic
// put of the full payload; implementations do not retry.
type Client interface {
	Write(ctx context.Context, ref Reference, data []byte) error
	Read(ctx context.Context, ref Reference) ([]byte, error)
	Provider() string
}

func checkAccount(ref Reference, account string) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if account != "" && ref.Account != account {
		return fmt.Errorf("%w: %q (client is bound to %q)", ErrAccountMismatch, ref.Account, account)
	}
	return nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

// InMemoryClient is a thread-safe Client for tests and development.
type InMemoryClient struct {
	mu     sync.RWMutex
	blobs  map[Reference][]byte
	writes int
}

// NewInMemoryClient returns a ready-to-use InMemoryClient.
func NewInMemoryClient() *InMemoryClient {
	return &InMemoryClient{blobs: make(map[Reference][]byte)}
}

func (c *InMemoryClient) Provider() string { return "memory" }

// Write stores a copy of data under ref, replacing any previous payload.
func (c *InMemoryClient) Write(_ context.Context, ref Reference, data []byte) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	c.mu.Lock()
	c.blobs[ref] = buf
	c.writes++
	c.mu.Unlock()
	return nil
}

// Read returns a copy of the payload stored under ref.
func (c *InMemoryClient) Read(_ context.Context, ref Reference) ([]byte, error) {
	c.mu.RLock()
	data, ok := c.blobs[ref]
	c.mu.RUnlock()

	if !ok {
		return nil, ErrBlobNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Writes returns how many Write calls succeeded.
func (c *InMemoryClient) Writes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.writes
}
