package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/docingest/internal/platform/archive"
	"github.com/ehr/docingest/internal/platform/blobstore"
)

// StoreObject is one payload to persist under its content-derived name.
type StoreObject struct {
	Name       string
	Data       []byte
	ActingUser string
	UploadedAt time.Time
}

// ContentStore persists document bytes. One implementation is chosen per
// process; callers never branch on the backend.
type ContentStore interface {
	Backend() Backend
	// Store writes obj. tx is the metadata transaction; backends that
	// cannot join it ignore it.
	Store(ctx context.Context, tx pgx.Tx, obj StoreObject) (StorageReference, error)
	Load(ctx context.Context, ref StorageReference) ([]byte, error)
}

// SelectContentStore is the single place where the cloud flag picks a
// backend. The store that is not selected may be nil.
func SelectContentStore(cloudEnabled bool, cloud *CloudStore, local *ArchiveStore) (ContentStore, error) {
	if cloudEnabled {
		if cloud == nil {
			return nil, errors.New("cloud blob mode enabled but no blob client configured")
		}
		return cloud, nil
	}
	if local == nil {
		return nil, errors.New("archive mode selected but no archive configured")
	}
	return local, nil
}

// CloudStore writes each payload as one blob in a fixed account/container.
// The write is not part of the metadata transaction: a blob can outlive a
// failed metadata insert.
type CloudStore struct {
	client    blobstore.Client
	account   string
	container string
}

func NewCloudStore(client blobstore.Client, account, container string) *CloudStore {
	return &CloudStore{client: client, account: account, container: container}
}

func (s *CloudStore) Backend() Backend { return BackendCloud }

func (s *CloudStore) Store(ctx context.Context, _ pgx.Tx, obj StoreObject) (StorageReference, error) {
	ref := CloudReference(s.account, s.container, obj.Name)
	if err := s.client.Write(ctx, blobRef(ref), obj.Data); err != nil {
		return StorageReference{}, &StorageError{Backend: BackendCloud, Op: "write", Name: obj.Name, Err: err}
	}
	return ref, nil
}

func (s *CloudStore) Load(ctx context.Context, ref StorageReference) ([]byte, error) {
	if ref.Backend != BackendCloud {
		return nil, fmt.Errorf("%w: %s", ErrNoReader, ref.Backend)
	}
	data, err := s.client.Read(ctx, blobRef(ref))
	if err != nil {
		return nil, &StorageError{Backend: BackendCloud, Op: "read", Name: ref.BlobName, Err: err}
	}
	return data, nil
}

func blobRef(ref StorageReference) blobstore.Reference {
	return blobstore.Reference{Account: ref.Account, Container: ref.Container, Name: ref.BlobName}
}

// ArchiveStore hands payloads to the local archive inside the caller's
// transaction, so bytes and metadata commit or roll back together.
type ArchiveStore struct {
	archive archive.Archive
}

func NewArchiveStore(a archive.Archive) *ArchiveStore {
	return &ArchiveStore{archive: a}
}

func (s *ArchiveStore) Backend() Backend { return BackendArchive }

func (s *ArchiveStore) Store(ctx context.Context, tx pgx.Tx, obj StoreObject) (StorageReference, error) {
	rec := archive.Record{Content: obj.Data, FileName: obj.Name, UploadedAt: obj.UploadedAt}
	ref, err := s.archive.Write(ctx, tx, rec, obj.ActingUser)
	if err != nil {
		return StorageReference{}, &StorageError{Backend: BackendArchive, Op: "write", Name: obj.Name, Err: err}
	}
	return ArchiveReference(ref.FileName, ref.Path), nil
}

func (s *ArchiveStore) Load(ctx context.Context, ref StorageReference) ([]byte, error) {
	if ref.Backend != BackendArchive {
		return nil, fmt.Errorf("%w: %s", ErrNoReader, ref.Backend)
	}
	data, err := s.archive.Read(ctx, archive.Reference{FileName: ref.FileName, Path: ref.Path})
	if err != nil {
		return nil, &StorageError{Backend: BackendArchive, Op: "read", Name: ref.FileName, Err: err}
	}
	return data, nil
}
