package ingest

import (
	"time"

	"github.com/google/uuid"
)

// Backend identifies where a document's bytes live.
type Backend string

const (
	BackendCloud   Backend = "cloud"
	BackendArchive Backend = "archive"
)

// StorageReference locates stored content. Cloud references carry
// (Account, Container, BlobName); archive references carry (FileName, Path).
// Values are never mutated after construction.
type StorageReference struct {
	Backend   Backend `json:"backend"`
	Account   string  `json:"account,omitempty"`
	Container string  `json:"container,omitempty"`
	BlobName  string  `json:"blob_name,omitempty"`
	FileName  string  `json:"file_name,omitempty"`
	Path      string  `json:"path,omitempty"`
}

func CloudReference(account, container, blobName string) StorageReference {
	return StorageReference{Backend: BackendCloud, Account: account, Container: container, BlobName: blobName}
}

func ArchiveReference(fileName, path string) StorageReference {
	return StorageReference{Backend: BackendArchive, FileName: fileName, Path: path}
}

func (r StorageReference) String() string {
	if r.Backend == BackendCloud {
		return "cloud:" + r.Account + "/" + r.Container + "/" + r.BlobName
	}
	return string(r.Backend) + ":" + r.Path + "/" + r.FileName
}

// Category is the document-category preference that decides which file
// extensions an upload may carry.
type Category string

const (
	CategoryGeneral    Category = "general"
	CategoryRestricted Category = "restricted"
)

const (
	ReviewStatusPending  = "pending"
	ReviewStatusReviewed = "reviewed"

	DocumentStatusActive = "active"
)

// Attachment is one uploaded file and its per-file metadata. It lives only
// for the duration of one request.
type Attachment struct {
	FileName        string
	ContentType     string
	Data            []byte
	DocType         string
	Description     string
	Source          string
	ObservationDate *time.Time
	Reviewers       []string
	Reviewed        bool
}

// IngestRequest is a multi-file upload into one patient folder.
type IngestRequest struct {
	PatientID   string
	FolderID    string
	ActingUser  string
	Category    Category
	Attachments []Attachment
}

// Outcome lists the documents created, in attachment order.
type Outcome struct {
	DocumentIDs []uuid.UUID `json:"document_ids"`
}

// Document maps to the document table.
type Document struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	PatientID       string           `db:"patient_id" json:"patient_id"`
	FolderID        string           `db:"folder_id" json:"folder_id"`
	OriginalName    string           `db:"original_name" json:"original_name"`
	StoredName      string           `db:"stored_name" json:"stored_name"`
	ContentHash     string           `db:"content_hash" json:"content_hash"`
	ContentType     *string          `db:"content_type" json:"content_type,omitempty"`
	ContentSize     int64            `db:"content_size" json:"content_size"`
	Category        Category         `db:"category" json:"category"`
	DocType         *string          `db:"doc_type" json:"doc_type,omitempty"`
	Description     *string          `db:"description" json:"description,omitempty"`
	Source          *string          `db:"source" json:"source,omitempty"`
	ObservationDate *time.Time       `db:"observation_date" json:"observation_date,omitempty"`
	Status          string           `db:"status" json:"status"`
	Storage         StorageReference `json:"storage"`
	CreatedBy       string           `db:"created_by" json:"created_by"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	Reviews         []*Review        `json:"reviews,omitempty"`
}

// Review maps to the document_review table.
type Review struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	DocumentID uuid.UUID  `db:"document_id" json:"document_id"`
	ProviderID string     `db:"provider_id" json:"provider_id"`
	Status     string     `db:"status" json:"status"`
	ReviewedAt *time.Time `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
