package ingest

import (
	"context"

	"github.com/google/uuid"
)

type DocumentRepository interface {
	Create(ctx context.Context, d *Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	ListByFolder(ctx context.Context, patientID, folderID string, limit, offset int) ([]*Document, int, error)
}

type ReviewRepository interface {
	Create(ctx context.Context, r *Review) error
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Review, error)
}
