package ingest

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/docingest/internal/platform/db"
)

// =========== Document Repository ===========

type documentRepoPG struct{ pool db.Queryable }

func NewDocumentRepoPG(pool db.Queryable) DocumentRepository { return &documentRepoPG{pool: pool} }

func (r *documentRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const documentCols = `id, patient_id, folder_id, original_name, stored_name, content_hash,
	content_type, content_size, category, doc_type, description, source, observation_date, status,
	storage_backend, storage_account, storage_container, storage_blob, storage_file, storage_path,
	created_by, created_at`

func (r *documentRepoPG) scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	var backend string
	var account, container, blob, file, path *string
	err := row.Scan(&d.ID, &d.PatientID, &d.FolderID, &d.OriginalName, &d.StoredName, &d.ContentHash,
		&d.ContentType, &d.ContentSize, &d.Category, &d.DocType, &d.Description, &d.Source, &d.ObservationDate, &d.Status,
		&backend, &account, &container, &blob, &file, &path,
		&d.CreatedBy, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if Backend(backend) == BackendCloud {
		d.Storage = CloudReference(deref(account), deref(container), deref(blob))
	} else {
		d.Storage = ArchiveReference(deref(file), deref(path))
	}
	return &d, nil
}

func (r *documentRepoPG) Create(ctx context.Context, d *Document) error {
	d.ID = uuid.New()
	ref := d.Storage
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO document (id, patient_id, folder_id, original_name, stored_name, content_hash,
			content_type, content_size, category, doc_type, description, source, observation_date, status,
			storage_backend, storage_account, storage_container, storage_blob, storage_file, storage_path,
			created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		RETURNING created_at`,
		d.ID, d.PatientID, d.FolderID, d.OriginalName, d.StoredName, d.ContentHash,
		d.ContentType, d.ContentSize, d.Category, d.DocType, d.Description, d.Source, d.ObservationDate, d.Status,
		string(ref.Backend), strPtr(ref.Account), strPtr(ref.Container), strPtr(ref.BlobName), strPtr(ref.FileName), strPtr(ref.Path),
		d.CreatedBy).Scan(&d.CreatedAt)
	return err
}

func (r *documentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	d, err := r.scanDocument(r.conn(ctx).QueryRow(ctx, `SELECT `+documentCols+` FROM document WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	return d, err
}

func (r *documentRepoPG) ListByFolder(ctx context.Context, patientID, folderID string, limit, offset int) ([]*Document, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM document WHERE patient_id = $1 AND folder_id = $2`,
		patientID, folderID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+documentCols+` FROM document
		WHERE patient_id = $1 AND folder_id = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		patientID, folderID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Document
	for rows.Next() {
		d, err := r.scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

// =========== Review Repository ===========

type reviewRepoPG struct{ pool db.Queryable }

func NewReviewRepoPG(pool db.Queryable) ReviewRepository { return &reviewRepoPG{pool: pool} }

func (r *reviewRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

func (r *reviewRepoPG) Create(ctx context.Context, rv *Review) error {
	rv.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO document_review (id, document_id, provider_id, status, reviewed_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		rv.ID, rv.DocumentID, rv.ProviderID, rv.Status, rv.ReviewedAt).Scan(&rv.CreatedAt)
}

func (r *reviewRepoPG) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Review, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, document_id, provider_id, status, reviewed_at, created_at
		FROM document_review WHERE document_id = $1 ORDER BY created_at, provider_id`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Review
	for rows.Next() {
		var rv Review
		if err := rows.Scan(&rv.ID, &rv.DocumentID, &rv.ProviderID, &rv.Status, &rv.ReviewedAt, &rv.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &rv)
	}
	return items, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
