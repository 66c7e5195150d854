// Package archive stores document payloads in the metadata database so the
// bytes commit or roll back together with the document record.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/docingest/internal/platform/db"
)

var (
	ErrNotFound      = errors.New("archived content not found")
	ErrNoTransaction = errors.New("archive write requires a transaction")
)

// Record is one payload handed to the archive.
type Record struct {
	Content    []byte
	FileName   string
	UploadedAt time.Time
}

// Reference locates archived content: the stored file name within a path/category.
type Reference struct {
	FileName string `json:"file_name"`
	Path     string `json:"path"`
}

// Archive is the local archive collaborator.
type Archive interface {
	Write(ctx context.Context, tx pgx.Tx, rec Record, actingUser string) (Reference, error)
	Read(ctx context.Context, ref Reference) ([]byte, error)
}

// PGArchive keeps payloads in the document_archive table.
type PGArchive struct {
	conn     db.Queryable
	category string
}

func NewPGArchive(conn db.Queryable, category string) *PGArchive {
	return &PGArchive{conn: conn, category: category}
}

// Write inserts rec inside tx. Names are content-derived, so an existing row
// with the same name already holds identical bytes and is left untouched.
func (a *PGArchive) Write(ctx context.Context, tx pgx.Tx, rec Record, actingUser string) (Reference, error) {
	if tx == nil {
		return Reference{}, ErrNoTransaction
	}
	if rec.FileName == "" {
		return Reference{}, fmt.Errorf("archive: file name is required")
	}
	if actingUser == "" {
		return Reference{}, fmt.Errorf("archive: acting user is required")
	}
	uploadedAt := rec.UploadedAt
	if uploadedAt.IsZero() {
		uploadedAt = time.Now().UTC()
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO document_archive (file_name, category, content, uploaded_at, uploaded_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (category, file_name) DO NOTHING`,
		rec.FileName, a.category, rec.Content, uploadedAt, actingUser)
	if err != nil {
		return Reference{}, fmt.Errorf("archive: insert %s: %w", rec.FileName, err)
	}
	return Reference{FileName: rec.FileName, Path: a.category}, nil
}

// Read loads archived bytes, joining a transaction carried by ctx if any.
func (a *PGArchive) Read(ctx context.Context, ref Reference) ([]byte, error) {
	var content []byte
	err := db.Conn(ctx, a.conn).QueryRow(ctx,
		`SELECT content FROM document_archive WHERE category = $1 AND file_name = $2`,
		ref.Path, ref.FileName).Scan(&content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("archive: read %s: %w", ref.FileName, err)
	}
	return content, nil
}
