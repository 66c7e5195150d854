package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/docingest/internal/platform/db"
	"github.com/ehr/docingest/internal/platform/metrics"
)

// Deps wires a Service. Readers serve content retrieval for documents
// written under either backend; Store is the one backend new writes go to.
type Deps struct {
	Locks       *Coordinator
	Store       ContentStore
	Readers     []ContentStore
	Documents   DocumentRepository
	Reviews     ReviewRepository
	Tx          db.TxBeginner
	MaxFileSize int64
	Logger      zerolog.Logger
	Now         func() time.Time
}

type Service struct {
	locks       *Coordinator
	store       ContentStore
	readers     map[Backend]ContentStore
	docs        DocumentRepository
	reviews     ReviewRepository
	tx          db.TxBeginner
	maxFileSize int64
	logger      zerolog.Logger
	now         func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		locks:       d.Locks,
		store:       d.Store,
		readers:     make(map[Backend]ContentStore),
		docs:        d.Documents,
		reviews:     d.Reviews,
		tx:          d.Tx,
		maxFileSize: d.MaxFileSize,
		logger:      d.Logger.With().Str("component", "ingest").Logger(),
		now:         d.Now,
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	for _, r := range d.Readers {
		s.readers[r.Backend()] = r
	}
	if d.Store != nil {
		s.readers[d.Store.Backend()] = d.Store
	}
	return s
}

// Ingest stores every attachment of req as a document in the target folder
// while holding the folder's processing lock. Attachments are processed in
// order and the first failure stops the rest; documents committed before it
// stay committed and are reported in the returned Outcome alongside the error.
func (s *Service) Ingest(ctx context.Context, req *IngestRequest) (*Outcome, error) {
	if err := req.Validate(s.maxFileSize); err != nil {
		metrics.RecordIngest("invalid", 0)
		return nil, err
	}

	key := LockKey(req.PatientID, req.FolderID)
	log := s.logger.With().Str("lock_key", key).Str("user", req.ActingUser).Logger()

	lock, err := s.locks.Acquire(ctx, key, req.ActingUser)
	if err != nil {
		outcome := "lock_timeout"
		if errors.Is(err, ErrLockCancelled) {
			outcome = "cancelled"
		}
		metrics.RecordIngest(outcome, 0)
		return nil, err
	}
	defer func() {
		_ = s.locks.Release(ctx, lock)
	}()

	// Writes stop before the lock can expire and pass to another upload.
	held, cancel := context.WithTimeout(ctx, s.locks.TTL())
	defer cancel()

	out := &Outcome{DocumentIDs: make([]uuid.UUID, 0, len(req.Attachments))}
	for i := range req.Attachments {
		att := &req.Attachments[i]
		id, err := s.ingestOne(held, req, att)
		if err != nil {
			log.Error().Err(err).
				Int("attachment", i+1).
				Str("file", att.FileName).
				Int("committed", len(out.DocumentIDs)).
				Msg("ingestion aborted")
			metrics.RecordIngest("failed", len(out.DocumentIDs))
			return out, fmt.Errorf("attachment %d (%s): %w", i+1, att.FileName, err)
		}
		out.DocumentIDs = append(out.DocumentIDs, id)
	}

	metrics.RecordIngest("success", len(out.DocumentIDs))
	log.Info().Int("documents", len(out.DocumentIDs)).Str("backend", string(s.store.Backend())).Msg("ingestion complete")
	return out, nil
}

func (s *Service) ingestOne(ctx context.Context, req *IngestRequest, att *Attachment) (uuid.UUID, error) {
	name, err := ContentName(att.Data, att.FileName)
	if err != nil {
		return uuid.Nil, err
	}
	now := s.now()
	reviews := reviewsFor(att, req.ActingUser, now)

	doc := &Document{
		PatientID:       req.PatientID,
		FolderID:        req.FolderID,
		OriginalName:    att.FileName,
		StoredName:      name,
		ContentHash:     ContentHash(att.Data),
		ContentType:     strPtr(att.ContentType),
		ContentSize:     int64(len(att.Data)),
		Category:        req.Category,
		DocType:         strPtr(att.DocType),
		Description:     strPtr(att.Description),
		Source:          strPtr(att.Source),
		ObservationDate: att.ObservationDate,
		Status:          DocumentStatusActive,
		CreatedBy:       req.ActingUser,
	}

	var stored bool
	err = db.RunInTx(ctx, s.tx, func(ctx context.Context, tx pgx.Tx) error {
		start := time.Now()
		ref, err := s.store.Store(ctx, tx, StoreObject{
			Name:       name,
			Data:       att.Data,
			ActingUser: req.ActingUser,
			UploadedAt: now,
		})
		metrics.RecordStorageWrite(string(s.store.Backend()), len(att.Data), time.Since(start), err == nil)
		if err != nil {
			return err
		}
		stored = true
		doc.Storage = ref

		if err := s.docs.Create(ctx, doc); err != nil {
			return fmt.Errorf("create document record: %w", err)
		}
		for _, rv := range reviews {
			rv.DocumentID = doc.ID
			if err := s.reviews.Create(ctx, rv); err != nil {
				return fmt.Errorf("create review for %s: %w", rv.ProviderID, err)
			}
		}
		return nil
	})
	if err != nil {
		if stored && s.store.Backend() == BackendCloud {
			s.logger.Warn().Str("blob", doc.Storage.String()).Msg("blob written without a committed document record")
		}
		return uuid.Nil, err
	}

	s.logger.Debug().
		Str("document_id", doc.ID.String()).
		Str("stored_name", name).
		Str("size", humanize.IBytes(uint64(len(att.Data)))).
		Int("reviews", len(reviews)).
		Msg("document stored")
	return doc.ID, nil
}

// reviewsFor maps an attachment's review fields to review records: the
// acting user as reviewed when Reviewed is set, then each listed reviewer as
// pending. A provider appears at most once.
func reviewsFor(att *Attachment, actingUser string, now time.Time) []*Review {
	seen := make(map[string]bool)
	var out []*Review
	if att.Reviewed {
		reviewedAt := now
		out = append(out, &Review{ProviderID: actingUser, Status: ReviewStatusReviewed, ReviewedAt: &reviewedAt})
		seen[actingUser] = true
	}
	for _, p := range att.Reviewers {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, &Review{ProviderID: p, Status: ReviewStatusPending})
	}
	return out
}

// GetDocument returns a document with its review records.
func (s *Service) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	d, err := s.docs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	reviews, err := s.reviews.ListByDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	d.Reviews = reviews
	return d, nil
}

func (s *Service) ListDocuments(ctx context.Context, patientID, folderID string, limit, offset int) ([]*Document, int, error) {
	return s.docs.ListByFolder(ctx, patientID, folderID, limit, offset)
}

// Content loads a document's bytes from the backend recorded in its
// storage reference.
func (s *Service) Content(ctx context.Context, id uuid.UUID) (*Document, []byte, error) {
	d, err := s.docs.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	reader, ok := s.readers[d.Storage.Backend]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoReader, d.Storage.Backend)
	}
	data, err := reader.Load(ctx, d.Storage)
	if err != nil {
		return nil, nil, err
	}
	return d, data, nil
}

// LockHolder reports who currently holds a folder's processing lock.
func (s *Service) LockHolder(ctx context.Context, patientID, folderID string) (*Lock, error) {
	return s.locks.Holder(ctx, LockKey(patientID, folderID))
}
