package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/docingest/internal/platform/auth"
	"github.com/ehr/docingest/pkg/pagination"
)

// echo has no constant for it.
const headerETag = "ETag"

type Handler struct {
	svc         *Service
	maxFileSize int64
}

func NewHandler(svc *Service, maxFileSize int64) *Handler {
	return &Handler{svc: svc, maxFileSize: maxFileSize}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients/:patientId/folders/:folderId/documents", h.Upload)
	api.GET("/patients/:patientId/folders/:folderId/documents", h.ListDocuments)
	api.GET("/patients/:patientId/folders/:folderId/lock", h.GetLock)
	api.GET("/documents/:id", h.GetDocument)
	api.GET("/documents/:id/content", h.GetContent)
}

// uploadMetadata is the "metadata" form field. Documents is index-aligned
// with the uploaded files; missing entries mean no per-file metadata.
type uploadMetadata struct {
	Category  Category           `json:"category"`
	Documents []documentMetadata `json:"documents"`
}

type documentMetadata struct {
	DocType         string   `json:"doc_type"`
	Description     string   `json:"description"`
	Source          string   `json:"source"`
	ObservationDate string   `json:"observation_date"`
	Reviewers       []string `json:"reviewers"`
	Reviewed        bool     `json:"reviewed"`
}

// -- Ingestion --

func (h *Handler) Upload(c echo.Context) error {
	req, err := h.bindUpload(c)
	if err != nil {
		return err
	}

	out, err := h.svc.Ingest(c.Request().Context(), req)
	if err != nil {
		return ingestError(err, out)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) bindUpload(c echo.Context) (*IngestRequest, error) {
	form, err := c.MultipartForm()
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "expected multipart/form-data upload")
	}

	var meta uploadMetadata
	if raw := form.Value["metadata"]; len(raw) > 0 && raw[0] != "" {
		if err := json.Unmarshal([]byte(raw[0]), &meta); err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid metadata: "+err.Error())
		}
	}
	if meta.Category == "" {
		meta.Category = Category(c.FormValue("category"))
	}

	files := form.File["files"]
	// Reject before buffering anything; Validate repeats the check.
	if len(files) > MaxAttachments {
		return nil, echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("files: at most %d files may be uploaded at once, got %d", MaxAttachments, len(files)))
	}

	req := &IngestRequest{
		PatientID:   c.Param("patientId"),
		FolderID:    c.Param("folderId"),
		ActingUser:  auth.UserIDFromContext(c.Request().Context()),
		Category:    meta.Category,
		Attachments: make([]Attachment, 0, len(files)),
	}
	for i, fh := range files {
		data, err := readPart(fh, h.maxFileSize)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read file %d: %v", i+1, err))
		}
		att := Attachment{
			FileName:    fh.Filename,
			ContentType: fh.Header.Get(echo.HeaderContentType),
			Data:        data,
		}
		if i < len(meta.Documents) {
			dm := meta.Documents[i]
			att.DocType, att.Description, att.Source = dm.DocType, dm.Description, dm.Source
			att.Reviewers, att.Reviewed = dm.Reviewers, dm.Reviewed
			if dm.ObservationDate != "" {
				t, err := time.Parse("2006-01-02", dm.ObservationDate)
				if err != nil {
					return nil, echo.NewHTTPError(http.StatusBadRequest,
						fmt.Sprintf("document %d: observation_date must be YYYY-MM-DD", i+1))
				}
				att.ObservationDate = &t
			}
		}
		req.Attachments = append(req.Attachments, att)
	}
	return req, nil
}

// readPart reads at most limit+1 bytes so Validate can report an oversize
// file without the whole part being buffered.
func readPart(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	return io.ReadAll(r)
}

// ingestError maps ingestion failures to HTTP responses. Documents committed
// before a failure are listed so the client can avoid re-uploading them.
func ingestError(err error, out *Outcome) error {
	var ve *ValidationError
	var se *StorageError
	code, msg := http.StatusInternalServerError, "document ingestion failed"
	switch {
	case errors.As(err, &ve):
		code, msg = http.StatusBadRequest, ve.Error()
	case errors.Is(err, ErrLockTimeout):
		code, msg = http.StatusConflict, "folder is busy with another upload, try again later"
	case errors.Is(err, ErrLockCancelled) && errors.Is(err, context.DeadlineExceeded):
		code, msg = http.StatusServiceUnavailable, "timed out before the upload could start"
	case errors.Is(err, ErrLockCancelled):
		code, msg = http.StatusBadRequest, "upload cancelled"
	case errors.As(err, &se):
		msg = "failed to store document content"
	}

	if out != nil && len(out.DocumentIDs) > 0 {
		return echo.NewHTTPError(code, map[string]interface{}{
			"message":      msg,
			"document_ids": out.DocumentIDs,
		})
	}
	return echo.NewHTTPError(code, msg)
}

// -- Retrieval --

func (h *Handler) GetDocument(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	doc, err := h.svc.GetDocument(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) GetContent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	doc, data, err := h.svc.Content(c.Request().Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrDocumentNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		case errors.Is(err, ErrNoReader):
			return echo.NewHTTPError(http.StatusServiceUnavailable, "document content backend is not configured")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load document content")
	}

	contentType := "application/octet-stream"
	if doc.ContentType != nil && *doc.ContentType != "" {
		contentType = *doc.ContentType
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", doc.OriginalName))
	c.Response().Header().Set(headerETag, `"`+doc.ContentHash+`"`)
	return c.Blob(http.StatusOK, contentType, data)
}

func (h *Handler) ListDocuments(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListDocuments(c.Request().Context(), c.Param("patientId"), c.Param("folderId"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetLock(c echo.Context) error {
	lock, err := h.svc.LockHolder(c.Request().Context(), c.Param("patientId"), c.Param("folderId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if lock == nil {
		return echo.NewHTTPError(http.StatusNotFound, "folder is not locked")
	}
	return c.JSON(http.StatusOK, lock)
}
