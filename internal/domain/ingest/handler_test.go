package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/docingest/internal/platform/auth"
	"github.com/ehr/docingest/internal/platform/middleware"
)

type uploadFile struct {
	name        string
	contentType string
	data        string
}

func multipartBody(t *testing.T, metadata string, files ...uploadFile) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	if metadata != "" {
		if err := w.WriteField("metadata", metadata); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="files"; filename="`+f.name+`"`)
		h.Set("Content-Type", f.contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		part.Write([]byte(f.data))
	}
	w.Close()
	return body, w.FormDataContentType()
}

func newTestHandler(t *testing.T) (*Handler, *serviceFixture, *echo.Echo) {
	f := newServiceFixture(t, false)
	return NewHandler(f.svc, 1<<20), f, echo.New()
}

func uploadContext(ctx context.Context, e *echo.Echo, body *bytes.Buffer, contentType string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	req = req.WithContext(auth.WithUser(ctx, "dr-smith", ""))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patientId", "folderId")
	c.SetParamValues("42", "7")
	return c, rec
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	return he.Code
}

// -- Upload --

func TestHandler_Upload(t *testing.T) {
	h, f, e := newTestHandler(t)
	meta := `{"category":"general","documents":[{"doc_type":"lab","observation_date":"2026-03-01","reviewers":["dr-jones"]}]}`
	body, ct := multipartBody(t, meta,
		uploadFile{"result.pdf", "application/pdf", "%PDF lab"},
		uploadFile{"scan.PNG", "image/png", "png bytes"},
	)
	c, rec := uploadContext(context.Background(), e, body, ct)

	if err := h.Upload(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var out Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.DocumentIDs) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(out.DocumentIDs))
	}

	first := f.docs.items[out.DocumentIDs[0]]
	if first.CreatedBy != "dr-smith" {
		t.Errorf("expected acting user from context, got %s", first.CreatedBy)
	}
	if first.DocType == nil || *first.DocType != "lab" {
		t.Errorf("expected doc_type from metadata, got %v", first.DocType)
	}
	if first.ObservationDate == nil || first.ObservationDate.Format("2006-01-02") != "2026-03-01" {
		t.Errorf("unexpected observation date %v", first.ObservationDate)
	}
	if first.ContentType == nil || *first.ContentType != "application/pdf" {
		t.Errorf("expected part content type, got %v", first.ContentType)
	}
	second := f.docs.items[out.DocumentIDs[1]]
	if !strings.HasSuffix(second.StoredName, ".PNG") {
		t.Errorf("expected extension case preserved, got %s", second.StoredName)
	}
	if len(f.reviews.items) != 1 {
		t.Errorf("expected 1 review, got %d", len(f.reviews.items))
	}
}

func TestHandler_Upload_CategoryFormField(t *testing.T) {
	h, _, e := newTestHandler(t)
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	w.WriteField("category", "restricted")
	part, _ := w.CreateFormFile("files", "note.txt")
	part.Write([]byte("hello"))
	w.Close()
	c, _ := uploadContext(context.Background(), e, body, w.FormDataContentType())

	err := h.Upload(c)
	if err == nil {
		t.Fatal("expected restricted category to reject a txt file")
	}
	if code := httpCode(t, err); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Upload_ValidationErrors(t *testing.T) {
	pdf := uploadFile{"a.pdf", "application/pdf", "%PDF"}
	tests := []struct {
		name  string
		meta  string
		files []uploadFile
	}{
		{"no files", `{"category":"general"}`, nil},
		{"too many files", `{"category":"general"}`, []uploadFile{pdf, pdf, pdf, pdf, pdf, pdf}},
		{"missing category", ``, []uploadFile{pdf}},
		{"unknown category", `{"category":"secret"}`, []uploadFile{pdf}},
		{"no extension", `{"category":"general"}`, []uploadFile{{"README", "text/plain", "x"}}},
		{"disallowed extension", `{"category":"general"}`, []uploadFile{{"run.exe", "application/octet-stream", "MZ"}}},
		{"bad metadata", `{"category":`, []uploadFile{pdf}},
		{"bad observation date", `{"category":"general","documents":[{"observation_date":"01/03/2026"}]}`, []uploadFile{pdf}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, f, e := newTestHandler(t)
			body, ct := multipartBody(t, tt.meta, tt.files...)
			c, _ := uploadContext(context.Background(), e, body, ct)

			err := h.Upload(c)
			if err == nil {
				t.Fatal("expected error")
			}
			if code := httpCode(t, err); code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", code)
			}
			if f.locks.probes != 0 {
				t.Error("expected the lock to be untouched")
			}
		})
	}
}

func TestHandler_Upload_Oversize(t *testing.T) {
	f := newServiceFixture(t, false)
	h := NewHandler(f.svc, 1<<20)
	e := echo.New()
	big := strings.Repeat("x", 1<<20+1)
	body, ct := multipartBody(t, `{"category":"general"}`, uploadFile{"big.txt", "text/plain", big})
	c, _ := uploadContext(context.Background(), e, body, ct)

	err := h.Upload(c)
	if err == nil {
		t.Fatal("expected error")
	}
	he := err.(*echo.HTTPError)
	if he.Code != http.StatusBadRequest || !strings.Contains(he.Message.(string), "1.0 MiB") {
		t.Errorf("expected 400 naming the limit, got %d %v", he.Code, he.Message)
	}
}

func TestHandler_Upload_NotMultipart(t *testing.T) {
	h, _, e := newTestHandler(t)
	c, _ := uploadContext(context.Background(), e, bytes.NewBufferString(`{}`), echo.MIMEApplicationJSON)
	if code := httpCode(t, h.Upload(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Upload_LockTimeout(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.locks.hold("42-7", "other", time.Hour)
	body, ct := multipartBody(t, `{"category":"general"}`, uploadFile{"a.pdf", "application/pdf", "%PDF"})
	c, _ := uploadContext(context.Background(), e, body, ct)

	if code := httpCode(t, h.Upload(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
	if f.archive.count() != 0 {
		t.Error("expected no storage writes")
	}
}

func TestHandler_Upload_Cancelled(t *testing.T) {
	tests := []struct {
		name   string
		cancel func(context.Context) (context.Context, func())
		want   int
	}{
		{"client went away", func(ctx context.Context) (context.Context, func()) {
			ctx, cancel := context.WithCancel(ctx)
			return ctx, cancel
		}, http.StatusBadRequest},
		{"request deadline", func(ctx context.Context) (context.Context, func()) {
			ctx, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
			return ctx, cancel
		}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, f, e := newTestHandler(t)
			f.locks.hold("42-7", "other", time.Hour)
			ctx, cancel := tt.cancel(context.Background())
			cancel()
			body, ct := multipartBody(t, `{"category":"general"}`, uploadFile{"a.pdf", "application/pdf", "%PDF"})
			c, _ := uploadContext(ctx, e, body, ct)

			if code := httpCode(t, h.Upload(c)); code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
		})
	}
}

func TestHandler_Upload_PartialFailure(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.archive.failOn = 2
	body, ct := multipartBody(t, `{"category":"general"}`,
		uploadFile{"a.pdf", "application/pdf", "%PDF a"},
		uploadFile{"b.pdf", "application/pdf", "%PDF b"},
		uploadFile{"c.pdf", "application/pdf", "%PDF c"},
	)
	c, _ := uploadContext(context.Background(), e, body, ct)

	err := h.Upload(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %v", err)
	}
	msg, ok := he.Message.(map[string]interface{})
	if !ok {
		t.Fatalf("expected structured message, got %T", he.Message)
	}
	ids, _ := msg["document_ids"].([]uuid.UUID)
	if len(ids) != 1 {
		t.Errorf("expected the one committed id, got %v", msg["document_ids"])
	}
}

func TestIngestError_StorageWithoutProgress(t *testing.T) {
	err := ingestError(&StorageError{Backend: BackendCloud, Op: "write", Name: "x.pdf"}, &Outcome{})
	he := err.(*echo.HTTPError)
	if he.Code != http.StatusInternalServerError || he.Message != "failed to store document content" {
		t.Errorf("unexpected response %d %v", he.Code, he.Message)
	}
}

// -- Retrieval --

func TestHandler_GetDocument(t *testing.T) {
	h, f, e := newTestHandler(t)
	out, err := f.svc.Ingest(context.Background(), requestWith(1))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(out.DocumentIDs[0].String())

	if err := h.GetDocument(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var doc Document
	json.Unmarshal(rec.Body.Bytes(), &doc)
	if doc.Storage.Backend != BackendArchive {
		t.Errorf("expected archive reference, got %+v", doc.Storage)
	}
}

func TestHandler_GetDocument_NotFound(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	if code := httpCode(t, h.GetDocument(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_GetDocument_InvalidID(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	if code := httpCode(t, h.GetDocument(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_GetContent(t *testing.T) {
	h, f, e := newTestHandler(t)
	out, _ := f.svc.Ingest(context.Background(), requestWith(1))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(out.DocumentIDs[0].String())

	if err := h.GetContent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Body.String() != "%PDF page 1" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if got := rec.Header().Get(echo.HeaderContentType); got != "application/pdf" {
		t.Errorf("expected application/pdf, got %s", got)
	}
	if got := rec.Header().Get(headerETag); got != `"`+ContentHash([]byte("%PDF page 1"))+`"` {
		t.Errorf("unexpected etag %s", got)
	}
	if !strings.Contains(rec.Header().Get(echo.HeaderContentDisposition), `filename="page-1.pdf"`) {
		t.Errorf("unexpected disposition %s", rec.Header().Get(echo.HeaderContentDisposition))
	}
}

func TestHandler_ListDocuments(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.svc.Ingest(context.Background(), requestWith(3))

	req := httptest.NewRequest(http.MethodGet, "/?limit=2", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patientId", "folderId")
	c.SetParamValues("42", "7")

	if err := h.ListDocuments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data    []Document `json:"data"`
		Total   int        `json:"total"`
		HasMore bool       `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Data) != 2 || resp.Total != 3 || !resp.HasMore {
		t.Errorf("unexpected page: %d items, total %d, has_more %v", len(resp.Data), resp.Total, resp.HasMore)
	}
}

func TestHandler_GetLock(t *testing.T) {
	h, f, e := newTestHandler(t)
	newCtx := func() (echo.Context, *httptest.ResponseRecorder) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("patientId", "folderId")
		c.SetParamValues("42", "7")
		return c, rec
	}

	c, _ := newCtx()
	if code := httpCode(t, h.GetLock(c)); code != http.StatusNotFound {
		t.Errorf("expected 404 for a free folder, got %d", code)
	}

	f.locks.hold("42-7", "upload-1", time.Minute)
	c, rec := newCtx()
	if err := h.GetLock(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "upload-1") {
		t.Errorf("expected holder in body, got %s", rec.Body.String())
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler(t)
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"POST /api/v1/patients/:patientId/folders/:folderId/documents": false,
		"GET /api/v1/patients/:patientId/folders/:folderId/documents":  false,
		"GET /api/v1/patients/:patientId/folders/:folderId/lock":       false,
		"GET /api/v1/documents/:id":                                    false,
		"GET /api/v1/documents/:id/content":                            false,
	}
	for _, r := range e.Routes() {
		k := r.Method + " " + r.Path
		if _, ok := want[k]; ok {
			want[k] = true
		}
	}
	for k, seen := range want {
		if !seen {
			t.Errorf("route %s not registered", k)
		}
	}
}

// -- Through the server middleware --

// newTimedServer mounts the handler behind a short request timeout, with a
// coordinator that polls in real time.
func newTimedServer(locks *memLockStore, store ContentStore) *echo.Echo {
	svc := NewService(Deps{
		Locks:       NewCoordinator(locks, CoordinatorConfig{Machine: "ws-01", PollInterval: 5 * time.Millisecond, MaxWaits: 1000000}, zerolog.Nop()),
		Store:       store,
		Documents:   newMockDocumentRepo(),
		Reviews:     &mockReviewRepo{},
		Tx:          &fakeBeginner{},
		MaxFileSize: 1 << 20,
		Logger:      zerolog.Nop(),
	})
	e := echo.New()
	api := e.Group("/api/v1", middleware.RequestTimeout(50*time.Millisecond), auth.DevAuthMiddleware())
	NewHandler(svc, 1<<20).RegisterRoutes(api)
	return e
}

func postUpload(e *echo.Echo, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/patients/42/folders/7/documents", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestServer_Upload_DeadlineWhileWaitingForLock(t *testing.T) {
	locks := newMemLockStore()
	locks.hold("42-7", "other-upload", time.Hour)
	e := newTimedServer(locks, NewArchiveStore(newFakeArchive()))

	body, ct := multipartBody(t, `{"category":"general"}`, uploadFile{"a.pdf", "application/pdf", "%PDF"})
	rec := postUpload(e, body, ct)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "timed out before the upload could start") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if locks.count("create") != 0 {
		t.Error("expected no lock to be acquired")
	}
}

func TestServer_Upload_DeadlineMidBatchKeepsCommittedIDs(t *testing.T) {
	locks := newMemLockStore()
	store := &stallingStore{ContentStore: NewArchiveStore(newFakeArchive()), n: 2}
	e := newTimedServer(locks, store)

	body, ct := multipartBody(t, `{"category":"general"}`,
		uploadFile{"a.pdf", "application/pdf", "%PDF a"},
		uploadFile{"b.pdf", "application/pdf", "%PDF b"},
		uploadFile{"c.pdf", "application/pdf", "%PDF c"},
	)
	rec := postUpload(e, body, ct)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Message     string      `json:"message"`
		DocumentIDs []uuid.UUID `json:"document_ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	if len(resp.DocumentIDs) != 1 {
		t.Errorf("expected the committed id in the response, got %v", resp.DocumentIDs)
	}
	if locks.count("release") != 1 || locks.live() != 0 {
		t.Error("expected the lock to be released")
	}
}
