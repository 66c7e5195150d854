package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/docingest/internal/platform/archive"
	"github.com/ehr/docingest/internal/platform/blobstore"
)

// ---------------------------------------------------------------------------
// Lock store
// ---------------------------------------------------------------------------

type lockEvent struct {
	Op         string // "create" or "release"
	Key        string
	InstanceID string
}

// memLockStore is an in-process LockStore with the same exclusivity rule as
// the PostgreSQL store: one live lock per (category, key).
type memLockStore struct {
	mu     sync.Mutex
	now    func() time.Time
	locks  map[string]*Lock
	events []lockEvent

	probes  int
	creates int

	probeErr  func(n int) error
	createErr func(n int) error
	onProbe   func(n int)
}

func newMemLockStore() *memLockStore {
	return &memLockStore{now: time.Now, locks: make(map[string]*Lock)}
}

func (m *memLockStore) id(category, key string) string { return category + "/" + key }

func (m *memLockStore) Probe(_ context.Context, category, key string) (*Lock, error) {
	m.mu.Lock()
	m.probes++
	n := m.probes
	hook := m.onProbe
	var err error
	if m.probeErr != nil {
		err = m.probeErr(n)
	}
	var out *Lock
	if err == nil {
		if l, ok := m.locks[m.id(category, key)]; ok && l.ExpiresAt.After(m.now()) {
			cp := *l
			out = &cp
		}
	}
	m.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return out, err
}

func (m *memLockStore) Create(_ context.Context, req LockRequest) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.createErr != nil {
		if err := m.createErr(m.creates); err != nil {
			return nil, err
		}
	}
	id := m.id(req.Category, req.Key)
	if l, ok := m.locks[id]; ok && l.ExpiresAt.After(m.now()) {
		return nil, ErrLockHeld
	}
	now := m.now()
	l := &Lock{
		Category:   req.Category,
		Key:        req.Key,
		OwnerUser:  req.OwnerUser,
		OwnerHost:  req.OwnerHost,
		InstanceID: req.InstanceID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(req.TTL),
	}
	m.locks[id] = l
	m.events = append(m.events, lockEvent{Op: "create", Key: req.Key, InstanceID: req.InstanceID})
	cp := *l
	return &cp, nil
}

func (m *memLockStore) Release(_ context.Context, category, key, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id(category, key)
	if l, ok := m.locks[id]; ok && l.InstanceID == instanceID {
		delete(m.locks, id)
	}
	m.events = append(m.events, lockEvent{Op: "release", Key: key, InstanceID: instanceID})
	return nil
}

// hold installs a lock owned by someone else.
func (m *memLockStore) hold(key, instanceID string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.locks[m.id(LockCategory, key)] = &Lock{
		Category: LockCategory, Key: key, OwnerUser: "other", OwnerHost: "other-host",
		InstanceID: instanceID, CreatedAt: now, ExpiresAt: now.Add(ttl),
	}
}

func (m *memLockStore) snapshot() []lockEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]lockEvent(nil), m.events...)
}

func (m *memLockStore) count(op string) int {
	n := 0
	for _, e := range m.snapshot() {
		if e.Op == op {
			n++
		}
	}
	return n
}

func (m *memLockStore) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// fakeClock backs a sleeper that advances simulated time instead of blocking.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps int
	slept  time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.sleeps++
	c.slept += d
	c.mu.Unlock()
	return nil
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context) error { t.rolledBack = true; return nil }

type fakeBeginner struct {
	mu  sync.Mutex
	txs []*fakeTx
}

func (b *fakeBeginner) Begin(context.Context) (pgx.Tx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx := &fakeTx{}
	b.txs = append(b.txs, tx)
	return tx, nil
}

func (b *fakeBeginner) outcomes() (committed, rolledBack int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tx := range b.txs {
		if tx.committed {
			committed++
		}
		if tx.rolledBack {
			rolledBack++
		}
	}
	return
}

// ---------------------------------------------------------------------------
// Repositories
// ---------------------------------------------------------------------------

type mockDocumentRepo struct {
	mu     sync.Mutex
	items  map[uuid.UUID]*Document
	order  []uuid.UUID
	failOn int
	calls  int
}

func newMockDocumentRepo() *mockDocumentRepo {
	return &mockDocumentRepo{items: make(map[uuid.UUID]*Document)}
}

func (m *mockDocumentRepo) Create(_ context.Context, d *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failOn > 0 && m.calls == m.failOn {
		return errors.New("insert document: connection reset")
	}
	d.ID = uuid.New()
	d.CreatedAt = time.Now()
	m.items[d.ID] = d
	m.order = append(m.order, d.ID)
	return nil
}

func (m *mockDocumentRepo) GetByID(_ context.Context, id uuid.UUID) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.items[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return d, nil
}

func (m *mockDocumentRepo) ListByFolder(_ context.Context, patientID, folderID string, limit, offset int) ([]*Document, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Document
	for _, id := range m.order {
		d := m.items[id]
		if d.PatientID == patientID && d.FolderID == folderID {
			all = append(all, d)
		}
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockDocumentRepo) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type mockReviewRepo struct {
	mu    sync.Mutex
	items []*Review
}

func (m *mockReviewRepo) Create(_ context.Context, r *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.New()
	r.CreatedAt = time.Now()
	m.items = append(m.items, r)
	return nil
}

func (m *mockReviewRepo) ListByDocument(_ context.Context, documentID uuid.UUID) ([]*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Review
	for _, r := range m.items {
		if r.DocumentID == documentID {
			out = append(out, r)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Storage collaborators
// ---------------------------------------------------------------------------

type archiveWrite struct {
	Record archive.Record
	Tx     pgx.Tx
	User   string
}

type fakeArchive struct {
	mu      sync.Mutex
	writes  []archiveWrite
	data    map[string][]byte
	failOn  int
	calls   int
	onWrite func()
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{data: make(map[string][]byte)}
}

func (a *fakeArchive) Write(_ context.Context, tx pgx.Tx, rec archive.Record, user string) (archive.Reference, error) {
	if a.onWrite != nil {
		a.onWrite()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.failOn > 0 && a.calls == a.failOn {
		return archive.Reference{}, errors.New("archive insert: disk full")
	}
	a.writes = append(a.writes, archiveWrite{Record: rec, Tx: tx, User: user})
	a.data[rec.FileName] = rec.Content
	return archive.Reference{FileName: rec.FileName, Path: "document"}, nil
}

func (a *fakeArchive) Read(_ context.Context, ref archive.Reference) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.data[ref.FileName]
	if !ok {
		return nil, archive.ErrNotFound
	}
	return d, nil
}

func (a *fakeArchive) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type flakyBlobs struct {
	*blobstore.InMemoryClient
	mu     sync.Mutex
	calls  int
	failOn int
}

func newFlakyBlobs(failOn int) *flakyBlobs {
	return &flakyBlobs{InMemoryClient: blobstore.NewInMemoryClient(), failOn: failOn}
}

func (f *flakyBlobs) Write(ctx context.Context, ref blobstore.Reference, data []byte) error {
	f.mu.Lock()
	f.calls++
	fail := f.failOn > 0 && f.calls == f.failOn
	f.mu.Unlock()
	if fail {
		return errors.New("PUT blob: connection reset by peer")
	}
	return f.InMemoryClient.Write(ctx, ref, data)
}

// stallingStore blocks its nth Store call until ctx ends, the way a network
// write hangs past a request deadline.
type stallingStore struct {
	ContentStore
	n     int32
	calls atomic.Int32
}

func (s *stallingStore) Store(ctx context.Context, tx pgx.Tx, obj StoreObject) (StorageReference, error) {
	if s.calls.Add(1) == s.n {
		<-ctx.Done()
		return StorageReference{}, &StorageError{Backend: s.Backend(), Op: "write", Name: obj.Name, Err: ctx.Err()}
	}
	return s.ContentStore.Store(ctx, tx, obj)
}
