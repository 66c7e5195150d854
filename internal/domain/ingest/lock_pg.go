package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/docingest/internal/platform/db"
)

type lockStorePG struct{ conn db.Queryable }

// NewLockStorePG returns a LockStore over the processing_lock table. Expiry is
// judged by the database clock so hosts with skewed clocks agree.
func NewLockStorePG(conn db.Queryable) LockStore { return &lockStorePG{conn: conn} }

const lockCols = `category, lock_key, owner_user, owner_host, instance_id, created_at, expires_at`

func scanLock(row pgx.Row) (*Lock, error) {
	var l Lock
	err := row.Scan(&l.Category, &l.Key, &l.OwnerUser, &l.OwnerHost, &l.InstanceID, &l.CreatedAt, &l.ExpiresAt)
	return &l, err
}

func (s *lockStorePG) Probe(ctx context.Context, category, key string) (*Lock, error) {
	l, err := scanLock(s.conn.QueryRow(ctx,
		`SELECT `+lockCols+` FROM processing_lock WHERE category = $1 AND lock_key = $2 AND expires_at > NOW()`,
		category, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("probe lock %s: %w", key, err)
	}
	return l, nil
}

func (s *lockStorePG) Create(ctx context.Context, req LockRequest) (*Lock, error) {
	// A crashed holder leaves an expired row behind; clear it so the insert
	// below only conflicts with live locks.
	if _, err := s.conn.Exec(ctx,
		`DELETE FROM processing_lock WHERE category = $1 AND lock_key = $2 AND expires_at <= NOW()`,
		req.Category, req.Key); err != nil {
		return nil, fmt.Errorf("clear expired lock %s: %w", req.Key, err)
	}

	l, err := scanLock(s.conn.QueryRow(ctx, `
		INSERT INTO processing_lock (category, lock_key, owner_user, owner_host, instance_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW() + make_interval(secs => $6))
		ON CONFLICT (category, lock_key) DO NOTHING
		RETURNING `+lockCols,
		req.Category, req.Key, req.OwnerUser, req.OwnerHost, req.InstanceID, req.TTL.Seconds()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("create lock %s: %w", req.Key, err)
	}
	return l, nil
}

func (s *lockStorePG) Release(ctx context.Context, category, key, instanceID string) error {
	_, err := s.conn.Exec(ctx,
		`DELETE FROM processing_lock WHERE category = $1 AND lock_key = $2 AND instance_id = $3`,
		category, key, instanceID)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// ListLocks returns every live lock in category, oldest first. Used by
// operator tooling.
func ListLocks(ctx context.Context, conn db.Queryable, category string) ([]*Lock, error) {
	rows, err := conn.Query(ctx,
		`SELECT `+lockCols+` FROM processing_lock WHERE category = $1 AND expires_at > NOW() ORDER BY created_at`,
		category)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()
	var items []*Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

// Remaining reports how long l stays live as of now.
func (l *Lock) Remaining(now time.Time) time.Duration {
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
