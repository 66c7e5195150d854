package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/docingest/internal/platform/metrics"
)

// LockCategory is the only lock category this service creates.
const LockCategory = "processing"

const (
	DefaultPollInterval   = 200 * time.Millisecond
	DefaultMaxWaits       = 1500
	DefaultLockTTL        = 5 * time.Minute
	DefaultReleaseTimeout = 10 * time.Second

	// transientLogEvery throttles logging of lock store errors during long waits.
	transientLogEvery = 100
)

// Lock is a live, expiring claim on a key.
type Lock struct {
	Category   string    `json:"category"`
	Key        string    `json:"key"`
	OwnerUser  string    `json:"owner_user"`
	OwnerHost  string    `json:"owner_host"`
	InstanceID string    `json:"instance_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LockRequest asks the store to create a lock.
type LockRequest struct {
	Category   string
	Key        string
	OwnerUser  string
	OwnerHost  string
	InstanceID string
	TTL        time.Duration
}

// LockStore is the shared store that enforces exclusivity. At most one live
// lock may exist per (category, key); expired locks count as absent.
type LockStore interface {
	// Probe returns the live lock for key, or nil when there is none.
	Probe(ctx context.Context, category, key string) (*Lock, error)
	// Create returns ErrLockHeld when a live lock already exists.
	Create(ctx context.Context, req LockRequest) (*Lock, error)
	// Release deletes the lock only if instanceID owns it.
	Release(ctx context.Context, category, key, instanceID string) error
}

var lockKeyEscaper = strings.NewReplacer(`\`, `\\`, "-", `\-`)

// LockKey scopes exclusion to one patient folder. Ids are escaped so only the
// separator is a bare "-": ("4-2", "7") and ("4", "2-7") get distinct keys.
func LockKey(patientID, folderID string) string {
	return lockKeyEscaper.Replace(patientID) + "-" + lockKeyEscaper.Replace(folderID)
}

// LockState is a step of one acquisition attempt.
type LockState int

const (
	StateProbing LockState = iota
	StateAcquiring
	StateWaiting
	StateHeld
	StateTimedOut
	StateCancelled
)

func (s LockState) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateAcquiring:
		return "acquiring"
	case StateWaiting:
		return "waiting"
	case StateHeld:
		return "held"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("LockState(%d)", int(s))
}

type CoordinatorConfig struct {
	Machine        string
	PollInterval   time.Duration
	MaxWaits       int
	TTL            time.Duration
	ReleaseTimeout time.Duration
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxWaits <= 0 {
		c.MaxWaits = DefaultMaxWaits
	}
	if c.TTL <= 0 {
		c.TTL = DefaultLockTTL
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = DefaultReleaseTimeout
	}
	return c
}

// Sleeper blocks for d or until ctx is done, returning ctx's error in that case.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type CoordinatorOption func(*Coordinator)

// WithSleeper replaces the wait between probes.
func WithSleeper(s Sleeper) CoordinatorOption {
	return func(c *Coordinator) { c.sleep = s }
}

// WithInstanceIDs replaces the per-attempt instance id generator.
func WithInstanceIDs(gen func() string) CoordinatorOption {
	return func(c *Coordinator) { c.newInstanceID = gen }
}

// Coordinator acquires and releases processing locks by polling a LockStore.
// Waiters are not ordered; whichever probe wins the create race holds the key.
type Coordinator struct {
	store         LockStore
	cfg           CoordinatorConfig
	logger        zerolog.Logger
	sleep         Sleeper
	newInstanceID func() string
}

func NewCoordinator(store LockStore, cfg CoordinatorConfig, logger zerolog.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:         store,
		cfg:           cfg.withDefaults(),
		logger:        logger.With().Str("component", "lock").Logger(),
		sleep:         sleepContext,
		newInstanceID: uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Acquire blocks until key is held by user or the wait fails. It returns
// ErrLockTimeout once MaxWaits waits have elapsed with the key still held,
// and an error matching both ErrLockCancelled and the context's error when
// ctx ends first.
func (c *Coordinator) Acquire(ctx context.Context, key, user string) (*Lock, error) {
	start := time.Now()
	req := LockRequest{
		Category:   LockCategory,
		Key:        key,
		OwnerUser:  user,
		OwnerHost:  c.cfg.Machine,
		InstanceID: c.newInstanceID(),
		TTL:        c.cfg.TTL,
	}
	log := c.logger.With().Str("lock_key", key).Str("instance_id", req.InstanceID).Logger()

	var (
		state     = StateProbing
		waits     int
		transient int
		holder    *Lock
	)
	for {
		switch state {
		case StateProbing:
			if err := ctx.Err(); err != nil {
				return nil, c.cancelled(log, start, waits, err)
			}
			current, err := c.store.Probe(ctx, LockCategory, key)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return nil, c.cancelled(log, start, waits, ctx.Err())
				}
				transient++
				c.transientError(log, "probe", transient, err)
				state = StateWaiting
			case current != nil:
				holder = current
				state = StateWaiting
			default:
				state = StateAcquiring
			}

		case StateAcquiring:
			lock, err := c.store.Create(ctx, req)
			switch {
			case err == nil:
				metrics.RecordLockAcquire(metrics.LockAcquired, time.Since(start))
				log.Debug().Int("waits", waits).Dur("waited", time.Since(start)).Msg("lock acquired")
				return lock, nil
			case errors.Is(err, ErrLockHeld):
				state = StateWaiting
			case ctx.Err() != nil:
				// The insert may have landed before the context died.
				c.abandon(ctx, log, req)
				return nil, c.cancelled(log, start, waits, ctx.Err())
			default:
				transient++
				c.transientError(log, "create", transient, err)
				state = StateWaiting
			}

		case StateWaiting:
			if waits >= c.cfg.MaxWaits {
				metrics.RecordLockAcquire(metrics.LockTimedOut, time.Since(start))
				evt := log.Warn().Int("waits", waits).Dur("waited", time.Since(start))
				if holder != nil {
					evt = evt.Str("holder_user", holder.OwnerUser).Str("holder_host", holder.OwnerHost)
				}
				evt.Msg("lock wait timed out")
				return nil, fmt.Errorf("%w: key %s after %d waits", ErrLockTimeout, key, waits)
			}
			if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
				return nil, c.cancelled(log, start, waits, err)
			}
			waits++
			state = StateProbing
		}
	}
}

// Release deletes lock if this attempt still owns it. It runs detached from
// ctx cancellation so a cancelled request still frees its key.
func (c *Coordinator) Release(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ReleaseTimeout)
	defer cancel()

	metrics.RecordLockRelease()
	if err := c.store.Release(rctx, lock.Category, lock.Key, lock.InstanceID); err != nil {
		c.logger.Error().Err(err).
			Str("lock_key", lock.Key).
			Str("instance_id", lock.InstanceID).
			Time("expires_at", lock.ExpiresAt).
			Msg("lock release failed; key stays held until expiry")
		return fmt.Errorf("release lock %s: %w", lock.Key, err)
	}
	return nil
}

// TTL is how long a lock stays live after it is created.
func (c *Coordinator) TTL() time.Duration { return c.cfg.TTL }

// Holder returns the live lock on key, if any.
func (c *Coordinator) Holder(ctx context.Context, key string) (*Lock, error) {
	return c.store.Probe(ctx, LockCategory, key)
}

func (c *Coordinator) cancelled(log zerolog.Logger, start time.Time, waits int, cause error) error {
	metrics.RecordLockAcquire(metrics.LockCancelled, time.Since(start))
	log.Info().Int("waits", waits).Err(cause).Msg("lock wait cancelled")
	return fmt.Errorf("%w: %w", ErrLockCancelled, cause)
}

func (c *Coordinator) transientError(log zerolog.Logger, op string, n int, err error) {
	metrics.RecordLockStoreError()
	if n%transientLogEvery == 0 {
		log.Warn().Err(err).Str("op", op).Int("occurrences", n).Msg("lock store error, still waiting")
	}
}

func (c *Coordinator) abandon(ctx context.Context, log zerolog.Logger, req LockRequest) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ReleaseTimeout)
	defer cancel()
	if err := c.store.Release(rctx, req.Category, req.Key, req.InstanceID); err != nil {
		log.Warn().Err(err).Msg("cleanup of interrupted lock create failed")
	}
}
