// Package sessions holds durable session storage (the append-only
// conversation transcript, exclusively owned by its session mutex
// while a run holds the lock) and a distributed alternative to the
// in-process session mutex for multi-node deployments.
package sessions

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/kilnforge/conductor/internal/observability"
	"go.opentelemetry.io/otel/trace"
)

// Locker provides a process-safe session lock interface. DBLocker below
// satisfies it; the in-process strict-FIFO sessionmutex.Mutex does not
// (it exposes Acquire/Release/Run), and the AgentLoop takes a Locker only
// as an extra lock acquired alongside that mutex.
type Locker interface {
	Lock(ctx context.Context, sessionID string) error
	Unlock(sessionID string)
}

var (
	// ErrLockTimeout is returned when acquiring a lock times out.
	ErrLockTimeout = errors.New("sessions: lock acquisition timeout")
)

// DBLockerConfig configures the DB-backed session lock.
type DBLockerConfig struct {
	OwnerID         string
	TTL             time.Duration
	RefreshInterval time.Duration
	AcquireTimeout  time.Duration
	PollInterval    time.Duration
}

// DefaultDBLockerConfig returns default settings for DBLocker.
func DefaultDBLockerConfig() DBLockerConfig {
	return DBLockerConfig{
		TTL:             2 * time.Minute,
		RefreshInterval: 30 * time.Second,
		AcquireTimeout:  10 * time.Second,
		PollInterval:    200 * time.Millisecond,
	}
}

// DBLocker implements a DB-backed lease lock for sessions.
type DBLocker struct {
	db     *sql.DB
	config DBLockerConfig

	mu     sync.Mutex
	renew  map[string]context.CancelFunc
	closed bool

	// Metrics and Tracer, if set, observe every session_locks query
	// this locker issues (acquire, release, extend).
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// NewDBLocker creates a new DB-backed session locker.
func NewDBLocker(db *sql.DB, cfg DBLockerConfig) (*DBLocker, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if cfg.OwnerID == "" {
		return nil, errors.New("owner id is required")
	}
	defaults := DefaultDBLockerConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaults.RefreshInterval
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaults.AcquireTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	return &DBLocker{
		db:     db,
		config: cfg,
		renew:  make(map[string]context.CancelFunc),
	}, nil
}

// Lock attempts to acquire a DB-backed lock with lease renewal.
func (l *DBLocker) Lock(ctx context.Context, sessionID string) error {
	if l == nil {
		return errors.New("session locker unavailable")
	}
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("session_id is required")
	}

	deadline := time.Now().Add(l.config.AcquireTimeout)
	for {
		ok, err := l.tryAcquire(ctx, sessionID)
		if err != nil {
			return err
		}
		if ok {
			l.startRenew(sessionID)
			return nil
		}

		if time.Now().After(deadline) {
			return ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.config.PollInterval):
		}
	}
}

// Unlock releases a DB-backed lock.
func (l *DBLocker) Unlock(sessionID string) {
	if l == nil {
		return
	}
	l.stopRenew(sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ctx, span := l.traceQuery(ctx, "release")
	start := time.Now()
	_, err := l.db.ExecContext(ctx, `
		DELETE FROM session_locks
		WHERE session_id = $1 AND owner_id = $2
	`, sessionID, l.config.OwnerID)
	// Best-effort unlock; if this fails, the lock will expire via TTL.
	l.recordQuery(span, "release", err, start)
}

// Close stops all renew loops.
func (l *DBLocker) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, cancel := range l.renew {
		cancel()
	}
	l.renew = make(map[string]context.CancelFunc)
	l.mu.Unlock()
	return nil
}

func (l *DBLocker) tryAcquire(ctx context.Context, sessionID string) (bool, error) {
	now := time.Now()
	expiresAt := now.Add(l.config.TTL)

	ctx, span := l.traceQuery(ctx, "acquire")
	start := time.Now()
	var owner string
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO session_locks (session_id, owner_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE
		SET owner_id = EXCLUDED.owner_id,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE session_locks.expires_at < $3 OR session_locks.owner_id = EXCLUDED.owner_id
		RETURNING owner_id
	`, sessionID, l.config.OwnerID, now, expiresAt).Scan(&owner)

	if err == sql.ErrNoRows {
		l.recordQuery(span, "acquire", nil, start)
		return false, nil
	}
	if err != nil {
		l.recordQuery(span, "acquire", err, start)
		return false, err
	}
	l.recordQuery(span, "acquire", nil, start)
	return owner == l.config.OwnerID, nil
}

// traceQuery starts a session_lock query span, or returns ctx
// unchanged with a nil span when no Tracer is configured.
func (l *DBLocker) traceQuery(ctx context.Context, operation string) (context.Context, trace.Span) {
	if l.Tracer == nil {
		return ctx, nil
	}
	return l.Tracer.TraceSessionLockQuery(ctx, operation)
}

// recordQuery ends span (if any), records its error, and reports the
// query's duration and outcome to Metrics (if configured).
func (l *DBLocker) recordQuery(span trace.Span, operation string, err error, start time.Time) {
	status := "success"
	if err != nil {
		status = "error"
		if l.Tracer != nil && span != nil {
			l.Tracer.RecordError(span, err)
		}
	}
	if span != nil {
		span.End()
	}
	if l.Metrics != nil {
		l.Metrics.RecordSessionLockQuery(operation, status, time.Since(start).Seconds())
	}
}

func (l *DBLocker) startRenew(sessionID string) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if _, ok := l.renew[sessionID]; ok {
		l.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.renew[sessionID] = cancel
	l.mu.Unlock()

	go l.renewLoop(ctx, sessionID)
}

func (l *DBLocker) stopRenew(sessionID string) {
	l.mu.Lock()
	cancel, ok := l.renew[sessionID]
	if ok {
		delete(l.renew, sessionID)
	}
	l.mu.Unlock()
	if ok {
		cancel()
	}
}

func (l *DBLocker) renewLoop(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(l.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.extendLease(ctx, sessionID) {
				l.stopRenew(sessionID)
				return
			}
		}
	}
}

func (l *DBLocker) extendLease(ctx context.Context, sessionID string) bool {
	expiresAt := time.Now().Add(l.config.TTL)

	ctx, span := l.traceQuery(ctx, "extend")
	start := time.Now()
	result, err := l.db.ExecContext(ctx, `
		UPDATE session_locks
		SET expires_at = $1
		WHERE session_id = $2 AND owner_id = $3
	`, expiresAt, sessionID, l.config.OwnerID)
	if err != nil {
		l.recordQuery(span, "extend", err, start)
		return false
	}
	rows, err := result.RowsAffected()
	if err != nil {
		l.recordQuery(span, "extend", err, start)
		return false
	}
	l.recordQuery(span, "extend", nil, start)
	return rows > 0
}
