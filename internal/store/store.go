// Package store persists dispatch state: sessions, the per-list cursor,
// the append-only dispatch log, probe history, content variants and list
// locks. Two backends are provided: bbolt (default) and SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/rotasend/internal/content"
)

var (
	// ErrNoListAvailable is returned when a list reference does not resolve
	ErrNoListAvailable = errors.New("no recipient list available")
	// ErrPersistence wraps any failure of the underlying storage engine
	ErrPersistence = errors.New("persistence error")
	// ErrTerminal is returned when updating a session in a terminal state
	ErrTerminal = errors.New("session is in a terminal state")
	// ErrLocked is returned when another process holds the list lock
	ErrLocked = errors.New("recipient list is locked by another dispatch")
	// ErrNotFound is returned for unknown sessions or variants
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique name is reused
	ErrDuplicate = errors.New("already exists")
)

// Store is the persistence API used by the dispatch engine, the CLI and
// the status API. Implementations are safe for use by one writer and
// concurrent readers.
type Store interface {
	// AddList registers a recipient list file
	AddList(ctx context.Context, name, path string, total int) (*List, error)
	// GetList resolves a list reference
	GetList(ctx context.Context, ref ListRef) (*List, error)
	// Lists returns all registered lists ordered by id
	Lists(ctx context.Context) ([]*List, error)
	// SetListTotal updates the number of valid recipients of a list
	SetListTotal(ctx context.Context, listID int64, total int) error
	// LoadCursor returns the last committed position (0 for a fresh list)
	LoadCursor(ctx context.Context, ref ListRef) (int, error)
	// AdvanceCursor moves the cursor forward; smaller positions are ignored
	AdvanceCursor(ctx context.Context, listID int64, position int) error
	// ResetCursor moves the cursor back to 0
	ResetCursor(ctx context.Context, ref ListRef) error

	// CreateSession creates a STARTED session for a list
	CreateSession(ctx context.Context, ns NewSession) (*Session, error)
	// Checkpoint atomically updates session counters, status and the list cursor
	Checkpoint(ctx context.Context, sessionID string, cp Checkpoint) error
	// GetSession returns a session or ErrNotFound
	GetSession(ctx context.Context, id string) (*Session, error)
	// ListSessions returns sessions newest first
	ListSessions(ctx context.Context, limit int) ([]*Session, error)
	// LastSession returns the newest session of a list, or nil
	LastSession(ctx context.Context, listID int64) (*Session, error)

	// AppendLog appends a dispatch log entry
	AppendLog(ctx context.Context, e *LogEntry) error
	// ListLogs returns log entries in insertion order
	ListLogs(ctx context.Context, f LogFilter) ([]*LogEntry, error)
	// AppendProbe appends a probe history entry
	AppendProbe(ctx context.Context, e *ProbeEntry) error
	// ListProbes returns the probes of a session in order
	ListProbes(ctx context.Context, sessionID string) ([]*ProbeEntry, error)

	// AddVariant stores a new variant and returns the updated active pool
	AddVariant(ctx context.Context, v *content.Variant) (content.Pool, error)
	// SetVariantActive toggles a variant and returns the updated active pool
	SetVariantActive(ctx context.Context, kind content.Kind, id int64, active bool) (content.Pool, error)
	// Variants returns all variants of a kind, active or not
	Variants(ctx context.Context, kind content.Kind) ([]*content.Variant, error)

	// AcquireLock takes the list lock; force breaks a lock held by another owner
	AcquireLock(ctx context.Context, lock Lock, force bool) error
	// ReleaseLock drops the lock if owner holds it
	ReleaseLock(ctx context.Context, listID int64, owner string) error
	// GetLock returns the current lock of a list, or nil
	GetLock(ctx context.Context, listID int64) (*Lock, error)

	// GetKV and PutKV store small auxiliary records
	GetKV(ctx context.Context, key string) ([]byte, error)
	PutKV(ctx context.Context, key string, value []byte) error

	// Stats returns aggregate counters
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// Drivers
const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// Open opens the store for the configured driver
func Open(driver, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverBolt, "bbolt":
		return NewBoltStore(path)
	case DriverSQLite, "sqlite3":
		return NewSQLiteStore(path)
	}
	return nil, fmt.Errorf("unknown storage driver: %s", driver)
}

// LoadPools loads the active pool of every axis
func LoadPools(ctx context.Context, s Store) (content.Pools, error) {
	var pools content.Pools
	for _, kind := range content.Kinds {
		vs, err := s.Variants(ctx, kind)
		if err != nil {
			return pools, err
		}
		p := content.NewPool(kind, vs)
		switch kind {
		case content.KindTemplate:
			pools.Templates = p
		case content.KindSubject:
			pools.Subjects = p
		case content.KindSender:
			pools.Senders = p
		}
	}
	return pools, nil
}

// wrap marks storage engine failures as persistence errors and passes
// domain errors through unchanged
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNoListAvailable, ErrTerminal, ErrLocked, ErrNotFound, ErrDuplicate, ErrPersistence} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// advance applies a checkpoint to a session. The first checkpoint of a
// STARTED session moves it to RUNNING; the cursor never moves backward.
func advance(sess *Session, cp Checkpoint, now time.Time) error {
	if sess.Status.Terminal() {
		return fmt.Errorf("%w: session %s is %s", ErrTerminal, sess.ID, sess.Status)
	}

	status := cp.Status
	if status == "" || status == StatusStarted {
		status = StatusRunning
	}

	if cp.Cursor > sess.Cursor {
		sess.Cursor = cp.Cursor
	}
	sess.SentCount = cp.Sent
	sess.FailedCount = cp.Failed
	sess.ProbeCount = cp.Probes
	sess.Status = status
	if cp.Error != "" {
		sess.Error = cp.Error
	}
	if status.Terminal() {
		end := now
		sess.EndTime = &end
	}
	return nil
}

// newSessionID returns a time-ordered session id
func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
