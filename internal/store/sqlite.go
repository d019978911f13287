package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/foxzi/rotasend/internal/content"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a SQLite database
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens or creates a SQLite store
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrap("open database", err)
	}
	// one writer keeps transactions serialized
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, wrap("migrate", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// AddList registers a recipient list
func (s *SQLiteStore) AddList(ctx context.Context, name, path string, total int) (*List, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("list name is required")
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lists WHERE name = ?`, name).Scan(&exists)
	if err != nil {
		return nil, wrap("add list", err)
	}
	if exists > 0 {
		return nil, fmt.Errorf("list %q: %w", name, ErrDuplicate)
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO lists(name, path, total, cursor, created_at, updated_at) VALUES(?,?,?,0,?,?)`,
		name, path, total, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, wrap("add list", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, wrap("add list", err)
	}
	return &List{ID: id, Name: name, Path: path, Total: total, CreatedAt: now, UpdatedAt: now}, nil
}

const listColumns = `id, name, path, total, cursor, created_at, updated_at`

// GetList resolves a list reference
func (s *SQLiteStore) GetList(ctx context.Context, ref ListRef) (*List, error) {
	list, err := s.resolveList(ctx, s.db, ref)
	if err != nil {
		return nil, wrap("get list", err)
	}
	return list, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) resolveList(ctx context.Context, q queryer, ref ListRef) (*List, error) {
	var row *sql.Row
	switch {
	case ref.ID > 0:
		row = q.QueryRowContext(ctx, `SELECT `+listColumns+` FROM lists WHERE id = ?`, ref.ID)
	case ref.Name != "":
		row = q.QueryRowContext(ctx, `SELECT `+listColumns+` FROM lists WHERE name = ?`, ref.Name)
	default:
		row = q.QueryRowContext(ctx, `SELECT `+listColumns+` FROM lists ORDER BY id LIMIT 1`)
	}

	list, err := scanList(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoListAvailable, ref)
	}
	return list, err
}

// Lists returns all registered lists
func (s *SQLiteStore) Lists(ctx context.Context) ([]*List, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+listColumns+` FROM lists ORDER BY id`)
	if err != nil {
		return nil, wrap("list lists", err)
	}
	defer rows.Close()

	var out []*List
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, wrap("list lists", err)
		}
		out = append(out, l)
	}
	return out, wrap("list lists", rows.Err())
}

// SetListTotal updates the recipient count of a list
func (s *SQLiteStore) SetListTotal(ctx context.Context, listID int64, total int) error {
	return s.updateList(ctx, "set list total",
		`UPDATE lists SET total = ?, updated_at = ? WHERE id = ?`, total, fmtTime(s.now()), listID)
}

// LoadCursor returns the committed cursor of a list
func (s *SQLiteStore) LoadCursor(ctx context.Context, ref ListRef) (int, error) {
	list, err := s.GetList(ctx, ref)
	if err != nil {
		return 0, err
	}
	return list.Cursor, nil
}

// AdvanceCursor moves the list cursor forward
func (s *SQLiteStore) AdvanceCursor(ctx context.Context, listID int64, position int) error {
	if _, err := s.GetList(ctx, ListRef{ID: listID}); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE lists SET cursor = ?, updated_at = ? WHERE id = ? AND cursor < ?`,
		position, fmtTime(s.now()), listID, position)
	return wrap("advance cursor", err)
}

// ResetCursor moves the list cursor back to the beginning
func (s *SQLiteStore) ResetCursor(ctx context.Context, ref ListRef) error {
	list, err := s.GetList(ctx, ref)
	if err != nil {
		return err
	}
	return s.updateList(ctx, "reset cursor",
		`UPDATE lists SET cursor = 0, updated_at = ? WHERE id = ?`, fmtTime(s.now()), list.ID)
}

func (s *SQLiteStore) updateList(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrap(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: list %v", ErrNoListAvailable, args[len(args)-1])
	}
	return nil
}

const sessionColumns = `id, list_id, start_time, end_time, total_emails, start_position, cursor,
	sent_count, failed_count, probe_count, status, config_fingerprint, error`

// CreateSession creates a new STARTED session
func (s *SQLiteStore) CreateSession(ctx context.Context, ns NewSession) (*Session, error) {
	list, err := s.GetList(ctx, ns.List)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:            newSessionID(),
		ListID:        list.ID,
		StartTime:     s.now().UTC(),
		TotalEmails:   ns.TotalEmails,
		StartPosition: ns.StartPosition,
		Cursor:        ns.StartPosition,
		Status:        StatusStarted,
		Fingerprint:   ns.Fingerprint,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions(`+sessionColumns+`) VALUES(?,?,?,NULL,?,?,?,0,0,0,?,?,'')`,
		sess.ID, sess.ListID, fmtTime(sess.StartTime), sess.TotalEmails, sess.StartPosition,
		sess.Cursor, sess.Status, sess.Fingerprint)
	if err != nil {
		return nil, wrap("create session", err)
	}
	return sess, nil
}

// Checkpoint updates the session and the list cursor in one transaction
func (s *SQLiteStore) Checkpoint(ctx context.Context, sessionID string, cp Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("checkpoint", err)
	}
	defer tx.Rollback()

	sess, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return wrap("checkpoint", err)
	}

	now := s.now().UTC()
	if err := advance(sess, cp, now); err != nil {
		return err
	}

	var end any
	if sess.EndTime != nil {
		end = fmtTime(*sess.EndTime)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET end_time = ?, cursor = ?, sent_count = ?, failed_count = ?,
		 probe_count = ?, status = ?, error = ? WHERE id = ?`,
		end, sess.Cursor, sess.SentCount, sess.FailedCount, sess.ProbeCount, sess.Status, sess.Error, sess.ID)
	if err != nil {
		return wrap("checkpoint", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE lists SET cursor = ?, updated_at = ? WHERE id = ? AND cursor < ?`,
		sess.Cursor, fmtTime(now), sess.ListID, sess.Cursor)
	if err != nil {
		return wrap("checkpoint", err)
	}

	return wrap("checkpoint", tx.Commit())
}

// GetSession returns a session by id
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get session", err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY start_time DESC, rowid DESC LIMIT ?`, limit)
}

// LastSession returns the newest session of a list
func (s *SQLiteStore) LastSession(ctx context.Context, listID int64) (*Session, error) {
	out, err := s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE list_id = ? ORDER BY start_time DESC, rowid DESC LIMIT 1`, listID)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list sessions", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, wrap("list sessions", err)
		}
		out = append(out, sess)
	}
	return out, wrap("list sessions", rows.Err())
}

// AppendLog appends a dispatch log entry
func (s *SQLiteStore) AppendLog(ctx context.Context, e *LogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs(session_id, idx, recipient, template_id, subject_id, sender_id, ts, status, error)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.SessionID, e.Index, e.Recipient, e.TemplateID, e.SubjectID, e.SenderID,
		fmtTime(e.Timestamp), e.Status, e.Error)
	return wrap("append log", err)
}

// ListLogs returns log entries in insertion order
func (s *SQLiteStore) ListLogs(ctx context.Context, f LogFilter) ([]*LogEntry, error) {
	query := `SELECT session_id, idx, recipient, template_id, subject_id, sender_id, ts, status, error FROM logs`
	var where []string
	var args []any
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY id LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list logs", err)
	}
	defer rows.Close()

	var out []*LogEntry
	for rows.Next() {
		var e LogEntry
		var ts string
		if err := rows.Scan(&e.SessionID, &e.Index, &e.Recipient, &e.TemplateID, &e.SubjectID,
			&e.SenderID, &ts, &e.Status, &e.Error); err != nil {
			return nil, wrap("list logs", err)
		}
		e.Timestamp = parseTime(ts)
		out = append(out, &e)
	}
	return out, wrap("list logs", rows.Err())
}

// AppendProbe appends a probe entry
func (s *SQLiteStore) AppendProbe(ctx context.Context, e *ProbeEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO probes(session_id, probe_number, kind, ts, sent_at_probe, failed_at_probe, delivered, failed, error)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.SessionID, e.Number, e.Kind, fmtTime(e.Timestamp), e.SentAtProbe, e.FailedAt,
		e.Delivered, e.Failed, e.Error)
	return wrap("append probe", err)
}

// ListProbes returns the probe history of a session
func (s *SQLiteStore) ListProbes(ctx context.Context, sessionID string) ([]*ProbeEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, probe_number, kind, ts, sent_at_probe, failed_at_probe, delivered, failed, error
		 FROM probes WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, wrap("list probes", err)
	}
	defer rows.Close()

	var out []*ProbeEntry
	for rows.Next() {
		var e ProbeEntry
		var ts string
		if err := rows.Scan(&e.SessionID, &e.Number, &e.Kind, &ts, &e.SentAtProbe, &e.FailedAt,
			&e.Delivered, &e.Failed, &e.Error); err != nil {
			return nil, wrap("list probes", err)
		}
		e.Timestamp = parseTime(ts)
		out = append(out, &e)
	}
	return out, wrap("list probes", rows.Err())
}

// AddVariant stores a new content variant
func (s *SQLiteStore) AddVariant(ctx context.Context, v *content.Variant) (content.Pool, error) {
	if err := v.Validate(); err != nil {
		return content.Pool{}, err
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO variants(kind, name, body, content_type, text, address, active, weight, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		v.Kind, v.Name, v.Body, v.ContentType, v.Text, v.Address, v.Active, v.Weight, fmtTime(v.CreatedAt))
	if err != nil {
		return content.Pool{}, wrap("add variant", err)
	}
	if v.ID, err = res.LastInsertId(); err != nil {
		return content.Pool{}, wrap("add variant", err)
	}
	return s.pool(ctx, v.Kind)
}

// SetVariantActive enables or disables a variant
func (s *SQLiteStore) SetVariantActive(ctx context.Context, kind content.Kind, id int64, active bool) (content.Pool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE variants SET active = ? WHERE id = ? AND kind = ?`, active, id, kind)
	if err != nil {
		return content.Pool{}, wrap("set variant active", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return content.Pool{}, fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return s.pool(ctx, kind)
}

// Variants returns all variants of a kind
func (s *SQLiteStore) Variants(ctx context.Context, kind content.Kind) ([]*content.Variant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, name, body, content_type, text, address, active, weight, created_at
		 FROM variants WHERE kind = ? ORDER BY id`, kind)
	if err != nil {
		return nil, wrap("list variants", err)
	}
	defer rows.Close()

	var out []*content.Variant
	for rows.Next() {
		var v content.Variant
		var created string
		if err := rows.Scan(&v.ID, &v.Kind, &v.Name, &v.Body, &v.ContentType, &v.Text, &v.Address,
			&v.Active, &v.Weight, &created); err != nil {
			return nil, wrap("list variants", err)
		}
		v.CreatedAt = parseTime(created)
		out = append(out, &v)
	}
	return out, wrap("list variants", rows.Err())
}

func (s *SQLiteStore) pool(ctx context.Context, kind content.Kind) (content.Pool, error) {
	vs, err := s.Variants(ctx, kind)
	if err != nil {
		return content.Pool{}, err
	}
	return content.NewPool(kind, vs), nil
}

// AcquireLock takes the dispatch lock of a list
func (s *SQLiteStore) AcquireLock(ctx context.Context, lock Lock, force bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("acquire lock", err)
	}
	defer tx.Rollback()

	held, err := scanLock(tx.QueryRowContext(ctx,
		`SELECT list_id, owner, pid, hostname, acquired_at FROM locks WHERE list_id = ?`, lock.ListID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return wrap("acquire lock", err)
	}
	if held != nil && held.Owner != lock.Owner && !force {
		return lockedError(held)
	}

	if lock.AcquiredAt.IsZero() {
		lock.AcquiredAt = s.now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO locks(list_id, owner, pid, hostname, acquired_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(list_id) DO UPDATE SET owner=excluded.owner, pid=excluded.pid,
		 hostname=excluded.hostname, acquired_at=excluded.acquired_at`,
		lock.ListID, lock.Owner, lock.PID, lock.Hostname, fmtTime(lock.AcquiredAt))
	if err != nil {
		return wrap("acquire lock", err)
	}
	return wrap("acquire lock", tx.Commit())
}

// ReleaseLock drops the lock if owner holds it
func (s *SQLiteStore) ReleaseLock(ctx context.Context, listID int64, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE list_id = ? AND owner = ?`, listID, owner)
	return wrap("release lock", err)
}

// GetLock returns the current lock of a list
func (s *SQLiteStore) GetLock(ctx context.Context, listID int64) (*Lock, error) {
	lock, err := scanLock(s.db.QueryRowContext(ctx,
		`SELECT list_id, owner, pid, hostname, acquired_at FROM locks WHERE list_id = ?`, listID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get lock", err)
	}
	return lock, nil
}

// GetKV returns an auxiliary value, or nil
func (s *SQLiteStore) GetKV(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get kv", err)
	}
	return value, nil
}

// PutKV stores an auxiliary value
func (s *SQLiteStore) PutKV(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value)
	return wrap("put kv", err)
}

// Stats returns aggregate counters
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{SessionsByStatus: make(map[SessionStatus]int)}

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lists`).Scan(&stats.Lists)
	if err != nil {
		return nil, wrap("stats", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*), COALESCE(SUM(probe_count), 0) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, wrap("stats", err)
	}
	for rows.Next() {
		var status SessionStatus
		var n, probes int
		if err := rows.Scan(&status, &n, &probes); err != nil {
			rows.Close()
			return nil, wrap("stats", err)
		}
		stats.SessionsByStatus[status] = n
		stats.Sessions += n
		stats.Probes += probes
	}
	rows.Close()

	var last sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(start_time) FROM sessions`).Scan(&last); err != nil {
		return nil, wrap("stats", err)
	}
	if last.Valid {
		t := parseTime(last.String)
		stats.LastSessionStarted = &t
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(status = 'SUCCESS'), 0) FROM logs`).Scan(&stats.Logged, &stats.Succeeded)
	if err != nil {
		return nil, wrap("stats", err)
	}
	stats.Failed = stats.Logged - stats.Succeeded

	rows, err = s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM variants WHERE active = 1 GROUP BY kind`)
	if err != nil {
		return nil, wrap("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind content.Kind
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, wrap("stats", err)
		}
		for range n {
			countActive(stats, kind)
		}
	}
	return stats, wrap("stats", rows.Err())
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanList(row scanner) (*List, error) {
	var l List
	var created, updated string
	if err := row.Scan(&l.ID, &l.Name, &l.Path, &l.Total, &l.Cursor, &created, &updated); err != nil {
		return nil, err
	}
	l.CreatedAt = parseTime(created)
	l.UpdatedAt = parseTime(updated)
	return &l, nil
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var start string
	var end sql.NullString
	if err := row.Scan(&sess.ID, &sess.ListID, &start, &end, &sess.TotalEmails, &sess.StartPosition,
		&sess.Cursor, &sess.SentCount, &sess.FailedCount, &sess.ProbeCount, &sess.Status,
		&sess.Fingerprint, &sess.Error); err != nil {
		return nil, err
	}
	sess.StartTime = parseTime(start)
	if end.Valid {
		t := parseTime(end.String)
		sess.EndTime = &t
	}
	return &sess, nil
}

func scanLock(row scanner) (*Lock, error) {
	var l Lock
	var acquired string
	if err := row.Scan(&l.ListID, &l.Owner, &l.PID, &l.Hostname, &acquired); err != nil {
		return nil, err
	}
	l.AcquiredAt = parseTime(acquired)
	return &l, nil
}

// timestamps are stored as fixed-width UTC text so they sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
