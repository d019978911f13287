package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/rotasend/internal/content"
)

var (
	bucketLists        = []byte("lists")
	bucketListNames    = []byte("list_names")
	bucketSessions     = []byte("sessions")
	bucketSessionIndex = []byte("session_index")
	bucketLogs         = []byte("logs")
	bucketProbes       = []byte("probes")
	bucketVariants     = []byte("variants")
	bucketLocks        = []byte("locks")
	bucketKV           = []byte("kv")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens or creates a BoltDB store
func NewBoltStore(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, wrap("open database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketLists, bucketListNames, bucketSessions, bucketSessionIndex,
			bucketLogs, bucketProbes, bucketVariants, bucketLocks, bucketKV,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, wrap("create buckets", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// AddList registers a recipient list
func (s *BoltStore) AddList(ctx context.Context, name, path string, total int) (*List, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("list name is required")
	}

	var list *List
	err := s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketListNames)
		if names.Get([]byte(name)) != nil {
			return fmt.Errorf("list %q: %w", name, ErrDuplicate)
		}

		lists := tx.Bucket(bucketLists)
		id, err := lists.NextSequence()
		if err != nil {
			return err
		}

		now := s.now().UTC()
		list = &List{
			ID:        int64(id),
			Name:      name,
			Path:      path,
			Total:     total,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := putJSON(lists, itob(list.ID), list); err != nil {
			return err
		}
		return names.Put([]byte(name), itob(list.ID))
	})
	if err != nil {
		return nil, wrap("add list", err)
	}
	return list, nil
}

// GetList resolves a list reference
func (s *BoltStore) GetList(ctx context.Context, ref ListRef) (*List, error) {
	var list *List
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		list, err = resolveList(tx, ref)
		return err
	})
	if err != nil {
		return nil, wrap("get list", err)
	}
	return list, nil
}

// Lists returns all registered lists
func (s *BoltStore) Lists(ctx context.Context) ([]*List, error) {
	var out []*List
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLists).ForEach(func(k, v []byte) error {
			var l List
			if err := json.Unmarshal(v, &l); err != nil {
				return nil
			}
			out = append(out, &l)
			return nil
		})
	})
	if err != nil {
		return nil, wrap("list lists", err)
	}
	return out, nil
}

// SetListTotal updates the recipient count of a list
func (s *BoltStore) SetListTotal(ctx context.Context, listID int64, total int) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return updateList(tx, listID, func(l *List) {
			l.Total = total
			l.UpdatedAt = s.now().UTC()
		})
	})
	return wrap("set list total", err)
}

// LoadCursor returns the committed cursor of a list
func (s *BoltStore) LoadCursor(ctx context.Context, ref ListRef) (int, error) {
	list, err := s.GetList(ctx, ref)
	if err != nil {
		return 0, err
	}
	return list.Cursor, nil
}

// AdvanceCursor moves the list cursor forward
func (s *BoltStore) AdvanceCursor(ctx context.Context, listID int64, position int) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return updateList(tx, listID, func(l *List) {
			if position > l.Cursor {
				l.Cursor = position
				l.UpdatedAt = s.now().UTC()
			}
		})
	})
	return wrap("advance cursor", err)
}

// ResetCursor moves the list cursor back to the beginning
func (s *BoltStore) ResetCursor(ctx context.Context, ref ListRef) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		list, err := resolveList(tx, ref)
		if err != nil {
			return err
		}
		return updateList(tx, list.ID, func(l *List) {
			l.Cursor = 0
			l.UpdatedAt = s.now().UTC()
		})
	})
	return wrap("reset cursor", err)
}

// CreateSession creates a new STARTED session
func (s *BoltStore) CreateSession(ctx context.Context, ns NewSession) (*Session, error) {
	var sess *Session
	err := s.db.Update(func(tx *bolt.Tx) error {
		list, err := resolveList(tx, ns.List)
		if err != nil {
			return err
		}

		sess = &Session{
			ID:            newSessionID(),
			ListID:        list.ID,
			StartTime:     s.now().UTC(),
			TotalEmails:   ns.TotalEmails,
			StartPosition: ns.StartPosition,
			Cursor:        ns.StartPosition,
			Status:        StatusStarted,
			Fingerprint:   ns.Fingerprint,
		}
		if err := putJSON(tx.Bucket(bucketSessions), []byte(sess.ID), sess); err != nil {
			return err
		}
		return tx.Bucket(bucketSessionIndex).Put(makeIndexKey(sess.StartTime, sess.ID), []byte(sess.ID))
	})
	if err != nil {
		return nil, wrap("create session", err)
	}
	return sess, nil
}

// Checkpoint updates the session and the list cursor in one transaction
func (s *BoltStore) Checkpoint(ctx context.Context, sessionID string, cp Checkpoint) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		sess, err := getSession(sessions, sessionID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		if err := advance(sess, cp, now); err != nil {
			return err
		}
		if err := putJSON(sessions, []byte(sess.ID), sess); err != nil {
			return err
		}

		return updateList(tx, sess.ListID, func(l *List) {
			if sess.Cursor > l.Cursor {
				l.Cursor = sess.Cursor
				l.UpdatedAt = now
			}
		})
	})
	return wrap("checkpoint", err)
}

// GetSession returns a session by id
func (s *BoltStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess *Session
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		sess, err = getSession(tx.Bucket(bucketSessions), id)
		return err
	})
	if err != nil {
		return nil, wrap("get session", err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first
func (s *BoltStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	var out []*Session
	err := s.db.View(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		c := tx.Bucket(bucketSessionIndex).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			sess, err := getSession(sessions, string(v))
			if err != nil {
				continue
			}
			out = append(out, sess)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list sessions", err)
	}
	return out, nil
}

// LastSession returns the newest session of a list
func (s *BoltStore) LastSession(ctx context.Context, listID int64) (*Session, error) {
	var last *Session
	err := s.db.View(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		c := tx.Bucket(bucketSessionIndex).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			sess, err := getSession(sessions, string(v))
			if err != nil {
				continue
			}
			if sess.ListID == listID {
				last = sess
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap("last session", err)
	}
	return last, nil
}

// AppendLog appends a dispatch log entry
func (s *BoltStore) AppendLog(ctx context.Context, e *LogEntry) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = s.now().UTC()
		}
		return putJSON(b, itob(int64(seq)), e)
	})
	return wrap("append log", err)
}

// ListLogs returns log entries in insertion order
func (s *BoltStore) ListLogs(ctx context.Context, f LogFilter) ([]*LogEntry, error) {
	var out []*LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLogs).Cursor()
		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if f.SessionID != "" && e.SessionID != f.SessionID {
				continue
			}
			if f.Status != "" && e.Status != f.Status {
				continue
			}
			if skipped < f.Offset {
				skipped++
				continue
			}
			out = append(out, &e)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list logs", err)
	}
	return out, nil
}

// AppendProbe appends a probe entry to the session's probe history
func (s *BoltStore) AppendProbe(ctx context.Context, e *ProbeEntry) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketProbes).CreateBucketIfNotExists([]byte(e.SessionID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = s.now().UTC()
		}
		return putJSON(b, itob(int64(seq)), e)
	})
	return wrap("append probe", err)
}

// ListProbes returns the probe history of a session
func (s *BoltStore) ListProbes(ctx context.Context, sessionID string) ([]*ProbeEntry, error) {
	var out []*ProbeEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProbes).Bucket([]byte(sessionID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var e ProbeEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			out = append(out, &e)
			return nil
		})
	})
	if err != nil {
		return nil, wrap("list probes", err)
	}
	return out, nil
}

// AddVariant stores a new content variant
func (s *BoltStore) AddVariant(ctx context.Context, v *content.Variant) (content.Pool, error) {
	if err := v.Validate(); err != nil {
		return content.Pool{}, err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVariants)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		v.ID = int64(id)
		if v.CreatedAt.IsZero() {
			v.CreatedAt = s.now().UTC()
		}
		return putJSON(b, itob(v.ID), v)
	})
	if err != nil {
		return content.Pool{}, wrap("add variant", err)
	}
	return s.pool(ctx, v.Kind)
}

// SetVariantActive enables or disables a variant
func (s *BoltStore) SetVariantActive(ctx context.Context, kind content.Kind, id int64, active bool) (content.Pool, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVariants)
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
		}
		var v content.Variant
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		if v.Kind != kind {
			return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
		}
		v.Active = active
		return putJSON(b, itob(id), &v)
	})
	if err != nil {
		return content.Pool{}, wrap("set variant active", err)
	}
	return s.pool(ctx, kind)
}

// Variants returns all variants of a kind
func (s *BoltStore) Variants(ctx context.Context, kind content.Kind) ([]*content.Variant, error) {
	var out []*content.Variant
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVariants).ForEach(func(k, data []byte) error {
			var v content.Variant
			if err := json.Unmarshal(data, &v); err != nil {
				return nil
			}
			if v.Kind == kind {
				out = append(out, &v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrap("list variants", err)
	}
	return out, nil
}

func (s *BoltStore) pool(ctx context.Context, kind content.Kind) (content.Pool, error) {
	vs, err := s.Variants(ctx, kind)
	if err != nil {
		return content.Pool{}, err
	}
	return content.NewPool(kind, vs), nil
}

// AcquireLock takes the dispatch lock of a list
func (s *BoltStore) AcquireLock(ctx context.Context, lock Lock, force bool) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		key := itob(lock.ListID)
		if data := b.Get(key); data != nil && !force {
			var held Lock
			if err := json.Unmarshal(data, &held); err == nil && held.Owner != lock.Owner {
				return lockedError(&held)
			}
		}
		if lock.AcquiredAt.IsZero() {
			lock.AcquiredAt = s.now().UTC()
		}
		return putJSON(b, key, &lock)
	})
	return wrap("acquire lock", err)
}

// ReleaseLock drops the lock if owner holds it
func (s *BoltStore) ReleaseLock(ctx context.Context, listID int64, owner string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data := b.Get(itob(listID))
		if data == nil {
			return nil
		}
		var held Lock
		if err := json.Unmarshal(data, &held); err == nil && held.Owner != owner {
			return nil
		}
		return b.Delete(itob(listID))
	})
	return wrap("release lock", err)
}

// GetLock returns the current lock of a list
func (s *BoltStore) GetLock(ctx context.Context, listID int64) (*Lock, error) {
	var lock *Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLocks).Get(itob(listID))
		if data == nil {
			return nil
		}
		lock = &Lock{}
		return json.Unmarshal(data, lock)
	})
	if err != nil {
		return nil, wrap("get lock", err)
	}
	return lock, nil
}

// GetKV returns an auxiliary value, or nil
func (s *BoltStore) GetKV(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketKV).Get([]byte(key)); data != nil {
			value = bytes.Clone(data)
		}
		return nil
	})
	if err != nil {
		return nil, wrap("get kv", err)
	}
	return value, nil
}

// PutKV stores an auxiliary value
func (s *BoltStore) PutKV(ctx context.Context, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), value)
	})
	return wrap("put kv", err)
}

// Stats returns aggregate counters
func (s *BoltStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{SessionsByStatus: make(map[SessionStatus]int)}

	err := s.db.View(func(tx *bolt.Tx) error {
		stats.Lists = tx.Bucket(bucketLists).Stats().KeyN

		if err := tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return nil
			}
			stats.Sessions++
			stats.SessionsByStatus[sess.Status]++
			stats.Probes += sess.ProbeCount
			if stats.LastSessionStarted == nil || sess.StartTime.After(*stats.LastSessionStarted) {
				started := sess.StartTime
				stats.LastSessionStarted = &started
			}
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketLogs).ForEach(func(k, v []byte) error {
			var e LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			stats.Logged++
			if e.Status == LogSuccess {
				stats.Succeeded++
			} else {
				stats.Failed++
			}
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(bucketVariants).ForEach(func(k, data []byte) error {
			var v content.Variant
			if err := json.Unmarshal(data, &v); err != nil || !v.Active {
				return nil
			}
			countActive(stats, v.Kind)
			return nil
		})
	})
	if err != nil {
		return nil, wrap("stats", err)
	}
	return stats, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

func resolveList(tx *bolt.Tx, ref ListRef) (*List, error) {
	lists := tx.Bucket(bucketLists)

	var key []byte
	switch {
	case ref.ID > 0:
		key = itob(ref.ID)
	case ref.Name != "":
		key = tx.Bucket(bucketListNames).Get([]byte(ref.Name))
	default:
		key, _ = lists.Cursor().First()
	}
	if key == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoListAvailable, ref)
	}

	data := lists.Get(key)
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoListAvailable, ref)
	}
	var list List
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal list: %w", err)
	}
	return &list, nil
}

func updateList(tx *bolt.Tx, id int64, fn func(*List)) error {
	list, err := resolveList(tx, ListRef{ID: id})
	if err != nil {
		return err
	}
	fn(list)
	return putJSON(tx.Bucket(bucketLists), itob(id), list)
}

func getSession(b *bolt.Bucket, id string) (*Session, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return b.Put(key, data)
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format("20060102T150405.000000000Z") + ":" + id)
}

func lockedError(held *Lock) error {
	return fmt.Errorf("%w: held by pid %d on %s since %s",
		ErrLocked, held.PID, held.Hostname, held.AcquiredAt.Format(time.RFC3339))
}

func countActive(stats *Stats, kind content.Kind) {
	switch kind {
	case content.KindTemplate:
		stats.ActiveTemplates++
	case content.KindSubject:
		stats.ActiveSubjects++
	case content.KindSender:
		stats.ActiveSenders++
	}
}
