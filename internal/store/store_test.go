package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/foxzi/rotasend/internal/content"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	out := make(map[string]Store)
	for _, driver := range []string{DriverBolt, DriverSQLite} {
		s, err := Open(driver, filepath.Join(dir, driver+".db"))
		if err != nil {
			t.Fatalf("Open(%s) error = %v", driver, err)
		}
		t.Cleanup(func() { s.Close() })
		out[driver] = s
	}
	return out
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("postgres", filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Error("Open() expected error for unknown driver")
	}
}

func TestLists(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetList(ctx, ListRef{}); !errors.Is(err, ErrNoListAvailable) {
				t.Fatalf("GetList() on empty store error = %v, want ErrNoListAvailable", err)
			}

			a, err := s.AddList(ctx, "main", "/tmp/main.txt", 10)
			if err != nil {
				t.Fatalf("AddList() error = %v", err)
			}
			if _, err := s.AddList(ctx, "other", "/tmp/other.txt", 3); err != nil {
				t.Fatalf("AddList() error = %v", err)
			}
			if _, err := s.AddList(ctx, "main", "/tmp/x.txt", 1); !errors.Is(err, ErrDuplicate) {
				t.Errorf("AddList() duplicate error = %v, want ErrDuplicate", err)
			}

			first, err := s.GetList(ctx, ListRef{})
			if err != nil {
				t.Fatalf("GetList() error = %v", err)
			}
			if first.ID != a.ID {
				t.Errorf("first list = %d, want %d", first.ID, a.ID)
			}

			byName, err := s.GetList(ctx, ListRef{Name: "other"})
			if err != nil {
				t.Fatalf("GetList(name) error = %v", err)
			}
			if byName.Total != 3 || byName.Path != "/tmp/other.txt" {
				t.Errorf("GetList(name) = %+v", byName)
			}

			if _, err := s.GetList(ctx, ListRef{ID: 999}); !errors.Is(err, ErrNoListAvailable) {
				t.Errorf("GetList(999) error = %v, want ErrNoListAvailable", err)
			}

			lists, err := s.Lists(ctx)
			if err != nil {
				t.Fatalf("Lists() error = %v", err)
			}
			if len(lists) != 2 {
				t.Errorf("Lists() = %d, want 2", len(lists))
			}

			if err := s.SetListTotal(ctx, a.ID, 12); err != nil {
				t.Fatalf("SetListTotal() error = %v", err)
			}
			got, _ := s.GetList(ctx, ListRef{ID: a.ID})
			if got.Total != 12 {
				t.Errorf("Total = %d, want 12", got.Total)
			}
		})
	}
}

func TestCursorForwardOnly(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			list, err := s.AddList(ctx, "main", "/tmp/main.txt", 10)
			if err != nil {
				t.Fatal(err)
			}
			ref := ListRef{ID: list.ID}

			if pos, _ := s.LoadCursor(ctx, ref); pos != 0 {
				t.Errorf("fresh cursor = %d, want 0", pos)
			}

			for _, p := range []int{3, 1, 5, 5} {
				if err := s.AdvanceCursor(ctx, list.ID, p); err != nil {
					t.Fatalf("AdvanceCursor(%d) error = %v", p, err)
				}
			}
			if pos, _ := s.LoadCursor(ctx, ref); pos != 5 {
				t.Errorf("cursor = %d, want 5", pos)
			}

			if err := s.ResetCursor(ctx, ref); err != nil {
				t.Fatalf("ResetCursor() error = %v", err)
			}
			if pos, _ := s.LoadCursor(ctx, ref); pos != 0 {
				t.Errorf("cursor after reset = %d, want 0", pos)
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			list, err := s.AddList(ctx, "main", "/tmp/main.txt", 25)
			if err != nil {
				t.Fatal(err)
			}

			sess, err := s.CreateSession(ctx, NewSession{Fingerprint: "abc", TotalEmails: 20, StartPosition: 5})
			if err != nil {
				t.Fatalf("CreateSession() error = %v", err)
			}
			if sess.Status != StatusStarted || sess.ListID != list.ID || sess.Cursor != 5 {
				t.Errorf("CreateSession() = %+v", sess)
			}

			// first checkpoint moves the session to RUNNING
			if err := s.Checkpoint(ctx, sess.ID, Checkpoint{Cursor: 15, Sent: 9, Failed: 1}); err != nil {
				t.Fatalf("Checkpoint() error = %v", err)
			}
			got, err := s.GetSession(ctx, sess.ID)
			if err != nil {
				t.Fatalf("GetSession() error = %v", err)
			}
			if got.Status != StatusRunning || got.SentCount != 9 || got.FailedCount != 1 || got.Cursor != 15 {
				t.Errorf("after checkpoint = %+v", got)
			}
			if pos, _ := s.LoadCursor(ctx, ListRef{}); pos != 15 {
				t.Errorf("list cursor = %d, want 15", pos)
			}

			// a stale cursor never moves the list back
			if err := s.Checkpoint(ctx, sess.ID, Checkpoint{Cursor: 12, Sent: 9, Failed: 1, Status: StatusRunning}); err != nil {
				t.Fatalf("Checkpoint() error = %v", err)
			}
			if pos, _ := s.LoadCursor(ctx, ListRef{}); pos != 15 {
				t.Errorf("list cursor after stale checkpoint = %d, want 15", pos)
			}

			if err := s.Checkpoint(ctx, sess.ID, Checkpoint{Cursor: 25, Sent: 19, Failed: 1, Probes: 2, Status: StatusCompleted}); err != nil {
				t.Fatalf("Checkpoint(completed) error = %v", err)
			}
			got, _ = s.GetSession(ctx, sess.ID)
			if got.Status != StatusCompleted || got.EndTime == nil || got.ProbeCount != 2 {
				t.Errorf("completed session = %+v", got)
			}

			err = s.Checkpoint(ctx, sess.ID, Checkpoint{Cursor: 25, Status: StatusRunning})
			if !errors.Is(err, ErrTerminal) {
				t.Errorf("Checkpoint() on terminal session error = %v, want ErrTerminal", err)
			}

			if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetSession(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestCreateSessionWithoutList(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.CreateSession(ctx, NewSession{List: ListRef{Name: "nope"}})
			if !errors.Is(err, ErrNoListAvailable) {
				t.Errorf("CreateSession() error = %v, want ErrNoListAvailable", err)
			}
			sessions, _ := s.ListSessions(ctx, 0)
			if len(sessions) != 0 {
				t.Errorf("sessions = %d, want 0", len(sessions))
			}
		})
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			a, _ := s.AddList(ctx, "a", "/a", 1)
			b, _ := s.AddList(ctx, "b", "/b", 1)

			var ids []string
			for _, l := range []*List{a, b, a} {
				sess, err := s.CreateSession(ctx, NewSession{List: ListRef{ID: l.ID}})
				if err != nil {
					t.Fatal(err)
				}
				ids = append(ids, sess.ID)
			}

			sessions, err := s.ListSessions(ctx, 2)
			if err != nil {
				t.Fatalf("ListSessions() error = %v", err)
			}
			if len(sessions) != 2 || sessions[0].ID != ids[2] || sessions[1].ID != ids[1] {
				t.Errorf("ListSessions() order wrong: %v", sessions)
			}

			last, err := s.LastSession(ctx, b.ID)
			if err != nil || last == nil || last.ID != ids[1] {
				t.Errorf("LastSession(b) = %v, %v", last, err)
			}
		})
	}
}

func TestLogsAndProbes(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s.AddList(ctx, "main", "/m", 3)
			one, _ := s.CreateSession(ctx, NewSession{})
			two, _ := s.CreateSession(ctx, NewSession{})

			entries := []*LogEntry{
				{SessionID: one.ID, Index: 0, Recipient: "a@x.com", TemplateID: 1, SubjectID: 2, SenderID: 3, Status: LogSuccess},
				{SessionID: two.ID, Index: 0, Recipient: "z@x.com", Status: LogSuccess},
				{SessionID: one.ID, Index: 1, Recipient: "b@x.com", Status: LogFailed, Error: "550 no such user"},
				{SessionID: one.ID, Index: 2, Recipient: "c@x.com", Status: LogSuccess},
			}
			for _, e := range entries {
				if err := s.AppendLog(ctx, e); err != nil {
					t.Fatalf("AppendLog() error = %v", err)
				}
			}

			logs, err := s.ListLogs(ctx, LogFilter{SessionID: one.ID})
			if err != nil {
				t.Fatalf("ListLogs() error = %v", err)
			}
			if len(logs) != 3 {
				t.Fatalf("ListLogs() = %d, want 3", len(logs))
			}
			for i, want := range []string{"a@x.com", "b@x.com", "c@x.com"} {
				if logs[i].Recipient != want {
					t.Errorf("logs[%d] = %s, want %s", i, logs[i].Recipient, want)
				}
			}
			if logs[0].TemplateID != 1 || logs[0].SubjectID != 2 || logs[0].SenderID != 3 || logs[0].Timestamp.IsZero() {
				t.Errorf("logs[0] = %+v", logs[0])
			}

			failed, _ := s.ListLogs(ctx, LogFilter{Status: LogFailed})
			if len(failed) != 1 || failed[0].Error != "550 no such user" {
				t.Errorf("failed logs = %+v", failed)
			}

			page, _ := s.ListLogs(ctx, LogFilter{SessionID: one.ID, Offset: 1, Limit: 1})
			if len(page) != 1 || page[0].Recipient != "b@x.com" {
				t.Errorf("paged logs = %+v", page)
			}

			for i, kind := range []ProbeKind{ProbePeriodic, ProbeWatchdog, ProbeFinal} {
				if err := s.AppendProbe(ctx, &ProbeEntry{SessionID: one.ID, Number: i + 1, Kind: kind, SentAtProbe: i, Delivered: 2}); err != nil {
					t.Fatalf("AppendProbe() error = %v", err)
				}
			}
			probes, err := s.ListProbes(ctx, one.ID)
			if err != nil {
				t.Fatalf("ListProbes() error = %v", err)
			}
			if len(probes) != 3 || probes[1].Kind != ProbeWatchdog || probes[2].Number != 3 {
				t.Errorf("ListProbes() = %+v", probes)
			}
			if none, _ := s.ListProbes(ctx, two.ID); len(none) != 0 {
				t.Errorf("ListProbes(two) = %d, want 0", len(none))
			}

			stats, err := s.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats() error = %v", err)
			}
			if stats.Logged != 4 || stats.Succeeded != 3 || stats.Failed != 1 || stats.Sessions != 2 || stats.Lists != 1 {
				t.Errorf("Stats() = %+v", stats)
			}
			if stats.SessionsByStatus[StatusStarted] != 2 {
				t.Errorf("SessionsByStatus = %v", stats.SessionsByStatus)
			}
		})
	}
}

func TestVariants(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			pool, err := s.AddVariant(ctx, &content.Variant{Kind: content.KindSubject, Text: "Hello", Active: true, Weight: 1})
			if err != nil {
				t.Fatalf("AddVariant() error = %v", err)
			}
			if pool.Len() != 1 {
				t.Errorf("pool after first add = %d, want 1", pool.Len())
			}

			v := &content.Variant{Kind: content.KindSubject, Text: "Hi", Active: true, Weight: 3}
			pool, err = s.AddVariant(ctx, v)
			if err != nil {
				t.Fatalf("AddVariant() error = %v", err)
			}
			if v.ID == 0 {
				t.Error("AddVariant() did not assign an id")
			}
			if pool.Len() != 2 || pool.TotalWeight() != 4 {
				t.Errorf("pool = %d variants, weight %d", pool.Len(), pool.TotalWeight())
			}

			pool, err = s.SetVariantActive(ctx, content.KindSubject, v.ID, false)
			if err != nil {
				t.Fatalf("SetVariantActive() error = %v", err)
			}
			if pool.Len() != 1 {
				t.Errorf("pool after disable = %d, want 1", pool.Len())
			}

			if _, err := s.SetVariantActive(ctx, content.KindTemplate, v.ID, true); !errors.Is(err, ErrNotFound) {
				t.Errorf("SetVariantActive(wrong kind) error = %v, want ErrNotFound", err)
			}

			if _, err := s.AddVariant(ctx, &content.Variant{Kind: content.KindSender, Address: "bad", Weight: 1}); err == nil {
				t.Error("AddVariant() expected validation error")
			}

			all, _ := s.Variants(ctx, content.KindSubject)
			if len(all) != 2 {
				t.Errorf("Variants() = %d, want 2 (inactive included)", len(all))
			}

			if _, err := s.AddVariant(ctx, &content.Variant{Kind: content.KindSender, Name: "Ops", Address: "ops@example.com", Active: true, Weight: 1}); err != nil {
				t.Fatal(err)
			}
			pools, err := LoadPools(ctx, s)
			if err != nil {
				t.Fatalf("LoadPools() error = %v", err)
			}
			if pools.Subjects.Len() != 1 || pools.Senders.Len() != 1 || pools.Templates.Len() != 0 {
				t.Errorf("LoadPools() = %d/%d/%d", pools.Templates.Len(), pools.Subjects.Len(), pools.Senders.Len())
			}
			if err := pools.Validate(); !errors.Is(err, content.ErrEmptyPool) {
				t.Errorf("Validate() error = %v, want ErrEmptyPool", err)
			}
		})
	}
}

func TestLocks(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			list, _ := s.AddList(ctx, "main", "/m", 1)

			if err := s.AcquireLock(ctx, Lock{ListID: list.ID, Owner: "a", PID: 1, Hostname: "h"}, false); err != nil {
				t.Fatalf("AcquireLock(a) error = %v", err)
			}
			// re-entrant for the same owner
			if err := s.AcquireLock(ctx, Lock{ListID: list.ID, Owner: "a", PID: 1, Hostname: "h"}, false); err != nil {
				t.Errorf("AcquireLock(a) again error = %v", err)
			}
			if err := s.AcquireLock(ctx, Lock{ListID: list.ID, Owner: "b", PID: 2, Hostname: "h"}, false); !errors.Is(err, ErrLocked) {
				t.Errorf("AcquireLock(b) error = %v, want ErrLocked", err)
			}

			// a foreign owner cannot release
			s.ReleaseLock(ctx, list.ID, "b")
			if held, _ := s.GetLock(ctx, list.ID); held == nil || held.Owner != "a" {
				t.Errorf("GetLock() = %+v, want owner a", held)
			}

			if err := s.AcquireLock(ctx, Lock{ListID: list.ID, Owner: "b", PID: 2, Hostname: "h"}, true); err != nil {
				t.Errorf("AcquireLock(b, force) error = %v", err)
			}
			if err := s.ReleaseLock(ctx, list.ID, "b"); err != nil {
				t.Fatalf("ReleaseLock() error = %v", err)
			}
			if held, _ := s.GetLock(ctx, list.ID); held != nil {
				t.Errorf("GetLock() after release = %+v", held)
			}
		})
	}
}

func TestKV(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if v, err := s.GetKV(ctx, "missing"); err != nil || v != nil {
				t.Errorf("GetKV(missing) = %q, %v", v, err)
			}
			s.PutKV(ctx, "k", []byte("one"))
			s.PutKV(ctx, "k", []byte("two"))
			if v, _ := s.GetKV(ctx, "k"); string(v) != "two" {
				t.Errorf("GetKV(k) = %q, want two", v)
			}
		})
	}
}

func TestResumeAfterReopen(t *testing.T) {
	ctx := context.Background()
	for _, driver := range []string{DriverBolt, DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.db")

			s, err := Open(driver, path)
			if err != nil {
				t.Fatal(err)
			}
			s.AddList(ctx, "main", "/m", 100)
			sess, _ := s.CreateSession(ctx, NewSession{TotalEmails: 100})
			if err := s.Checkpoint(ctx, sess.ID, Checkpoint{Cursor: 42, Sent: 40, Failed: 2, Status: StatusInterrupted}); err != nil {
				t.Fatal(err)
			}
			s.Close()

			s, err = Open(driver, path)
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()

			pos, err := s.LoadCursor(ctx, ListRef{Name: "main"})
			if err != nil {
				t.Fatalf("LoadCursor() error = %v", err)
			}
			if pos != 42 {
				t.Errorf("cursor after reopen = %d, want 42", pos)
			}
			got, _ := s.GetSession(ctx, sess.ID)
			if got.Status != StatusInterrupted {
				t.Errorf("status after reopen = %s", got.Status)
			}
		})
	}
}

func TestPersistenceErrorWrapping(t *testing.T) {
	err := wrap("op", errors.New("disk full"))
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("wrap() = %v, want ErrPersistence", err)
	}
	if err := wrap("op", ErrNotFound); errors.Is(err, ErrPersistence) {
		t.Error("domain errors must not be marked as persistence errors")
	}
}
