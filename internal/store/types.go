package store

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a dispatch session
type SessionStatus string

const (
	StatusStarted     SessionStatus = "STARTED"
	StatusRunning     SessionStatus = "RUNNING"
	StatusInterrupted SessionStatus = "INTERRUPTED"
	StatusCompleted   SessionStatus = "COMPLETED"
	StatusFailed      SessionStatus = "FAILED"
)

// Terminal reports whether the status can never change again
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusInterrupted, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Session is one dispatch run over a recipient list
type Session struct {
	ID            string        `json:"id"`
	ListID        int64         `json:"list_id"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       *time.Time    `json:"end_time,omitempty"`
	TotalEmails   int           `json:"total_emails"`
	StartPosition int           `json:"start_position"`
	Cursor        int           `json:"cursor"`
	SentCount     int           `json:"sent_count"`
	FailedCount   int           `json:"failed_count"`
	ProbeCount    int           `json:"probe_count"`
	Status        SessionStatus `json:"status"`
	Fingerprint   string        `json:"config_fingerprint"`
	Error         string        `json:"error,omitempty"`
}

// Processed returns the number of recipients attempted in this session
func (s *Session) Processed() int {
	return s.SentCount + s.FailedCount
}

// NewSession holds the parameters of CreateSession
type NewSession struct {
	List          ListRef
	Fingerprint   string
	TotalEmails   int
	StartPosition int
}

// Checkpoint is a durable progress update
type Checkpoint struct {
	Cursor int
	Sent   int
	Failed int
	Probes int
	Status SessionStatus
	Error  string
}

// List is a registered recipient list. Cursor is the index of the next
// unsent valid recipient.
type List struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Total     int       `json:"total"`
	Cursor    int       `json:"cursor"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Remaining returns the number of recipients not yet processed
func (l *List) Remaining() int {
	if l.Cursor >= l.Total {
		return 0
	}
	return l.Total - l.Cursor
}

// ListRef references a list by id or name. The zero value means the first
// registered list.
type ListRef struct {
	ID   int64
	Name string
}

func (r ListRef) String() string {
	switch {
	case r.ID > 0:
		return fmt.Sprintf("#%d", r.ID)
	case r.Name != "":
		return r.Name
	}
	return "(first list)"
}

// LogStatus is the outcome of one recipient
type LogStatus string

const (
	LogSuccess LogStatus = "SUCCESS"
	LogFailed  LogStatus = "FAILED"
)

// LogEntry records one attempted recipient
type LogEntry struct {
	SessionID  string    `json:"session_id"`
	Index      int       `json:"index"`
	Recipient  string    `json:"recipient"`
	TemplateID int64     `json:"template_id"`
	SubjectID  int64     `json:"subject_id"`
	SenderID   int64     `json:"sender_id"`
	Timestamp  time.Time `json:"timestamp"`
	Status     LogStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// LogFilter filters ListLogs
type LogFilter struct {
	SessionID string
	Status    LogStatus
	Limit     int
	Offset    int
}

// ProbeKind says what triggered a probe
type ProbeKind string

const (
	ProbePeriodic ProbeKind = "periodic"
	ProbeWatchdog ProbeKind = "watchdog"
	ProbePause    ProbeKind = "pause"
	ProbeFinal    ProbeKind = "final"
)

// ProbeEntry records one health probe
type ProbeEntry struct {
	SessionID   string    `json:"session_id"`
	Number      int       `json:"probe_number"`
	Kind        ProbeKind `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	SentAtProbe int       `json:"sent_count_at_probe"`
	FailedAt    int       `json:"failed_count_at_probe"`
	Delivered   int       `json:"delivered"`
	Failed      int       `json:"failed"`
	Error       string    `json:"error,omitempty"`
}

// Lock marks a list as being dispatched by one process
type Lock struct {
	ListID     int64     `json:"list_id"`
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Stats are aggregate counters over the whole store
type Stats struct {
	Lists              int                   `json:"lists"`
	Sessions           int                   `json:"sessions"`
	SessionsByStatus   map[SessionStatus]int `json:"sessions_by_status"`
	Logged             int                   `json:"logged"`
	Succeeded          int                   `json:"succeeded"`
	Failed             int                   `json:"failed"`
	Probes             int                   `json:"probes"`
	ActiveTemplates    int                   `json:"active_templates"`
	ActiveSubjects     int                   `json:"active_subjects"`
	ActiveSenders      int                   `json:"active_senders"`
	LastSessionStarted *time.Time            `json:"last_session_started,omitempty"`
}

// SuccessRate returns succeeded/logged in percent
func (s *Stats) SuccessRate() float64 {
	if s.Logged == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Logged) * 100
}
