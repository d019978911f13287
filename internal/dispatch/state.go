package dispatch

import (
	"sync"
	"time"

	"github.com/foxzi/rotasend/internal/store"
)

// State is the engine's position in the dispatch state machine
type State string

const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StatePaused      State = "paused"
	StateCompleted   State = "completed"
	StateInterrupted State = "interrupted"
	StateFailed      State = "failed"
)

// Progress is a point-in-time view of a running dispatch
type Progress struct {
	State       State      `json:"state"`
	SessionID   string     `json:"session_id,omitempty"`
	ListID      int64      `json:"list_id,omitempty"`
	ListName    string     `json:"list_name,omitempty"`
	Position    int        `json:"position"`
	Total       int        `json:"total"`
	Sent        int        `json:"sent"`
	Failed      int        `json:"failed"`
	Probes      int        `json:"probes"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	PausedUntil *time.Time `json:"paused_until,omitempty"`
	Rate        float64    `json:"rate_per_second"`
}

// Result summarizes a finished run
type Result struct {
	SessionID     string              `json:"session_id"`
	Status        store.SessionStatus `json:"status"`
	StartPosition int                 `json:"start_position"`
	Cursor        int                 `json:"cursor"`
	Total         int                 `json:"total"`
	Sent          int                 `json:"sent"`
	Failed        int                 `json:"failed"`
	Probes        int                 `json:"probes"`
	Pauses        int                 `json:"pauses"`
	Duration      time.Duration       `json:"duration"`
}

// Processed returns the number of recipients attempted
func (r *Result) Processed() int {
	return r.Sent + r.Failed
}

// tracker guards the progress shared with status readers
type tracker struct {
	mu sync.RWMutex
	p  Progress
}

func (t *tracker) update(fn func(p *Progress)) {
	t.mu.Lock()
	fn(&t.p)
	t.mu.Unlock()
}

func (t *tracker) snapshot(now time.Time) Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := t.p
	if p.StartedAt != nil {
		if elapsed := now.Sub(*p.StartedAt).Seconds(); elapsed > 0 {
			p.Rate = float64(p.Sent+p.Failed) / elapsed
		}
	}
	return p
}
