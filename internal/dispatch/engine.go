// Package dispatch runs a rotation dispatch over one recipient list: it
// selects content, renders and submits one message per recipient, keeps the
// list cursor durable, paces and pauses the run, sends health probes, and
// checkpoints the session so an interrupted run resumes at the next unsent
// recipient.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/rotasend/internal/config"
	"github.com/foxzi/rotasend/internal/content"
	"github.com/foxzi/rotasend/internal/metrics"
	"github.com/foxzi/rotasend/internal/probe"
	"github.com/foxzi/rotasend/internal/quota"
	"github.com/foxzi/rotasend/internal/recipients"
	"github.com/foxzi/rotasend/internal/render"
	"github.com/foxzi/rotasend/internal/store"
	"github.com/foxzi/rotasend/internal/transport"
)

// ErrNoRecipients is returned when the list has nothing left to send
var ErrNoRecipients = errors.New("no recipients to dispatch")

// minQuotaWait bounds how often a denied quota is re-checked
const minQuotaWait = time.Second

// Deps are the collaborators of an Engine. Store, Transport and Renderer
// are required.
type Deps struct {
	Store     store.Store
	Transport transport.Transport
	Renderer  *render.Renderer
	Prober    *probe.Prober
	Quota     *quota.Limiter
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// Rand drives variant selection. Nil uses Seed from the config, or a
	// random seed when that is 0.
	Rand *rand.Rand
	// Now and Sleep default to the wall clock
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	// Alive reports whether a process of this host is running. It decides
	// whether a lock left by a crashed dispatch can be broken.
	Alive func(pid int) bool

	Hostname string
}

// Options select the list and override settings for one run
type Options struct {
	List          store.ListRef
	MaxPerSession int // overrides the configured value when > 0
	NoResume      bool
	Force         bool // break a lock held by another dispatch
}

// Engine runs dispatch sessions. One Engine runs one session at a time;
// Progress may be called concurrently from status readers.
type Engine struct {
	cfg       config.DispatchConfig
	mode      content.Mode
	store     store.Store
	transport transport.Transport
	renderer  *render.Renderer
	prober    *probe.Prober
	quota     *quota.Limiter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	rng       *rand.Rand
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	alive     func(pid int) bool
	hostname  string

	progress tracker
}

// New creates an engine
func New(cfg config.DispatchConfig, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Transport == nil || deps.Renderer == nil {
		return nil, errors.New("dispatch: store, transport and renderer are required")
	}

	mode, err := content.ParseMode(cfg.RotationMode)
	if err != nil {
		return nil, err
	}

	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 10
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 10 * time.Second
	}

	e := &Engine{
		cfg:       cfg,
		mode:      mode,
		store:     deps.Store,
		transport: deps.Transport,
		renderer:  deps.Renderer,
		prober:    deps.Prober,
		quota:     deps.Quota,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		rng:       deps.Rand,
		now:       deps.Now,
		sleep:     deps.Sleep,
		alive:     deps.Alive,
		hostname:  deps.Hostname,
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.rng == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = rand.Uint64()
		}
		e.rng = rand.New(rand.NewPCG(seed, seed))
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	if e.alive == nil {
		e.alive = processAlive
	}
	if e.hostname == "" {
		e.hostname, _ = os.Hostname()
	}
	e.progress.p.State = StateIdle

	return e, nil
}

// Progress returns a snapshot of the current run
func (e *Engine) Progress() Progress {
	return e.progress.snapshot(e.now())
}

// Fingerprint returns the fingerprint a run with opts would record
func (e *Engine) Fingerprint(pools content.Pools, opts Options) string {
	return Fingerprint(pools, e.settings(opts))
}

func (e *Engine) settings(opts Options) config.DispatchConfig {
	cfg := e.cfg
	if opts.MaxPerSession > 0 {
		cfg.MaxPerSession = opts.MaxPerSession
	}
	return cfg
}

func (e *Engine) setState(s State) {
	e.progress.update(func(p *Progress) {
		p.State = s
		if s != StatePaused {
			p.PausedUntil = nil
		}
	})
	e.metrics.SetState(string(s))
}

// Run dispatches the next slice of the list. Configuration errors (empty
// pool, unknown list, lock held) fail before a session is created.
// Cancelling ctx is not an error: the session is checkpointed as
// INTERRUPTED and the partial result is returned with a nil error.
func (e *Engine) Run(ctx context.Context, opts Options) (*Result, error) {
	cfg := e.settings(opts)
	e.progress.update(func(p *Progress) { *p = Progress{} })
	e.setState(StateStarting)

	pools, err := store.LoadPools(ctx, e.store)
	if err != nil {
		e.setState(StateFailed)
		return nil, fmt.Errorf("failed to load content pools: %w", err)
	}
	if err := pools.Validate(); err != nil {
		e.setState(StateFailed)
		return nil, err
	}

	list, err := e.store.GetList(ctx, opts.List)
	if err != nil {
		e.setState(StateFailed)
		return nil, err
	}
	ref := store.ListRef{ID: list.ID}
	logger := e.logger.With("list", list.Name, "list_id", list.ID)

	owner := uuid.NewString()
	lock := store.Lock{
		ListID:     list.ID,
		Owner:      owner,
		PID:        os.Getpid(),
		Hostname:   e.hostname,
		AcquiredAt: e.now().UTC(),
	}
	force, err := e.staleLock(ctx, list.ID, logger)
	if err != nil {
		e.setState(StateFailed)
		return nil, err
	}
	if err := e.store.AcquireLock(ctx, lock, opts.Force || force); err != nil {
		e.setState(StateFailed)
		return nil, err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.FinalizeTimeout)
		defer cancel()
		if err := e.store.ReleaseLock(rctx, list.ID, owner); err != nil {
			logger.Warn("failed to release list lock", "error", err)
		}
	}()

	if opts.NoResume {
		if err := e.store.ResetCursor(ctx, ref); err != nil {
			e.setState(StateFailed)
			return nil, err
		}
		logger.Info("cursor reset, starting from the beginning")
	}

	fingerprint := Fingerprint(pools, cfg)
	last, err := e.store.LastSession(ctx, list.ID)
	if err != nil {
		e.setState(StateFailed)
		return nil, err
	}
	if last != nil && last.Fingerprint != "" && last.Fingerprint != fingerprint {
		logger.Warn("content or settings changed since the previous session",
			"previous_session", last.ID,
			"previous_fingerprint", last.Fingerprint,
			"fingerprint", fingerprint,
		)
	}

	cursor, err := e.store.LoadCursor(ctx, ref)
	if err != nil {
		e.setState(StateFailed)
		return nil, err
	}

	total, countErr := recipients.Count(list.Path)
	remaining := 0
	if countErr == nil {
		remaining = max(total-cursor, 0)
		if cfg.MaxPerSession > 0 && remaining > cfg.MaxPerSession {
			remaining = cfg.MaxPerSession
		}
	}

	sess, err := e.store.CreateSession(ctx, store.NewSession{
		List:          ref,
		Fingerprint:   fingerprint,
		TotalEmails:   remaining,
		StartPosition: cursor,
	})
	if err != nil {
		e.setState(StateFailed)
		return nil, err
	}
	logger = logger.With("session_id", sess.ID)

	r := &run{
		e:        e,
		cfg:      cfg,
		logger:   logger,
		pools:    pools,
		selector: content.NewSelector(e.mode, e.rng),
		list:     list,
		sess:     sess,
		position: cursor,
		started:  e.now(),
		result: &Result{
			SessionID:     sess.ID,
			StartPosition: cursor,
			Cursor:        cursor,
		},
	}
	r.sched = probe.NewScheduler(cfg.ProbeInterval, cfg.ProbeWatchdog, r.started, e.now)

	if countErr != nil {
		return r.fail(ctx, fmt.Errorf("%w: %w", ErrNoRecipients, countErr))
	}
	if remaining == 0 {
		return r.fail(ctx, fmt.Errorf("%w: list %s is exhausted at position %d of %d", ErrNoRecipients, list.Name, cursor, total))
	}
	if total != list.Total {
		if err := e.store.SetListTotal(ctx, list.ID, total); err != nil {
			return r.fail(ctx, err)
		}
		list.Total = total
	}

	batch, err := recipients.Slice(list.Path, cursor, remaining)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("%w: %w", ErrNoRecipients, err))
	}
	if len(batch) == 0 {
		return r.fail(ctx, fmt.Errorf("%w: list %s changed while starting", ErrNoRecipients, list.Name))
	}
	r.result.Total = len(batch)

	started := r.started
	e.progress.update(func(p *Progress) {
		p.SessionID = sess.ID
		p.ListID = list.ID
		p.ListName = list.Name
		p.Position = cursor
		p.Total = list.Total
		p.StartedAt = &started
	})
	e.metrics.SetProgress(cursor, list.Total)

	logger.Info("dispatch started",
		"start_position", cursor,
		"batch", len(batch),
		"total", list.Total,
		"rotation", e.mode,
		"probes", e.prober.Enabled(),
	)
	e.setState(StateRunning)

	return r.loop(ctx, batch)
}

// staleLock reports whether the lock on listID was left by a dispatch of
// this host that is no longer running, so it can be taken over.
func (e *Engine) staleLock(ctx context.Context, listID int64, logger *slog.Logger) (bool, error) {
	held, err := e.store.GetLock(ctx, listID)
	if err != nil || held == nil {
		return false, err
	}
	if held.Hostname == "" || held.Hostname != e.hostname || e.alive(held.PID) {
		return false, nil
	}
	logger.Warn("breaking stale list lock",
		"pid", held.PID,
		"hostname", held.Hostname,
		"acquired_at", held.AcquiredAt.Format(time.RFC3339),
	)
	return true, nil
}

// run is the state of one session
type run struct {
	e        *Engine
	cfg      config.DispatchConfig
	logger   *slog.Logger
	pools    content.Pools
	selector *content.Selector
	sched    *probe.Scheduler
	list     *store.List
	sess     *store.Session
	result   *Result

	position    int
	started     time.Time
	lastSender  *content.Variant
	pauseProbes int
}

func (r *run) loop(ctx context.Context, batch []string) (*Result, error) {
	e := r.e

	for n, addr := range batch {
		if ctx.Err() != nil {
			return r.interrupt(ctx)
		}

		combo, err := r.selector.Combination(r.pools)
		if err != nil {
			return r.fail(ctx, err)
		}
		r.lastSender = combo.Sender

		entry := &store.LogEntry{
			SessionID:  r.sess.ID,
			Index:      r.position,
			Recipient:  addr,
			TemplateID: combo.Template.ID,
			SubjectID:  combo.Subject.ID,
			SenderID:   combo.Sender.ID,
			Status:     store.LogSuccess,
		}

		senderDomain := recipients.Domain(combo.Sender.Address)
		msg, err := e.renderer.Render(addr, combo.Template, combo.Subject, combo.Sender, r.cfg.ExtraFields)
		var took time.Duration
		if err == nil {
			if err := r.waitQuota(ctx, senderDomain); err != nil {
				if ctx.Err() != nil {
					return r.interrupt(ctx)
				}
				return r.fail(ctx, err)
			}

			began := e.now()
			err = r.submit(ctx, msg)
			took = e.now().Sub(began)
			if err != nil && ctx.Err() != nil {
				// Outcome unknown; the cursor still points at this
				// recipient so the next run retries it.
				return r.interrupt(ctx)
			}
		}

		// The recipient was attempted: its log entry and cursor advance
		// are written even if ctx is cancelled meanwhile.
		wctx := context.WithoutCancel(ctx)
		entry.Timestamp = e.now().UTC()
		if err != nil {
			entry.Status = store.LogFailed
			entry.Error = err.Error()
			r.result.Failed++
			e.metrics.MessageFailed(senderDomain, transport.IsTemporary(err), took)
			r.logger.Warn("send failed",
				"index", r.position,
				"recipient", addr,
				"temporary", transport.IsTemporary(err),
				"error", err,
			)
		} else {
			r.result.Sent++
			e.metrics.MessageSent(senderDomain, took)
			r.logger.Debug("sent",
				"index", r.position,
				"recipient", addr,
				"template", combo.Template.Name,
				"sender", combo.Sender.Address,
			)
		}

		if err := e.store.AppendLog(wctx, entry); err != nil {
			return r.fail(ctx, err)
		}
		if err := e.store.AdvanceCursor(wctx, r.list.ID, r.position+1); err != nil {
			return r.fail(ctx, err)
		}
		r.position++
		r.result.Cursor = r.position
		r.publish()

		processed := n + 1
		more := processed < len(batch)

		if processed%r.cfg.CheckpointEvery == 0 {
			if err := r.checkpoint(wctx, store.StatusRunning, ""); err != nil {
				return r.fail(ctx, err)
			}
			r.logProgress()
		}

		probed := false
		if r.e.prober.Enabled() {
			if due, number, kind := r.sched.Due(processed); due {
				if err := r.probe(ctx, kind, number); err != nil {
					return r.fail(ctx, err)
				}
				probed = true
			}
		}

		if r.cfg.PauseAfter > 0 && processed%r.cfg.PauseAfter == 0 && more {
			// one probe per recipient: a scheduled probe already covers this pause
			withProbe := r.cfg.ProbeOnPause && !probed
			if err := r.pause(ctx, r.cfg.PauseDuration, "cadence", withProbe); err != nil {
				if ctx.Err() != nil {
					return r.interrupt(ctx)
				}
				return r.fail(ctx, err)
			}
		}

		if r.cfg.DelayBetweenMessages > 0 {
			if err := e.sleep(ctx, r.cfg.DelayBetweenMessages); err != nil {
				return r.interrupt(ctx)
			}
		}
	}

	return r.complete(ctx)
}

// submit hands one message to the transport, bounded by the submit timeout
func (r *run) submit(ctx context.Context, msg *render.Message) error {
	if r.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.SubmitTimeout)
		defer cancel()
	}
	return r.e.transport.Submit(ctx, msg)
}

// waitQuota blocks until the sending quota admits one more message from
// senderDomain. Each denial checkpoints and pauses until the window resets.
func (r *run) waitQuota(ctx context.Context, senderDomain string) error {
	for {
		res, err := r.e.quota.Allow(ctx, senderDomain)
		if err != nil {
			return fmt.Errorf("quota check failed: %w", err)
		}
		if res.Allowed {
			return nil
		}

		wait := max(res.RetryAfter, minQuotaWait)
		r.e.metrics.QuotaDenied(string(res.DeniedBy))
		r.logger.Warn("sending quota reached",
			"level", res.DeniedBy,
			"key", res.DeniedKey,
			"retry_after", wait.Round(time.Second),
		)
		if err := r.pause(ctx, wait, "quota", false); err != nil {
			return err
		}
	}
}

// pause checkpoints the cursor, optionally probes, and blocks for d. It
// returns ctx.Err() if cancelled while waiting.
func (r *run) pause(ctx context.Context, d time.Duration, reason string, withProbe bool) error {
	e := r.e

	if err := r.checkpoint(context.WithoutCancel(ctx), store.StatusRunning, ""); err != nil {
		return err
	}
	r.result.Pauses++
	e.metrics.Paused(reason)

	if withProbe && e.prober.Enabled() {
		// pause probes have their own numbering so count/interval holds
		// for the periodic ones
		r.pauseProbes++
		if err := r.probe(ctx, store.ProbePause, r.pauseProbes); err != nil {
			return err
		}
	}

	until := e.now().Add(d)
	e.progress.update(func(p *Progress) {
		p.State = StatePaused
		p.PausedUntil = &until
	})
	e.metrics.SetState(string(StatePaused))
	r.logger.Info("dispatch paused",
		"reason", reason,
		"position", r.position,
		"duration", d,
		"resume_at", until.Format(time.RFC3339),
	)

	if err := e.sleep(ctx, d); err != nil {
		return err
	}

	e.setState(StateRunning)
	r.logger.Info("dispatch resumed", "position", r.position)
	return nil
}

// probe sends one probe. Delivery failures are logged and never stop the
// run; failing to record the probe history is a persistence error.
func (r *run) probe(ctx context.Context, kind store.ProbeKind, number int) error {
	sender := r.lastSender
	if sender == nil {
		sender = r.pools.Senders.Variants[0]
	}

	rep := probe.Report{
		SessionID: r.sess.ID,
		Kind:      kind,
		Number:    number,
		Sent:      r.result.Sent,
		Failed:    r.result.Failed,
		Position:  r.position,
		Total:     r.list.Total,
		Time:      r.e.now(),
	}
	entry, err := r.e.prober.Send(ctx, sender, rep)
	if kind == store.ProbePause {
		r.sched.Touch()
	} else {
		r.sched.Record(number)
	}
	if err != nil {
		r.e.metrics.ProbeSent(string(kind), 1)
		if errors.Is(err, store.ErrPersistence) && ctx.Err() == nil {
			return err
		}
		r.logger.Warn("probe failed", "probe", number, "kind", kind, "error", err)
		return nil
	}

	r.result.Probes++
	r.e.metrics.ProbeSent(string(kind), entry.Failed)
	r.e.progress.update(func(p *Progress) { p.Probes = r.result.Probes })
	return nil
}

func (r *run) checkpoint(ctx context.Context, status store.SessionStatus, detail string) error {
	return r.e.store.Checkpoint(ctx, r.sess.ID, store.Checkpoint{
		Cursor: r.position,
		Sent:   r.result.Sent,
		Failed: r.result.Failed,
		Probes: r.result.Probes,
		Status: status,
		Error:  detail,
	})
}

// publish pushes the counters to status readers and metrics
func (r *run) publish() {
	res := r.result
	position := r.position
	r.e.progress.update(func(p *Progress) {
		p.Position = position
		p.Sent = res.Sent
		p.Failed = res.Failed
	})
	r.e.metrics.SetProgress(position, r.list.Total)
}

func (r *run) logProgress() {
	p := r.e.Progress()
	r.logger.Info("progress",
		"sent", p.Sent,
		"failed", p.Failed,
		"position", p.Position,
		"total", p.Total,
		"rate", fmt.Sprintf("%.2f/s", p.Rate),
	)
}

func (r *run) finish(status store.SessionStatus) *Result {
	r.result.Status = status
	r.result.Cursor = r.position
	r.result.Duration = r.e.now().Sub(r.started)
	return r.result
}

// complete records the end of the list slice and sends the final probe
func (r *run) complete(ctx context.Context) (*Result, error) {
	if err := r.checkpoint(context.WithoutCancel(ctx), store.StatusCompleted, ""); err != nil {
		r.e.setState(StateFailed)
		return r.finish(store.StatusFailed), err
	}

	if r.e.prober.Enabled() {
		if err := r.probe(ctx, store.ProbeFinal, r.sched.Next()); err != nil {
			return r.fail(ctx, err)
		}
	}

	res := r.finish(store.StatusCompleted)
	r.e.setState(StateCompleted)
	r.logger.Info("dispatch completed",
		"sent", res.Sent,
		"failed", res.Failed,
		"probes", res.Probes,
		"position", res.Cursor,
		"duration", res.Duration.Round(time.Second),
	)
	return res, nil
}

// interrupt checkpoints INTERRUPTED under a bounded context of its own,
// since ctx is already cancelled
func (r *run) interrupt(ctx context.Context) (*Result, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FinalizeTimeout)
	defer cancel()

	res := r.finish(store.StatusInterrupted)
	if err := r.checkpoint(fctx, store.StatusInterrupted, ""); err != nil {
		r.e.setState(StateFailed)
		return res, fmt.Errorf("failed to checkpoint interrupted session: %w", err)
	}

	r.e.setState(StateInterrupted)
	r.logger.Warn("dispatch interrupted",
		"sent", res.Sent,
		"failed", res.Failed,
		"resume_position", res.Cursor,
	)
	return res, nil
}

// fail marks the session FAILED on a best-effort basis and returns err.
// The last committed cursor stays the resume point.
func (r *run) fail(ctx context.Context, err error) (*Result, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FinalizeTimeout)
	defer cancel()

	if cerr := r.checkpoint(fctx, store.StatusFailed, err.Error()); cerr != nil {
		r.logger.Error("failed to mark session failed", "error", cerr)
	}
	r.e.setState(StateFailed)
	r.logger.Error("dispatch failed", "position", r.position, "error", err)
	return r.finish(store.StatusFailed), err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
