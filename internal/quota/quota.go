// Package quota caps how many messages may be submitted per hour and per
// day, globally and per sender domain. Counters survive restarts.
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/foxzi/rotasend/internal/config"
)

// Level is the scope a limit applies to
type Level string

const (
	LevelGlobal       Level = "global"
	LevelSenderDomain Level = "sender_domain"
)

// keyPrefix namespaces counters in the key/value store
const keyPrefix = "quota:"

// KV persists counters
type KV interface {
	GetKV(ctx context.Context, key string) ([]byte, error)
	PutKV(ctx context.Context, key string, value []byte) error
}

// Counter tracks the usage of one limit
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Result is the outcome of Allow
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Usage is the current state of one limit
type Usage struct {
	Level       Level     `json:"level"`
	Key         string    `json:"key"`
	HourlyCount int       `json:"hourly_count"`
	HourlyLimit int       `json:"hourly_limit"`
	DailyCount  int       `json:"daily_count"`
	DailyLimit  int       `json:"daily_limit"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Limiter enforces the configured quotas
type Limiter struct {
	cfg      config.QuotaConfig
	kv       KV
	now      func() time.Time
	mu       sync.Mutex
	counters map[string]*Counter
}

// New creates a limiter. It returns nil when quotas are disabled; a nil
// limiter allows everything.
func New(cfg config.QuotaConfig, kv KV, now func() time.Time) *Limiter {
	if !cfg.Enabled {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		cfg:      cfg,
		kv:       kv,
		now:      now,
		counters: make(map[string]*Counter),
	}
}

type check struct {
	level Level
	key   string
	limit *config.LimitValues
}

func (l *Limiter) checks(senderDomain string) []check {
	var checks []check
	if l.cfg.Global != nil {
		checks = append(checks, check{LevelGlobal, makeKey(LevelGlobal, "global"), l.cfg.Global})
	}

	senderDomain = strings.ToLower(senderDomain)
	if senderDomain == "" {
		return checks
	}
	limit := l.cfg.SenderDomains[senderDomain]
	if limit == nil {
		limit = l.cfg.DefaultSenderDomain
	}
	if limit != nil {
		checks = append(checks, check{LevelSenderDomain, makeKey(LevelSenderDomain, senderDomain), limit})
	}
	return checks
}

// Allow consumes one unit of every limit that applies to senderDomain, or
// reports which limit denies it and how long until it resets. Counters are
// persisted before Allow returns.
func (l *Limiter) Allow(ctx context.Context, senderDomain string) (*Result, error) {
	if l == nil {
		return &Result{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	checks := l.checks(senderDomain)

	for _, c := range checks {
		counter, err := l.counter(ctx, c.key, now)
		if err != nil {
			return nil, err
		}
		resetExpired(counter, now)

		if c.limit.MessagesPerHour > 0 && counter.HourlyCount >= c.limit.MessagesPerHour {
			return &Result{
				DeniedBy:   c.level,
				DeniedKey:  c.key,
				RetryAfter: counter.HourStart.Add(time.Hour).Sub(now),
			}, nil
		}
		if c.limit.MessagesPerDay > 0 && counter.DailyCount >= c.limit.MessagesPerDay {
			return &Result{
				DeniedBy:   c.level,
				DeniedKey:  c.key,
				RetryAfter: counter.DayStart.Add(24 * time.Hour).Sub(now),
			}, nil
		}
	}

	for _, c := range checks {
		counter := l.counters[c.key]
		counter.HourlyCount++
		counter.DailyCount++
		if err := l.persist(ctx, c.key, counter); err != nil {
			return nil, err
		}
	}

	return &Result{Allowed: true}, nil
}

// Usage returns the state of every limit that applies to senderDomain
func (l *Limiter) Usage(ctx context.Context, senderDomain string) ([]Usage, error) {
	if l == nil {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var out []Usage
	for _, c := range l.checks(senderDomain) {
		counter, err := l.counter(ctx, c.key, now)
		if err != nil {
			return nil, err
		}
		u := Usage{
			Level:       c.level,
			Key:         strings.TrimPrefix(c.key, keyPrefix+string(c.level)+":"),
			HourlyCount: counter.HourlyCount,
			HourlyLimit: c.limit.MessagesPerHour,
			DailyCount:  counter.DailyCount,
			DailyLimit:  c.limit.MessagesPerDay,
			HourStart:   counter.HourStart,
			DayStart:    counter.DayStart,
		}
		if now.Sub(counter.HourStart) >= time.Hour {
			u.HourlyCount = 0
		}
		if now.Sub(counter.DayStart) >= 24*time.Hour {
			u.DailyCount = 0
		}
		out = append(out, u)
	}
	return out, nil
}

// counter returns the cached counter for key, loading it on first use
func (l *Limiter) counter(ctx context.Context, key string, now time.Time) (*Counter, error) {
	if c, ok := l.counters[key]; ok {
		return c, nil
	}

	c := &Counter{HourStart: now, DayStart: now}
	data, err := l.kv.GetKV(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load quota counter %s: %w", key, err)
	}
	if data != nil {
		// a corrupt record starts a fresh window
		json.Unmarshal(data, c)
	}
	l.counters[key] = c
	return c, nil
}

func (l *Limiter) persist(ctx context.Context, key string, c *Counter) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := l.kv.PutKV(ctx, key, data); err != nil {
		return fmt.Errorf("failed to persist quota counter %s: %w", key, err)
	}
	return nil
}

func resetExpired(c *Counter, now time.Time) {
	if now.Sub(c.HourStart) >= time.Hour {
		c.HourlyCount = 0
		c.HourStart = now
	}
	if now.Sub(c.DayStart) >= 24*time.Hour {
		c.DailyCount = 0
		c.DayStart = now
	}
}

func makeKey(level Level, key string) string {
	return keyPrefix + string(level) + ":" + key
}
