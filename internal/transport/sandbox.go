package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/rotasend/internal/config"
	"github.com/foxzi/rotasend/internal/render"
)

var bucketCaptured = []byte("captured")

// simulatedErrors are the replies returned when error simulation triggers
var simulatedErrors = []string{
	"550 User not found",
	"451 Temporary failure",
	"452 Insufficient storage",
	"421 Service not available",
}

// Captured is a message stored by the sandbox transport
type Captured struct {
	ID           string    `json:"id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Subject      string    `json:"subject"`
	Data         []byte    `json:"data"`
	Domain       string    `json:"domain"`
	CapturedAt   time.Time `json:"captured_at"`
	SimulatedErr string    `json:"simulated_error,omitempty"`
}

// Sandbox stores messages in a bbolt file instead of delivering them
type Sandbox struct {
	db        *bolt.DB
	errorRate float64
	logger    *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSandbox opens (or creates) the capture database at cfg.Path
func NewSandbox(cfg config.SandboxConfig, logger *slog.Logger) (*Sandbox, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open sandbox database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCaptured)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sandbox bucket: %w", err)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	return &Sandbox{
		db:        db,
		errorRate: cfg.ErrorRate,
		logger:    logger,
		rng:       rand.New(rand.NewPCG(seed, seed)),
	}, nil
}

// Submit captures msg. When error simulation triggers the message is still
// stored, marked with the simulated reply, and the reply is returned.
func (s *Sandbox) Submit(ctx context.Context, msg *render.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c := &Captured{
		ID:         msg.ID,
		From:       msg.From,
		To:         msg.To,
		Subject:    msg.Subject,
		Data:       msg.Data,
		Domain:     msg.Domain(),
		CapturedAt: time.Now().UTC(),
	}
	c.SimulatedErr = s.simulate()

	if err := s.save(c); err != nil {
		return &SubmitError{Temporary: true, Detail: fmt.Sprintf("sandbox: failed to save message: %v", err)}
	}

	if c.SimulatedErr != "" {
		s.logger.Debug("sandbox: simulated failure", "to", msg.To, "error", c.SimulatedErr)
		return &SubmitError{
			Temporary: strings.HasPrefix(c.SimulatedErr, "4"),
			Detail:    c.SimulatedErr,
		}
	}

	s.logger.Debug("sandbox: message captured", "id", msg.ID, "to", msg.To)
	return nil
}

func (s *Sandbox) simulate() string {
	if s.errorRate <= 0 {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng.Float64() >= s.errorRate {
		return ""
	}
	return simulatedErrors[s.rng.IntN(len(simulatedErrors))]
}

func (s *Sandbox) save(c *Captured) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCaptured)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		key := fmt.Sprintf("%s:%020d", c.CapturedAt.Format("20060102T150405.000000000Z"), seq)
		return bucket.Put([]byte(key), data)
	})
}

// Messages returns captured messages, oldest first. limit <= 0 returns all.
func (s *Sandbox) Messages(limit int) ([]*Captured, error) {
	var out []*Captured
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCaptured).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m Captured
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			out = append(out, &m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Count returns the number of captured messages
func (s *Sandbox) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketCaptured).Stats().KeyN
		return nil
	})
	return n, err
}

// Clear removes all captured messages and returns how many were removed
func (s *Sandbox) Clear() (int, error) {
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketCaptured).Stats().KeyN
		if err := tx.DeleteBucket(bucketCaptured); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketCaptured)
		return err
	})
	return n, err
}

// Close closes the capture database
func (s *Sandbox) Close() error {
	return s.db.Close()
}
