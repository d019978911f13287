package content

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
)

// ErrEmptyPool is returned when a pool has no active variant
var ErrEmptyPool = errors.New("content pool has no active variant")

// Mode is the rotation mode used to pick a variant from a pool
type Mode string

const (
	ModeUniform    Mode = "uniform"
	ModeWeighted   Mode = "weighted"
	ModeSequential Mode = "sequential"
)

// ParseMode parses a rotation mode; "random" is accepted as an alias of uniform
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "uniform", "random":
		return ModeUniform, nil
	case "weighted":
		return ModeWeighted, nil
	case "sequential":
		return ModeSequential, nil
	}
	return "", fmt.Errorf("unknown rotation mode %q (must be uniform, weighted or sequential)", s)
}

// Pool is the set of active variants of one kind, ordered by ID
type Pool struct {
	Kind     Kind
	Variants []*Variant
}

// NewPool builds a pool from arbitrary variants, keeping only the active
// ones of the given kind
func NewPool(kind Kind, variants []*Variant) Pool {
	p := Pool{Kind: kind}
	for _, v := range variants {
		if v == nil || !v.Active || v.Kind != kind {
			continue
		}
		p.Variants = append(p.Variants, v)
	}
	sort.SliceStable(p.Variants, func(i, j int) bool {
		return p.Variants[i].ID < p.Variants[j].ID
	})
	return p
}

// Len returns the number of active variants
func (p Pool) Len() int {
	return len(p.Variants)
}

// TotalWeight returns the sum of effective weights
func (p Pool) TotalWeight() int {
	total := 0
	for _, v := range p.Variants {
		total += v.EffectiveWeight()
	}
	return total
}

// Select picks one variant from the pool using a stateless mode.
// Sequential mode needs a Selector; here it degrades to the first variant.
func Select(rng *rand.Rand, p Pool, mode Mode) (*Variant, error) {
	if len(p.Variants) == 0 {
		return nil, fmt.Errorf("%s: %w", p.Kind, ErrEmptyPool)
	}

	switch mode {
	case ModeWeighted:
		return weighted(rng, p), nil
	case ModeSequential:
		return p.Variants[0], nil
	default:
		return p.Variants[rng.IntN(len(p.Variants))], nil
	}
}

// weighted draws r in [0, total) and returns the first variant whose
// cumulative weight exceeds r
func weighted(rng *rand.Rand, p Pool) *Variant {
	r := rng.IntN(p.TotalWeight())
	cum := 0
	for _, v := range p.Variants {
		cum += v.EffectiveWeight()
		if r < cum {
			return v
		}
	}
	return p.Variants[len(p.Variants)-1]
}

// Combination is one selection from each axis
type Combination struct {
	Template *Variant
	Subject  *Variant
	Sender   *Variant
}

// Pools groups the three rotation axes
type Pools struct {
	Templates Pool
	Subjects  Pool
	Senders   Pool
}

// Validate ensures every axis has at least one active variant
func (p Pools) Validate() error {
	for _, pool := range []Pool{p.Templates, p.Subjects, p.Senders} {
		if pool.Len() == 0 {
			return fmt.Errorf("%s pool: %w", pool.Kind, ErrEmptyPool)
		}
	}
	return nil
}

// Selector picks variants according to a rotation mode. It keeps the
// round-robin position per kind for sequential mode. Not safe for
// concurrent use.
type Selector struct {
	rng  *rand.Rand
	mode Mode
	next map[Kind]int
}

// NewSelector creates a selector. A nil rng gets a randomly seeded source.
func NewSelector(mode Mode, rng *rand.Rand) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Selector{
		rng:  rng,
		mode: mode,
		next: make(map[Kind]int),
	}
}

// Mode returns the rotation mode
func (s *Selector) Mode() Mode {
	return s.mode
}

// Select picks one variant from the pool
func (s *Selector) Select(p Pool) (*Variant, error) {
	if s.mode != ModeSequential {
		return Select(s.rng, p, s.mode)
	}
	if len(p.Variants) == 0 {
		return nil, fmt.Errorf("%s: %w", p.Kind, ErrEmptyPool)
	}
	i := s.next[p.Kind] % len(p.Variants)
	s.next[p.Kind] = i + 1
	return p.Variants[i], nil
}

// Combination selects independently on each axis
func (s *Selector) Combination(p Pools) (Combination, error) {
	var c Combination
	var err error

	if c.Template, err = s.Select(p.Templates); err != nil {
		return c, err
	}
	if c.Subject, err = s.Select(p.Subjects); err != nil {
		return c, err
	}
	if c.Sender, err = s.Select(p.Senders); err != nil {
		return c, err
	}
	return c, nil
}
