package content

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
)

func testRand() *rand.Rand {
	return rand.New(rand.NewPCG(42, 1024))
}

func subjects(weights ...int) Pool {
	var vs []*Variant
	for i, w := range weights {
		vs = append(vs, &Variant{ID: int64(i + 1), Kind: KindSubject, Text: "s", Weight: w, Active: true})
	}
	return NewPool(KindSubject, vs)
}

func TestNewPoolFiltersInactiveAndSorts(t *testing.T) {
	p := NewPool(KindTemplate, []*Variant{
		{ID: 3, Kind: KindTemplate, Active: true},
		{ID: 1, Kind: KindTemplate, Active: true},
		{ID: 2, Kind: KindTemplate, Active: false},
		{ID: 4, Kind: KindSubject, Active: true},
		nil,
	})

	if p.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", p.Len())
	}
	if p.Variants[0].ID != 1 || p.Variants[1].ID != 3 {
		t.Errorf("order = [%d %d], want [1 3]", p.Variants[0].ID, p.Variants[1].ID)
	}
}

func TestSelectEmptyPool(t *testing.T) {
	for _, mode := range []Mode{ModeUniform, ModeWeighted, ModeSequential} {
		_, err := Select(testRand(), Pool{Kind: KindTemplate}, mode)
		if !errors.Is(err, ErrEmptyPool) {
			t.Errorf("mode %s: error = %v, want ErrEmptyPool", mode, err)
		}
	}
}

func TestWeightedConvergence(t *testing.T) {
	p := subjects(1, 3)
	rng := testRand()

	const draws = 200000
	hits := 0
	for i := 0; i < draws; i++ {
		v, err := Select(rng, p, ModeWeighted)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if v.ID == 2 {
			hits++
		}
	}

	freq := float64(hits) / draws
	// 5 standard deviations of a binomial proportion
	tol := 5 * math.Sqrt(0.75*0.25/draws)
	if math.Abs(freq-0.75) > tol {
		t.Errorf("frequency of weight-3 variant = %.4f, want 0.75 ± %.4f", freq, tol)
	}
}

func TestWeightedFloorsWeight(t *testing.T) {
	p := subjects(0, 0)
	if p.TotalWeight() != 2 {
		t.Fatalf("TotalWeight() = %d, want 2", p.TotalWeight())
	}
	rng := testRand()
	seen := map[int64]bool{}
	for i := 0; i < 1000; i++ {
		v, _ := Select(rng, p, ModeWeighted)
		seen[v.ID] = true
	}
	if len(seen) != 2 {
		t.Errorf("zero-weight variants should be floored to 1 and both selectable, saw %v", seen)
	}
}

func TestUniformCoversAllVariants(t *testing.T) {
	p := subjects(1, 100, 1)
	rng := testRand()
	counts := map[int64]int{}
	for i := 0; i < 30000; i++ {
		v, _ := Select(rng, p, ModeUniform)
		counts[v.ID]++
	}
	for id := int64(1); id <= 3; id++ {
		if counts[id] < 9000 || counts[id] > 11000 {
			t.Errorf("variant %d selected %d times, want about 10000 (weights ignored)", id, counts[id])
		}
	}
}

func TestSelectorDeterministicWithSeed(t *testing.T) {
	p := subjects(1, 2, 3, 4)
	a := NewSelector(ModeWeighted, rand.New(rand.NewPCG(7, 7)))
	b := NewSelector(ModeWeighted, rand.New(rand.NewPCG(7, 7)))

	for i := 0; i < 100; i++ {
		va, _ := a.Select(p)
		vb, _ := b.Select(p)
		if va.ID != vb.ID {
			t.Fatalf("draw %d differs: %d vs %d", i, va.ID, vb.ID)
		}
	}
}

func TestSelectorSequential(t *testing.T) {
	s := NewSelector(ModeSequential, testRand())
	p := subjects(1, 1, 1)

	var got []int64
	for i := 0; i < 7; i++ {
		v, err := s.Select(p)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		got = append(got, v.ID)
	}

	want := []int64{1, 2, 3, 1, 2, 3, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", got, want)
		}
	}
}

func TestCombinationRequiresAllAxes(t *testing.T) {
	pools := Pools{
		Templates: NewPool(KindTemplate, []*Variant{{ID: 1, Kind: KindTemplate, Name: "t", Body: "b", Weight: 1, Active: true}}),
		Subjects:  subjects(1),
		Senders:   Pool{Kind: KindSender},
	}

	if err := pools.Validate(); !errors.Is(err, ErrEmptyPool) {
		t.Errorf("Validate() error = %v, want ErrEmptyPool", err)
	}

	_, err := NewSelector(ModeUniform, testRand()).Combination(pools)
	if !errors.Is(err, ErrEmptyPool) {
		t.Errorf("Combination() error = %v, want ErrEmptyPool", err)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeUniform, false},
		{"random", ModeUniform, false},
		{"Weighted", ModeWeighted, false},
		{"sequential", ModeSequential, false},
		{"lottery", "", true},
	}

	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestVariantValidate(t *testing.T) {
	tests := []struct {
		name    string
		v       Variant
		wantErr bool
	}{
		{"template ok", Variant{Kind: KindTemplate, Name: "a", Body: "b", Weight: 1}, false},
		{"template without body", Variant{Kind: KindTemplate, Name: "a", Weight: 1}, true},
		{"subject ok", Variant{Kind: KindSubject, Text: "hi", Weight: 2}, false},
		{"zero weight", Variant{Kind: KindSubject, Text: "hi", Weight: 0}, true},
		{"sender ok", Variant{Kind: KindSender, Name: "A", Address: "a@example.com", Weight: 1}, false},
		{"sender bad address", Variant{Kind: KindSender, Address: "nope", Weight: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.v.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
