package dispatch

import (
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/foxzi/rotasend/internal/config"
	"github.com/foxzi/rotasend/internal/content"
)

type fingerprintVariant struct {
	ID      int64  `json:"id"`
	Weight  int    `json:"weight"`
	Name    string `json:"name,omitempty"`
	Body    string `json:"body,omitempty"`
	Text    string `json:"text,omitempty"`
	Address string `json:"address,omitempty"`
}

type fingerprintInput struct {
	Templates     []fingerprintVariant `json:"templates"`
	Subjects      []fingerprintVariant `json:"subjects"`
	Senders       []fingerprintVariant `json:"senders"`
	RotationMode  string               `json:"rotation_mode"`
	PauseAfter    int                  `json:"pause_after"`
	PauseDuration time.Duration        `json:"pause_duration"`
	Delay         time.Duration        `json:"delay"`
	MaxPerSession int                  `json:"max_per_session"`
	ProbeInterval int                  `json:"probe_interval"`
	ExtraFields   [][2]string          `json:"extra_fields"`
}

// Fingerprint hashes the active pools and the dispatch settings that shape
// the output. Two runs with the same fingerprint send the same kind of
// traffic.
func Fingerprint(pools content.Pools, cfg config.DispatchConfig) string {
	in := fingerprintInput{
		Templates:     fingerprintPool(pools.Templates),
		Subjects:      fingerprintPool(pools.Subjects),
		Senders:       fingerprintPool(pools.Senders),
		RotationMode:  cfg.RotationMode,
		PauseAfter:    cfg.PauseAfter,
		PauseDuration: cfg.PauseDuration,
		Delay:         cfg.DelayBetweenMessages,
		MaxPerSession: cfg.MaxPerSession,
		ProbeInterval: cfg.ProbeInterval,
	}
	for k, v := range cfg.ExtraFields {
		in.ExtraFields = append(in.ExtraFields, [2]string{k, v})
	}
	sort.Slice(in.ExtraFields, func(i, j int) bool {
		return in.ExtraFields[i][0] < in.ExtraFields[j][0]
	})

	data, _ := json.Marshal(in)
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func fingerprintPool(p content.Pool) []fingerprintVariant {
	out := make([]fingerprintVariant, 0, len(p.Variants))
	for _, v := range p.Variants {
		out = append(out, fingerprintVariant{
			ID:      v.ID,
			Weight:  v.EffectiveWeight(),
			Name:    v.Name,
			Body:    v.Body,
			Text:    v.Text,
			Address: v.Address,
		})
	}
	return out
}
