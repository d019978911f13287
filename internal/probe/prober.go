package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/foxzi/rotasend/internal/content"
	"github.com/foxzi/rotasend/internal/render"
	"github.com/foxzi/rotasend/internal/store"
	"github.com/foxzi/rotasend/internal/transport"
)

// Prober sends probe messages to a fixed audience and records them
type Prober struct {
	audience  []string
	renderer  *render.Renderer
	transport transport.Transport
	store     store.Store
	logger    *slog.Logger
}

// NewProber creates a prober. It is disabled when audience is empty.
func NewProber(audience []string, renderer *render.Renderer, t transport.Transport, s store.Store, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var clean []string
	for _, a := range audience {
		if a = strings.TrimSpace(a); a != "" {
			clean = append(clean, a)
		}
	}
	return &Prober{
		audience:  clean,
		renderer:  renderer,
		transport: t,
		store:     s,
		logger:    logger,
	}
}

// Enabled reports whether there is anyone to probe
func (p *Prober) Enabled() bool {
	return p != nil && len(p.audience) > 0
}

// Send delivers the report to every audience address using sender as the
// From identity and appends the outcome to the probe history. Transport
// failures are counted in the entry; only a failure to record the probe
// is returned.
func (p *Prober) Send(ctx context.Context, sender *content.Variant, rep Report) (*store.ProbeEntry, error) {
	entry := &store.ProbeEntry{
		SessionID:   rep.SessionID,
		Number:      rep.Number,
		Kind:        rep.Kind,
		Timestamp:   rep.Time.UTC(),
		SentAtProbe: rep.Sent,
		FailedAt:    rep.Failed,
	}

	body, err := rep.Body()
	if err != nil {
		return nil, err
	}

	var errs []string
	for _, to := range p.audience {
		msg, err := p.renderer.Compose(sender, to, rep.Subject(), body, "text/html")
		if err == nil {
			err = p.transport.Submit(ctx, msg)
		}
		if err != nil {
			entry.Failed++
			errs = append(errs, fmt.Sprintf("%s: %v", to, err))
			p.logger.Warn("probe delivery failed",
				"session_id", rep.SessionID,
				"probe", rep.Number,
				"to", to,
				"error", err,
			)
			continue
		}
		entry.Delivered++
	}
	entry.Error = strings.Join(errs, "; ")

	if err := p.store.AppendProbe(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record probe %d: %w", rep.Number, err)
	}

	p.logger.Info("probe sent",
		"session_id", rep.SessionID,
		"probe", rep.Number,
		"kind", rep.Kind,
		"delivered", entry.Delivered,
		"failed", entry.Failed,
	)
	return entry, nil
}
