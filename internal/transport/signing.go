package transport

import (
	"context"
	"io"
	"log/slog"

	"github.com/foxzi/rotasend/internal/dkim"
	"github.com/foxzi/rotasend/internal/render"
)

// Signing DKIM-signs messages by sender domain before handing them to the
// next transport. Messages from domains without a key pass through
// unsigned, as do messages whose signing fails.
type Signing struct {
	next    Transport
	keyring *dkim.Keyring
	logger  *slog.Logger
}

// NewSigning wraps next with DKIM signing
func NewSigning(next Transport, keyring *dkim.Keyring, logger *slog.Logger) *Signing {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Signing{next: next, keyring: keyring, logger: logger}
}

// Submit signs msg and delegates
func (s *Signing) Submit(ctx context.Context, msg *render.Message) error {
	signer := s.keyring.ForDomain(msg.Domain())
	if signer == nil {
		return s.next.Submit(ctx, msg)
	}

	signed, err := signer.Sign(msg.Data)
	if err != nil {
		s.logger.Warn("DKIM signing failed, sending unsigned",
			"domain", signer.Domain(),
			"error", err,
		)
		return s.next.Submit(ctx, msg)
	}

	cp := *msg
	cp.Data = signed
	s.logger.Debug("DKIM signed", "domain", signer.Domain(), "selector", signer.Selector())
	return s.next.Submit(ctx, &cp)
}

// Close closes the wrapped transport
func (s *Signing) Close() error {
	return s.next.Close()
}
