// Package transport submits rendered messages to an external delivery
// mechanism: an SMTP relay, the local sendmail binary, an AMQP broker or a
// capturing sandbox.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/foxzi/rotasend/internal/config"
	"github.com/foxzi/rotasend/internal/dkim"
	"github.com/foxzi/rotasend/internal/render"
)

// Transport submits one message. Any returned error is a failure for that
// recipient; transports never retry on their own.
type Transport interface {
	Submit(ctx context.Context, msg *render.Message) error
	Close() error
}

// SubmitError is a classified submission failure
type SubmitError struct {
	Temporary bool
	Detail    string
}

func (e *SubmitError) Error() string {
	return e.Detail
}

// IsTemporary reports whether err is a temporary failure. Unclassified
// errors count as temporary.
func IsTemporary(err error) bool {
	var se *SubmitError
	if errors.As(err, &se) {
		return se.Temporary
	}
	return true
}

// smtpCodePattern matches SMTP reply codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b([45]\d{2})\b`)

// classify turns err into a SubmitError, using an SMTP reply code in the
// message when there is one
func classify(err error, stage string) *SubmitError {
	var se *SubmitError
	if errors.As(err, &se) {
		return se
	}

	detail := fmt.Sprintf("%s: %v", stage, err)
	if m := smtpCodePattern.FindStringSubmatch(err.Error()); len(m) > 1 {
		return &SubmitError{Temporary: strings.HasPrefix(m[1], "4"), Detail: detail}
	}
	return &SubmitError{Temporary: true, Detail: detail}
}

// New builds the transport selected by cfg.Transport.Mode, wrapped in a
// DKIM signer when any DKIM key is configured
func New(cfg *config.Config, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var (
		t   Transport
		err error
	)

	tc := cfg.Transport
	switch tc.Mode {
	case config.TransportSMTP:
		t = NewSMTP(tc.SMTP, cfg.Server.Hostname, logger.With("component", "smtp"))
	case config.TransportSendmail:
		t = NewSendmail(tc.Sendmail, logger.With("component", "sendmail"))
	case config.TransportSandbox:
		t, err = NewSandbox(tc.Sandbox, logger.With("component", "sandbox"))
	case config.TransportAMQP:
		t, err = NewAMQP(tc.AMQP, logger.With("component", "amqp"))
	default:
		return nil, fmt.Errorf("unknown transport mode: %s", tc.Mode)
	}
	if err != nil {
		return nil, err
	}

	keyring, err := dkim.NewKeyring(cfg.DKIM, logger.With("component", "dkim"))
	if err != nil {
		t.Close()
		return nil, err
	}
	if keyring.Len() > 0 {
		t = NewSigning(t, keyring, logger.With("component", "dkim"))
	}

	return t, nil
}
