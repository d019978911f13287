package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/foxzi/rotasend/internal/config"
	"github.com/foxzi/rotasend/internal/render"
)

// Sendmail pipes each message into the local sendmail binary
type Sendmail struct {
	path   string
	args   []string
	logger *slog.Logger
}

// NewSendmail creates a sendmail pipe transport
func NewSendmail(cfg config.SendmailConfig, logger *slog.Logger) *Sendmail {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	path := cfg.Path
	if path == "" {
		path = "/usr/sbin/sendmail"
	}
	args := cfg.Args
	if len(args) == 0 {
		args = []string{"-t", "-i"}
	}
	return &Sendmail{path: path, args: args, logger: logger}
}

// Submit runs sendmail with the message on stdin. A non-zero exit is a
// failure carrying the program's stderr.
func (s *Sendmail) Submit(ctx context.Context, msg *render.Message) error {
	cmd := exec.CommandContext(ctx, s.path, s.args...)
	cmd.Stdin = bytes.NewReader(msg.Data)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return classify(errors.New(detail), fmt.Sprintf("sendmail exited with %d", exitErr.ExitCode()))
		}
		return &SubmitError{Temporary: true, Detail: fmt.Sprintf("sendmail: %s", detail)}
	}

	s.logger.Debug("message piped to sendmail", "from", msg.From, "to", msg.To)
	return nil
}

// Close is a no-op
func (s *Sendmail) Close() error {
	return nil
}
