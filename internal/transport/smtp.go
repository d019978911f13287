package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/rotasend/internal/config"
	"github.com/foxzi/rotasend/internal/render"
)

// SMTP submits messages to a relay, one connection per message
type SMTP struct {
	cfg      config.SMTPConfig
	hostname string
	logger   *slog.Logger
}

// NewSMTP creates an SMTP relay transport
func NewSMTP(cfg config.SMTPConfig, hostname string, logger *slog.Logger) *SMTP {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if hostname == "" {
		hostname = "localhost"
	}
	return &SMTP{cfg: cfg, hostname: hostname, logger: logger}
}

// Submit relays msg to the configured host
func (s *SMTP) Submit(ctx context.Context, msg *render.Message) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	conn, err := s.dial(ctx, addr)
	if err != nil {
		return &SubmitError{
			Temporary: true,
			Detail:    fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(s.cfg.Timeout))
	}

	client, err := s.newClient(conn)
	if err != nil {
		return err
	}
	defer client.Close()

	if s.cfg.Username != "" {
		auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return smtpError(err, "AUTH")
		}
	}

	if err := client.Mail(msg.From, nil); err != nil {
		return smtpError(err, "MAIL FROM")
	}
	if err := client.Rcpt(msg.To, nil); err != nil {
		return smtpError(err, "RCPT TO "+msg.To)
	}

	wc, err := client.Data()
	if err != nil {
		return smtpError(err, "DATA")
	}
	if _, err := bytes.NewReader(msg.Data).WriteTo(wc); err != nil {
		wc.Close()
		return &SubmitError{
			Temporary: true,
			Detail:    fmt.Sprintf("failed to write message data: %v", err),
		}
	}
	if err := wc.Close(); err != nil {
		return smtpError(err, "DATA close")
	}

	client.Quit()

	s.logger.Debug("message relayed",
		"relay", addr,
		"from", msg.From,
		"to", msg.To,
	)
	return nil
}

// newClient greets the relay. With starttls the client library sends its
// own EHLO (as "localhost") before upgrading, and refuses a second Hello.
func (s *SMTP) newClient(conn net.Conn) (*smtp.Client, error) {
	if s.cfg.Security == "starttls" {
		client, err := smtp.NewClientStartTLS(conn, s.tlsConfig())
		if err != nil {
			return nil, smtpError(err, "STARTTLS")
		}
		return client, nil
	}

	client := smtp.NewClient(conn)
	if err := client.Hello(s.hostname); err != nil {
		client.Close()
		return nil, smtpError(err, "HELO")
	}
	return client, nil
}

// Close is a no-op; connections are per message
func (s *SMTP) Close() error {
	return nil
}

func (s *SMTP) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	if s.cfg.Security == "tls" {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: s.tlsConfig()}
		return tlsDialer.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

func (s *SMTP) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         s.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
	}
}

// smtpError classifies err by its reply code when the server sent one
func smtpError(err error, stage string) *SubmitError {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &SubmitError{
			Temporary: se.Code/100 == 4,
			Detail:    fmt.Sprintf("%s: %d %s", stage, se.Code, se.Message),
		}
	}
	return classify(err, stage)
}
