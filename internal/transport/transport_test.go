package transport

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/rotasend/internal/config"
	"github.com/foxzi/rotasend/internal/dkim"
	"github.com/foxzi/rotasend/internal/render"
)

func testMessage() *render.Message {
	return &render.Message{
		ID:      "<1@example.com>",
		From:    "news@example.com",
		To:      "user@test.com",
		Subject: "Hello",
		Data: []byte("From: news@example.com\r\nTo: user@test.com\r\nSubject: Hello\r\n" +
			"Message-ID: <1@example.com>\r\n\r\nHi there\r\n"),
	}
}

// sink is an in-process SMTP server recording what it receives
type sink struct {
	mu       sync.Mutex
	from     string
	to       []string
	data     []byte
	authUser string
	rcptErr  *smtp.SMTPError
	users    map[string]string
	overTLS  bool
}

func (s *sink) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &sinkSession{sink: s, conn: c}, nil
}

type sinkSession struct {
	sink *sink
	conn *smtp.Conn
}

func (ss *sinkSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (ss *sinkSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if ss.sink.users[username] != password {
			return smtp.ErrAuthFailed
		}
		ss.sink.mu.Lock()
		ss.sink.authUser = username
		ss.sink.mu.Unlock()
		return nil
	}), nil
}

func (ss *sinkSession) Mail(from string, opts *smtp.MailOptions) error {
	ss.sink.mu.Lock()
	defer ss.sink.mu.Unlock()
	ss.sink.from = from
	_, ss.sink.overTLS = ss.conn.TLSConnectionState()
	return nil
}

func (ss *sinkSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	ss.sink.mu.Lock()
	defer ss.sink.mu.Unlock()
	if ss.sink.rcptErr != nil {
		return ss.sink.rcptErr
	}
	ss.sink.to = append(ss.sink.to, to)
	return nil
}

func (ss *sinkSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	ss.sink.mu.Lock()
	defer ss.sink.mu.Unlock()
	ss.sink.data = data
	return nil
}

func (ss *sinkSession) Reset() {}

func (ss *sinkSession) Logout() error {
	return nil
}

func startSink(t *testing.T, s *sink) config.SMTPConfig {
	t.Helper()
	return startSinkTLS(t, s, nil)
}

// startSinkTLS starts the sink offering STARTTLS when tlsConfig is set
func startSinkTLS(t *testing.T, s *sink, tlsConfig *tls.Config) config.SMTPConfig {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	srv := smtp.NewServer(s)
	srv.Domain = "sink.test"
	srv.AllowInsecureAuth = true
	srv.TLSConfig = tlsConfig
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	return config.SMTPConfig{
		Host:     "127.0.0.1",
		Port:     addr.Port,
		Security: "none",
		Timeout:  5 * time.Second,
	}
}

func TestSMTPSubmit(t *testing.T) {
	s := &sink{users: map[string]string{"relay": "secret"}}
	cfg := startSink(t, s)
	cfg.Username = "relay"
	cfg.Password = "secret"

	tr := NewSMTP(cfg, "mail.example.com", nil)
	defer tr.Close()

	if err := tr.Submit(context.Background(), testMessage()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.from != "news@example.com" {
		t.Errorf("MAIL FROM = %s", s.from)
	}
	if len(s.to) != 1 || s.to[0] != "user@test.com" {
		t.Errorf("RCPT TO = %v", s.to)
	}
	if s.authUser != "relay" {
		t.Errorf("authenticated as %q, want relay", s.authUser)
	}
	if !bytes.Contains(s.data, []byte("Hi there")) {
		t.Errorf("DATA = %q", s.data)
	}
}

// selfSignedTLS returns a server config with a throwaway certificate
func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "sink.test"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
}

func TestSMTPSubmitStartTLS(t *testing.T) {
	s := &sink{users: map[string]string{"relay": "secret"}}
	cfg := startSinkTLS(t, s, selfSignedTLS(t))
	cfg.Security = "starttls"
	cfg.InsecureSkipVerify = true
	cfg.Username = "relay"
	cfg.Password = "secret"

	if err := NewSMTP(cfg, "mail.example.com", nil).Submit(context.Background(), testMessage()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.overTLS {
		t.Error("message was not sent over TLS")
	}
	if s.authUser != "relay" || len(s.to) != 1 {
		t.Errorf("auth = %q, rcpt = %v", s.authUser, s.to)
	}
}

func TestSMTPStartTLSUnsupported(t *testing.T) {
	cfg := startSink(t, &sink{})
	cfg.Security = "starttls"

	err := NewSMTP(cfg, "", nil).Submit(context.Background(), testMessage())
	var se *SubmitError
	if !errors.As(err, &se) {
		t.Fatalf("Submit() error = %v, want *SubmitError", err)
	}
	if !strings.Contains(se.Detail, "STARTTLS") {
		t.Errorf("Detail = %q, want stage", se.Detail)
	}
}

func TestSMTPRejections(t *testing.T) {
	tests := []struct {
		name          string
		code          int
		wantTemporary bool
	}{
		{"mailbox unknown", 550, false},
		{"mailbox busy", 450, true},
		{"insufficient storage", 452, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &sink{rcptErr: &smtp.SMTPError{Code: tt.code, Message: "rejected"}}
			cfg := startSink(t, s)

			err := NewSMTP(cfg, "", nil).Submit(context.Background(), testMessage())
			if err == nil {
				t.Fatal("Submit() expected error")
			}

			var se *SubmitError
			if !errors.As(err, &se) {
				t.Fatalf("error %T is not a *SubmitError", err)
			}
			if se.Temporary != tt.wantTemporary {
				t.Errorf("Temporary = %v, want %v (%s)", se.Temporary, tt.wantTemporary, se.Detail)
			}
			if !strings.Contains(se.Detail, "RCPT TO") {
				t.Errorf("Detail = %q, want stage", se.Detail)
			}
		})
	}
}

func TestSMTPConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tr := NewSMTP(config.SMTPConfig{Host: "127.0.0.1", Port: port, Timeout: time.Second}, "", nil)
	err = tr.Submit(context.Background(), testMessage())
	if err == nil {
		t.Fatal("Submit() expected error")
	}
	if !IsTemporary(err) {
		t.Errorf("connection failure should be temporary: %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTemporary bool
	}{
		{"550 user not found", errors.New("550 5.1.1 User not found"), false},
		{"552 mailbox full", errors.New("552 Mailbox full"), false},
		{"421 service unavailable", errors.New("421 Service not available"), true},
		{"451 greylisted", errors.New("451 4.7.1 Greylisted"), true},
		{"no code", errors.New("connection reset by peer"), true},
		{"port number is not a code", errors.New("dial tcp 10.0.0.1:5500: timeout"), true},
		{"already classified", &SubmitError{Temporary: false, Detail: "perm"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err, "test")
			if got.Temporary != tt.wantTemporary {
				t.Errorf("classify() Temporary = %v, want %v", got.Temporary, tt.wantTemporary)
			}
		})
	}
}

func TestIsTemporary(t *testing.T) {
	if IsTemporary(&SubmitError{Temporary: false}) {
		t.Error("permanent SubmitError reported as temporary")
	}
	if !IsTemporary(errors.New("unknown")) {
		t.Error("unclassified error should be temporary")
	}
	wrapped := errors.Join(errors.New("context"), &SubmitError{Temporary: false})
	if IsTemporary(wrapped) {
		t.Error("wrapped permanent SubmitError reported as temporary")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sendmail")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestSendmail(t *testing.T) {
	out := filepath.Join(t.TempDir(), "captured.eml")
	script := writeScript(t, "cat > "+out+"\n")

	tr := NewSendmail(config.SendmailConfig{Path: script}, nil)
	if err := tr.Submit(context.Background(), testMessage()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(data, testMessage().Data) {
		t.Errorf("sendmail stdin = %q", data)
	}
}

func TestSendmailFailure(t *testing.T) {
	script := writeScript(t, "cat > /dev/null\necho 'user unknown' >&2\nexit 67\n")

	err := NewSendmail(config.SendmailConfig{Path: script}, nil).Submit(context.Background(), testMessage())
	if err == nil {
		t.Fatal("Submit() expected error")
	}
	if !strings.Contains(err.Error(), "user unknown") {
		t.Errorf("error = %v, want stderr detail", err)
	}
	if !strings.Contains(err.Error(), "67") {
		t.Errorf("error = %v, want exit code", err)
	}
}

func TestSendmailMissingBinary(t *testing.T) {
	tr := NewSendmail(config.SendmailConfig{Path: filepath.Join(t.TempDir(), "nope")}, nil)
	if err := tr.Submit(context.Background(), testMessage()); err == nil {
		t.Error("Submit() expected error for missing binary")
	}
}

func TestSandboxCaptures(t *testing.T) {
	sb, err := NewSandbox(config.SandboxConfig{Path: filepath.Join(t.TempDir(), "sb", "sandbox.db")}, nil)
	if err != nil {
		t.Fatalf("NewSandbox() error = %v", err)
	}
	defer sb.Close()

	for i := 0; i < 3; i++ {
		if err := sb.Submit(context.Background(), testMessage()); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	n, err := sb.Count()
	if err != nil || n != 3 {
		t.Fatalf("Count() = %d, %v; want 3", n, err)
	}

	msgs, err := sb.Messages(2)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Messages(2) returned %d", len(msgs))
	}
	if msgs[0].To != "user@test.com" || msgs[0].Domain != "example.com" {
		t.Errorf("captured = %+v", msgs[0])
	}

	removed, err := sb.Clear()
	if err != nil || removed != 3 {
		t.Errorf("Clear() = %d, %v; want 3", removed, err)
	}
	if n, _ := sb.Count(); n != 0 {
		t.Errorf("Count() after Clear = %d", n)
	}
}

func TestSandboxSimulatedErrors(t *testing.T) {
	sb, err := NewSandbox(config.SandboxConfig{
		Path:      filepath.Join(t.TempDir(), "sandbox.db"),
		ErrorRate: 1,
		Seed:      42,
	}, nil)
	if err != nil {
		t.Fatalf("NewSandbox() error = %v", err)
	}
	defer sb.Close()

	err = sb.Submit(context.Background(), testMessage())
	var se *SubmitError
	if !errors.As(err, &se) {
		t.Fatalf("Submit() error = %v, want *SubmitError", err)
	}
	if se.Temporary != strings.HasPrefix(se.Detail, "4") {
		t.Errorf("Temporary = %v for %q", se.Temporary, se.Detail)
	}

	msgs, _ := sb.Messages(0)
	if len(msgs) != 1 || msgs[0].SimulatedErr != se.Detail {
		t.Errorf("failed message should be captured with its simulated error")
	}
}

// recorder is a transport that keeps submitted messages
type recorder struct {
	msgs []*render.Message
}

func (r *recorder) Submit(ctx context.Context, msg *render.Message) error {
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) Close() error { return nil }

func TestSigning(t *testing.T) {
	kp, err := dkim.GenerateKey("example.com", "s1", dkim.AlgorithmEd25519)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	keyFile := filepath.Join(t.TempDir(), "example.com.key")
	if err := kp.Save(keyFile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	kr, err := dkim.NewKeyring([]config.DKIMConfig{
		{Enabled: true, Domain: "example.com", Selector: "s1", KeyFile: keyFile},
	}, nil)
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}

	rec := &recorder{}
	tr := NewSigning(rec, kr, nil)

	signed := testMessage()
	unsigned := testMessage()
	unsigned.From = "news@other.org"

	if err := tr.Submit(context.Background(), signed); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := tr.Submit(context.Background(), unsigned); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if !bytes.HasPrefix(rec.msgs[0].Data, []byte("DKIM-Signature:")) {
		t.Error("message from example.com should be signed")
	}
	if bytes.HasPrefix(signed.Data, []byte("DKIM-Signature:")) {
		t.Error("Submit() modified the caller's message")
	}
	if bytes.Contains(rec.msgs[1].Data, []byte("DKIM-Signature:")) {
		t.Error("message from other.org should not be signed")
	}
}

func TestNewSelectsMode(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Mode = config.TransportSandbox
	cfg.Transport.Sandbox.Path = filepath.Join(t.TempDir(), "sandbox.db")

	tr, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer tr.Close()
	if _, ok := tr.(*Sandbox); !ok {
		t.Errorf("New() = %T, want *Sandbox", tr)
	}

	cfg.Transport.Mode = "pigeon"
	if _, err := New(cfg, nil); err == nil {
		t.Error("New() expected error for unknown mode")
	}
}
