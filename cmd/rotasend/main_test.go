package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/rotasend/internal/config"
	"github.com/foxzi/rotasend/internal/content"
	"github.com/foxzi/rotasend/internal/store"
	"github.com/foxzi/rotasend/internal/transport"
)

func TestGenerateRandomString(t *testing.T) {
	for _, length := range []int{8, 16, 32, 64} {
		result := generateRandomString(length)
		if len(result) != length {
			t.Errorf("generateRandomString(%d) returned string of length %d", length, len(result))
		}
	}

	if generateRandomString(32) == generateRandomString(32) {
		t.Error("generateRandomString should generate unique strings")
	}
}

func TestGenerateConfig(t *testing.T) {
	dir := t.TempDir()
	initHostname = "mail.test.example.com"
	initDataDir = dir
	initTransport = config.TransportSMTP
	initSMTPHost = "relay.test.example.com"
	initAPIKey = "testapikey"
	initProbeTo = []string{"ops@test.example.com", "seed@test.example.net"}

	data := generateConfig()

	for _, check := range []string{
		`hostname: "mail.test.example.com"`,
		`host: "relay.test.example.com"`,
		`api_key: "testapikey"`,
		`- "seed@test.example.net"`,
	} {
		if !strings.Contains(data, check) {
			t.Errorf("generated config missing: %s", check)
		}
	}

	cfg, err := config.Parse([]byte(data))
	if err != nil {
		t.Fatalf("generated config does not parse: %v", err)
	}
	if cfg.Transport.Mode != config.TransportSMTP {
		t.Errorf("transport mode = %s", cfg.Transport.Mode)
	}
	if len(cfg.Dispatch.ProbeAudience) != 2 || !cfg.Dispatch.Probes() {
		t.Errorf("probe audience = %v", cfg.Dispatch.ProbeAudience)
	}
	if cfg.Storage.Path != filepath.Join(dir, "rotasend.db") {
		t.Errorf("storage path = %s", cfg.Storage.Path)
	}
}

func TestGenerateConfigWithoutProbes(t *testing.T) {
	initHostname = "test.local"
	initDataDir = t.TempDir()
	initTransport = config.TransportSandbox
	initAPIKey = "key"
	initProbeTo = nil

	cfg, err := config.Parse([]byte(generateConfig()))
	if err != nil {
		t.Fatalf("generated config does not parse: %v", err)
	}
	if cfg.Dispatch.Probes() {
		t.Error("probes should be off without an audience")
	}
}

func TestVariantFromFlags(t *testing.T) {
	tmpl := filepath.Join(t.TempDir(), "tmpl.html")
	if err := os.WriteFile(tmpl, []byte("<p>Hi {{recipient}}</p>"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		kind    content.Kind
		set     func()
		wantErr bool
		check   func(*content.Variant) bool
	}{
		{
			name: "template from file",
			kind: content.KindTemplate,
			set:  func() { contentName = "Spring"; contentFile = tmpl },
			check: func(v *content.Variant) bool {
				return v.Body == "<p>Hi {{recipient}}</p>" && v.ContentType == content.DefaultContentType
			},
		},
		{
			name: "template inline",
			kind: content.KindTemplate,
			set:  func() { contentName = "Inline"; contentBody = "hello" },
			check: func(v *content.Variant) bool {
				return v.Name == "Inline" && v.Body == "hello"
			},
		},
		{
			name:    "template without body",
			kind:    content.KindTemplate,
			set:     func() { contentName = "Empty" },
			wantErr: true,
		},
		{
			name:    "missing template file",
			kind:    content.KindTemplate,
			set:     func() { contentName = "x"; contentFile = tmpl + ".missing" },
			wantErr: true,
		},
		{
			name:  "subject",
			kind:  content.KindSubject,
			set:   func() { contentText = "News" },
			check: func(v *content.Variant) bool { return v.Text == "News" },
		},
		{
			name: "weighted sender",
			kind: content.KindSender,
			set: func() {
				contentName = "Support"
				contentAddress = "support@example.com"
				contentWeight = 3
			},
			check: func(v *content.Variant) bool {
				return v.Label() == "Support <support@example.com>" && v.Weight == 3 && v.Active
			},
		},
		{
			name:    "sender with bad address",
			kind:    content.KindSender,
			set:     func() { contentAddress = "nobody" },
			wantErr: true,
		},
		{
			name:    "zero weight",
			kind:    content.KindSubject,
			set:     func() { contentText = "x"; contentWeight = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contentName, contentBody, contentFile, contentText, contentAddress = "", "", "", "", ""
			contentContentType = content.DefaultContentType
			contentWeight = 1
			tt.set()

			v, err := variantFromFlags(tt.kind)
			if (err != nil) != tt.wantErr {
				t.Fatalf("variantFromFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && !tt.check(v) {
				t.Errorf("variant = %+v", v)
			}
		})
	}
}

func TestParseListRef(t *testing.T) {
	tests := []struct {
		in   string
		want store.ListRef
	}{
		{"3", store.ListRef{ID: 3}},
		{"customers", store.ListRef{Name: "customers"}},
		{"0", store.ListRef{Name: "0"}},
		{"2024-leads", store.ListRef{Name: "2024-leads"}},
	}
	for _, tt := range tests {
		if got := parseListRef(tt.in); got != tt.want {
			t.Errorf("parseListRef(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestApplySendFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "send"}
	cmd.Flags().IntVar(&sendPauseAfter, "pause-after", 0, "")
	cmd.Flags().DurationVar(&sendPauseDuration, "pause-duration", 0, "")
	cmd.Flags().DurationVar(&sendDelay, "delay", 0, "")
	cmd.Flags().StringVar(&sendRotation, "rotation", "", "")
	if err := cmd.Flags().Parse([]string{"--pause-after", "0", "--delay", "250ms"}); err != nil {
		t.Fatal(err)
	}

	d := config.DispatchConfig{
		PauseAfter:           100,
		PauseDuration:        time.Minute,
		DelayBetweenMessages: time.Second,
		RotationMode:         "weighted",
	}
	applySendFlags(cmd, &d)

	if d.PauseAfter != 0 {
		t.Errorf("PauseAfter = %d, explicit 0 should override", d.PauseAfter)
	}
	if d.DelayBetweenMessages != 250*time.Millisecond {
		t.Errorf("DelayBetweenMessages = %v", d.DelayBetweenMessages)
	}
	if d.PauseDuration != time.Minute || d.RotationMode != "weighted" {
		t.Errorf("unset flags changed config: %+v", d)
	}
}

func TestFilterCaptured(t *testing.T) {
	msgs := []*transport.Captured{
		{ID: "1", From: "sales@example.com", Domain: "x.com"},
		{ID: "2", From: "support@example.com", Domain: "y.com"},
		{ID: "3", From: "Sales@example.com", Domain: "X.com"},
		{ID: "4", From: "sales@example.com", Domain: "z.com"},
	}

	tests := []struct {
		name         string
		domain, from string
		limit        int
		want         []string
	}{
		{"all", "", "", 0, []string{"1", "2", "3", "4"}},
		{"limit", "", "", 2, []string{"1", "2"}},
		{"domain", "x.com", "", 0, []string{"1", "3"}},
		{"from", "", "sales", 0, []string{"1", "3", "4"}},
		{"both with limit", "x.com", "sales", 1, []string{"1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, m := range filterCaptured(msgs, tt.domain, tt.from, tt.limit) {
				got = append(got, m.ID)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadEnv(t *testing.T) {
	if err := loadEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing dotenv file should be ignored, got %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(config.EnvAPIKey+"=from-dotenv\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvAPIKey, "")
	os.Unsetenv(config.EnvAPIKey)

	if err := loadEnv(path); err != nil {
		t.Fatalf("loadEnv() error = %v", err)
	}
	if got := os.Getenv(config.EnvAPIKey); got != "from-dotenv" {
		t.Errorf("%s = %q", config.EnvAPIKey, got)
	}
}

// TestCommandsEndToEnd drives the CLI the way an operator would on a fresh
// install, with the sandbox transport.
func TestCommandsEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "rotasend.yaml")
	listPath := filepath.Join(dir, "customers.txt")
	if err := os.WriteFile(listPath, []byte("a@x.com\nbroken\nb@y.com\n\nc@z.com\n"), 0644); err != nil {
		t.Fatal(err)
	}

	run := func(args ...string) error {
		t.Helper()
		rootCmd.SetArgs(args)
		return rootCmd.Execute()
	}

	steps := [][]string{
		{"config", "init", "-o", cfgPath, "--transport", "sandbox", "--data-dir", dir, "--probe-to", "ops@test.local", "--hostname", "test.local"},
		{"config", "validate", "-c", cfgPath},
		{"content", "seed", "-c", cfgPath},
		{"list", "add", "customers", listPath, "-c", cfgPath},
		{"send", "-c", cfgPath, "--delay", "0s", "--pause-after", "0"},
		{"stats", "-c", cfgPath},
		{"sessions", "-c", cfgPath},
	}
	for _, args := range steps {
		if err := run(args...); err != nil {
			t.Fatalf("rotasend %s: %v", strings.Join(args, " "), err)
		}
	}

	if err := run("config", "init", "-o", cfgPath); err == nil {
		t.Error("config init should refuse to overwrite without --force")
	}
	if err := run("content", "seed", "-c", cfgPath); err == nil {
		t.Error("content seed should refuse when content exists")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	list, err := st.GetList(ctx, store.ListRef{Name: "customers"})
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 3 || list.Cursor != 3 {
		t.Errorf("list = %+v, want total and cursor 3", list)
	}
	last, err := st.LastSession(ctx, list.ID)
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.Status != store.StatusCompleted || last.SentCount != 3 {
		t.Errorf("session = %+v", last)
	}
	st.Close()

	sb, err := transport.NewSandbox(cfg.Transport.Sandbox, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sb.Close()
	n, err := sb.Count()
	if err != nil {
		t.Fatal(err)
	}
	// three recipients and the final probe
	if n != 4 {
		t.Errorf("sandbox holds %d messages, want 4", n)
	}
}
