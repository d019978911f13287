package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	initOutput    string
	initForce     bool
	initHostname  string
	initDataDir   string
	initTransport string
	initSMTPHost  string
	initAPIKey    string
	initProbeTo   []string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Long: `Write a starter configuration file with every section present.

Examples:
  # Local dry run, messages captured in a sandbox database
  rotasend config init --transport sandbox -o rotasend.yaml

  # Relay through an SMTP server with two probe addresses
  rotasend config init --transport smtp --smtp-host relay.example.com \
    --probe-to ops@example.com --probe-to seed@example.net`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("Configuration OK (transport %s, storage %s at %s)\n",
			cfg.Transport.Mode, cfg.Storage.Driver, cfg.Storage.Path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := cfg.Redacted().Marshal()
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	configInitCmd.Flags().StringVarP(&initOutput, "output", "o", "rotasend.yaml", "Output configuration file path")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")
	configInitCmd.Flags().StringVar(&initHostname, "hostname", "", "Hostname used in HELO and Message-IDs (default: this host)")
	configInitCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/rotasend", "Directory for the state database")
	configInitCmd.Flags().StringVar(&initTransport, "transport", "sandbox", "Transport: smtp, sendmail, sandbox, amqp")
	configInitCmd.Flags().StringVar(&initSMTPHost, "smtp-host", "localhost", "SMTP relay host")
	configInitCmd.Flags().StringVar(&initAPIKey, "api-key", "", "Status API key (auto-generated if not provided)")
	configInitCmd.Flags().StringSliceVar(&initProbeTo, "probe-to", nil, "Probe audience address (repeatable)")

	configCmd.AddCommand(configInitCmd, configValidateCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	if initHostname == "" {
		initHostname, _ = os.Hostname()
	}
	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("Generated API key: %s\n", initAPIKey)
	}

	if dir := filepath.Dir(initOutput); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(initOutput, []byte(generateConfig()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Configuration saved to: %s\n", initOutput)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  rotasend content seed -c %s\n", initOutput)
	fmt.Printf("  rotasend list add customers ./customers.txt -c %s\n", initOutput)
	fmt.Printf("  rotasend send -c %s\n", initOutput)
	return nil
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig() string {
	audience := "[]"
	if len(initProbeTo) > 0 {
		audience = ""
		for _, addr := range initProbeTo {
			audience += fmt.Sprintf("\n    - %q", addr)
		}
	}

	return fmt.Sprintf(`# rotasend configuration
# Generated by: rotasend config init

server:
  hostname: %q
  mailer: ""

dispatch:
  pause_after: 500
  pause_duration: 5m
  delay_between_messages: 1s
  rotation_mode: uniform      # uniform, weighted, sequential
  max_per_session: 0          # 0 = rest of the list
  checkpoint_every: 10
  submit_timeout: 60s
  probes_enabled: true
  probe_interval: 500
  probe_watchdog: 30m
  probe_on_pause: false
  probe_audience: %s

transport:
  mode: %s
  smtp:
    host: %q
    port: 587
    security: starttls        # none, starttls, tls
    username: ""
    password: ""              # or $ROTASEND_SMTP_PASSWORD
    timeout: 30s
  sendmail:
    path: /usr/sbin/sendmail
  sandbox:
    path: "%s/sandbox.db"
    error_rate: 0
  amqp:
    url: ""                   # or $ROTASEND_AMQP_URL
    queue: rotasend.outbound

# dkim:
#   - enabled: true
#     domain: example.com
#     selector: rotasend
#     key_file: "%s/dkim/example.com.key"

quota:
  enabled: false
  global:
    messages_per_hour: 5000
    messages_per_day: 50000

storage:
  driver: bolt                # bolt, sqlite
  path: "%s/rotasend.db"

logging:
  level: info
  format: text

metrics:
  enabled: false
  listen_addr: "127.0.0.1:9090"
  path: /metrics

api:
  enabled: false
  listen_addr: "127.0.0.1:8080"
  api_key: %q                 # or $ROTASEND_API_KEY
`,
		initHostname,
		audience,
		initTransport,
		initSMTPHost,
		initDataDir,
		initDataDir,
		initDataDir,
		initAPIKey,
	)
}
