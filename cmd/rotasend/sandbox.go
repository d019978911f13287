package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/rotasend/internal/transport"
)

var (
	sandboxLimit  int
	sandboxDomain string
	sandboxFrom   string
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect messages captured by the sandbox transport",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured messages",
	RunE:  runSandboxList,
}

var sandboxShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Print a captured message as submitted",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxShow,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all captured messages",
	RunE:  runSandboxClear,
}

func init() {
	sandboxListCmd.Flags().IntVar(&sandboxLimit, "limit", 50, "Maximum number of messages (0 for all)")
	sandboxListCmd.Flags().StringVar(&sandboxDomain, "domain", "", "Filter by recipient domain")
	sandboxListCmd.Flags().StringVar(&sandboxFrom, "from", "", "Filter by sender")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxShowCmd, sandboxClearCmd)
	rootCmd.AddCommand(sandboxCmd)
}

func openSandbox() (*transport.Sandbox, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	sb, err := transport.NewSandbox(cfg.Transport.Sandbox, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sandbox: %w", err)
	}
	return sb, nil
}

// filterCaptured applies the list filters, keeping order
func filterCaptured(msgs []*transport.Captured, domain, from string, limit int) []*transport.Captured {
	var out []*transport.Captured
	for _, m := range msgs {
		if domain != "" && !strings.EqualFold(m.Domain, domain) {
			continue
		}
		if from != "" && !strings.Contains(strings.ToLower(m.From), strings.ToLower(from)) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	sb, err := openSandbox()
	if err != nil {
		return err
	}
	defer sb.Close()

	all, err := sb.Messages(0)
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}
	messages := filterCaptured(all, sandboxDomain, sandboxFrom, sandboxLimit)
	if len(messages) == 0 {
		fmt.Println("No messages in sandbox")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFROM\tTO\tSUBJECT\tCAPTURED\tSIMULATED ERROR")
	for _, m := range messages {
		simulated := "-"
		if m.SimulatedErr != "" {
			simulated = m.SimulatedErr
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(m.ID, 40), m.From, m.To, truncate(m.Subject, 40),
			m.CapturedAt.Local().Format(time.DateTime), simulated)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\nShowing %d of %d captured messages\n", len(messages), len(all))
	return nil
}

func runSandboxShow(cmd *cobra.Command, args []string) error {
	sb, err := openSandbox()
	if err != nil {
		return err
	}
	defer sb.Close()

	all, err := sb.Messages(0)
	if err != nil {
		return err
	}
	for _, m := range all {
		if m.ID == args[0] {
			os.Stdout.Write(m.Data)
			return nil
		}
	}
	return fmt.Errorf("message not found: %s", args[0])
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	sb, err := openSandbox()
	if err != nil {
		return err
	}
	defer sb.Close()

	n, err := sb.Clear()
	if err != nil {
		return fmt.Errorf("failed to clear sandbox: %w", err)
	}
	fmt.Printf("Removed %d messages\n", n)
	return nil
}
