package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/rotasend/internal/config"
	"github.com/foxzi/rotasend/internal/dispatch"
	"github.com/foxzi/rotasend/internal/store"
)

var (
	sendList          string
	sendListID        int64
	sendMax           int
	sendNoResume      bool
	sendForce         bool
	sendPauseAfter    int
	sendPauseDuration time.Duration
	sendDelay         time.Duration
	sendRotation      string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Start or resume a dispatch",
	Long: `Send to the next recipients of a list, resuming after the last recipient
processed by a previous session. Ctrl+C stops the run and records the
position; the next "send" continues from there.

Examples:
  rotasend send -c rotasend.yaml
  rotasend send --list customers --max 1000
  rotasend send --list-id 2 --pause-after 50 --pause-duration 10m
  rotasend send --no-resume --delay 2s`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendList, "list", "", "Recipient list name (default: first list)")
	sendCmd.Flags().Int64Var(&sendListID, "list-id", 0, "Recipient list id")
	sendCmd.Flags().IntVar(&sendMax, "max", 0, "Maximum recipients in this session (0: config value)")
	sendCmd.Flags().BoolVar(&sendNoResume, "no-resume", false, "Start from the beginning of the list")
	sendCmd.Flags().BoolVar(&sendForce, "force", false, "Break a lock left by another dispatch")
	sendCmd.Flags().IntVar(&sendPauseAfter, "pause-after", 0, "Pause after this many recipients (0 disables)")
	sendCmd.Flags().DurationVar(&sendPauseDuration, "pause-duration", 0, "Pause length")
	sendCmd.Flags().DurationVar(&sendDelay, "delay", 0, "Delay between messages")
	sendCmd.Flags().StringVar(&sendRotation, "rotation", "", "Rotation mode: uniform, weighted, sequential")
	sendCmd.MarkFlagsMutuallyExclusive("list", "list-id")

	rootCmd.AddCommand(sendCmd)
}

// applySendFlags overrides dispatch settings with the flags the user set
func applySendFlags(cmd *cobra.Command, d *config.DispatchConfig) {
	flags := cmd.Flags()
	if flags.Changed("pause-after") {
		d.PauseAfter = sendPauseAfter
	}
	if flags.Changed("pause-duration") {
		d.PauseDuration = sendPauseDuration
	}
	if flags.Changed("delay") {
		d.DelayBetweenMessages = sendDelay
	}
	if flags.Changed("rotation") {
		d.RotationMode = sendRotation
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applySendFlags(cmd, &cfg.Dispatch)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Dispatch(context.Background(), dispatch.Options{
		List:          store.ListRef{ID: sendListID, Name: sendList},
		MaxPerSession: sendMax,
		NoResume:      sendNoResume,
		Force:         sendForce,
	})
	if res != nil {
		printResult(res)
	}
	return err
}

func printResult(res *dispatch.Result) {
	fmt.Println()
	fmt.Printf("Session:   %s\n", res.SessionID)
	fmt.Printf("Status:    %s\n", res.Status)
	fmt.Printf("Sent:      %d\n", res.Sent)
	fmt.Printf("Failed:    %d\n", res.Failed)
	if res.Processed() > 0 {
		fmt.Printf("Success:   %.1f%%\n", float64(res.Sent)/float64(res.Processed())*100)
	}
	fmt.Printf("Probes:    %d\n", res.Probes)
	fmt.Printf("Pauses:    %d\n", res.Pauses)
	fmt.Printf("Position:  %d -> %d\n", res.StartPosition, res.Cursor)
	fmt.Printf("Duration:  %s\n", res.Duration.Round(time.Second))

	if res.Status == store.StatusInterrupted {
		fmt.Printf("\nRun \"rotasend send\" again to resume at recipient %d.\n", res.Cursor+1)
	}
}
