package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/rotasend/internal/app"
	"github.com/foxzi/rotasend/internal/content"
	"github.com/foxzi/rotasend/internal/render"
	"github.com/foxzi/rotasend/internal/store"
)

var testTo string

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test commands",
}

var testSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Render one rotated message and submit it to a single address",
	Long: `Render one message with the configured rotation and submit it through the
configured transport. Nothing is recorded against any list or session.

Example:
  rotasend test send --to me@example.com -c rotasend.yaml`,
	RunE: runTestSend,
}

func init() {
	testSendCmd.Flags().StringVar(&testTo, "to", "", "Recipient address (required)")
	testSendCmd.MarkFlagRequired("to")

	testCmd.AddCommand(testSendCmd)
	rootCmd.AddCommand(testCmd)
}

func runTestSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.SubmitTimeout)
	defer cancel()

	msg, err := testMessage(ctx, a, testTo)
	if err != nil {
		return err
	}

	fmt.Printf("From:       %s\n", msg.Header("From"))
	fmt.Printf("To:         %s\n", msg.To)
	fmt.Printf("Subject:    %s\n", msg.Subject)
	fmt.Printf("Variants:   template #%d, subject #%d, sender #%d\n", msg.TemplateID, msg.SubjectID, msg.SenderID)

	if err := a.Transport().Submit(ctx, msg); err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}

	fmt.Printf("Message-ID: %s\n", msg.ID)
	fmt.Println("Submitted")
	return nil
}

// testMessage renders one message for to from the active pools
func testMessage(ctx context.Context, a *app.App, to string) (*render.Message, error) {
	cfg := a.Config()

	pools, err := store.LoadPools(ctx, a.Store())
	if err != nil {
		return nil, err
	}
	if err := pools.Validate(); err != nil {
		return nil, err
	}

	mode, err := content.ParseMode(cfg.Dispatch.RotationMode)
	if err != nil {
		return nil, err
	}
	combo, err := content.NewSelector(mode, nil).Combination(pools)
	if err != nil {
		return nil, err
	}

	return a.Renderer().Render(to, combo.Template, combo.Subject, combo.Sender, cfg.Dispatch.ExtraFields)
}
