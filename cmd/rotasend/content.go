package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/rotasend/internal/content"
)

var (
	contentName        string
	contentBody        string
	contentFile        string
	contentText        string
	contentAddress     string
	contentContentType string
	contentWeight      int
	contentAll         bool
)

var contentCmd = &cobra.Command{
	Use:   "content",
	Short: "Manage templates, subjects and senders",
}

var contentAddCmd = &cobra.Command{
	Use:   "add <template|subject|sender>",
	Short: "Add a content variant",
	Long: `Add a template, subject line or sender identity to its rotation pool.

Examples:
  rotasend content add template --name Spring --file spring.html
  rotasend content add subject --text "News for {{recipient}}"
  rotasend content add sender --name "Support" --address support@example.com --weight 3`,
	Args: cobra.ExactArgs(1),
	RunE: runContentAdd,
}

var contentListCmd = &cobra.Command{
	Use:   "list [kind]",
	Short: "List content variants",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runContentList,
}

var contentEnableCmd = &cobra.Command{
	Use:   "enable <kind> <id>",
	Short: "Put a variant back into rotation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setContentActive(args[0], args[1], true)
	},
}

var contentDisableCmd = &cobra.Command{
	Use:   "disable <kind> <id>",
	Short: "Take a variant out of rotation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setContentActive(args[0], args[1], false)
	},
}

var contentSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Add a starter set of templates, subjects and senders",
	Args:  cobra.NoArgs,
	RunE:  runContentSeed,
}

func init() {
	contentAddCmd.Flags().StringVar(&contentName, "name", "", "Template name or sender display name")
	contentAddCmd.Flags().StringVar(&contentBody, "body", "", "Template body")
	contentAddCmd.Flags().StringVar(&contentFile, "file", "", "Read the template body from a file")
	contentAddCmd.Flags().StringVar(&contentText, "text", "", "Subject line")
	contentAddCmd.Flags().StringVar(&contentAddress, "address", "", "Sender address")
	contentAddCmd.Flags().StringVar(&contentContentType, "content-type", content.DefaultContentType, "Template content type")
	contentAddCmd.Flags().IntVar(&contentWeight, "weight", 1, "Selection weight for weighted rotation")
	contentAddCmd.MarkFlagsMutuallyExclusive("body", "file")

	contentListCmd.Flags().BoolVar(&contentAll, "all", false, "Include inactive variants")

	contentCmd.AddCommand(contentAddCmd, contentListCmd, contentEnableCmd, contentDisableCmd, contentSeedCmd)
	rootCmd.AddCommand(contentCmd)
}

// variantFromFlags builds the variant described by the add flags
func variantFromFlags(kind content.Kind) (*content.Variant, error) {
	v := &content.Variant{
		Kind:   kind,
		Weight: contentWeight,
		Active: true,
	}

	switch kind {
	case content.KindTemplate:
		body := contentBody
		if contentFile != "" {
			data, err := os.ReadFile(contentFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read template: %w", err)
			}
			body = string(data)
		}
		v.Name = contentName
		v.Body = body
		v.ContentType = contentContentType
	case content.KindSubject:
		v.Text = contentText
	case content.KindSender:
		v.Name = contentName
		v.Address = contentAddress
	}

	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

func runContentAdd(cmd *cobra.Command, args []string) error {
	kind, err := content.ParseKind(args[0])
	if err != nil {
		return err
	}
	v, err := variantFromFlags(kind)
	if err != nil {
		return err
	}

	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	pool, err := st.AddVariant(context.Background(), v)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", kind, err)
	}

	fmt.Printf("Added %s #%d: %s\n", kind, v.ID, v.Label())
	fmt.Printf("Active %ss: %d\n", kind, pool.Len())
	return nil
}

func runContentList(cmd *cobra.Command, args []string) error {
	kinds := content.Kinds
	if len(args) == 1 {
		kind, err := content.ParseKind(args[0])
		if err != nil {
			return err
		}
		kinds = []content.Kind{kind}
	}

	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tID\tACTIVE\tWEIGHT\tLABEL")
	for _, kind := range kinds {
		vs, err := st.Variants(context.Background(), kind)
		if err != nil {
			return fmt.Errorf("failed to read %ss: %w", kind, err)
		}
		for _, v := range vs {
			if !v.Active && !contentAll {
				continue
			}
			fmt.Fprintf(w, "%s\t%d\t%t\t%d\t%s\n", v.Kind, v.ID, v.Active, v.EffectiveWeight(), truncate(v.Label(), 60))
		}
	}
	return w.Flush()
}

func setContentActive(kindArg, idArg string, active bool) error {
	kind, err := content.ParseKind(kindArg)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", idArg)
	}

	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	pool, err := st.SetVariantActive(context.Background(), kind, id, active)
	if err != nil {
		return err
	}

	state := "disabled"
	if active {
		state = "enabled"
	}
	fmt.Printf("%s #%d %s, %d active\n", kind, id, state, pool.Len())
	if pool.Len() == 0 {
		fmt.Printf("Warning: no active %ss left, dispatch will refuse to start\n", kind)
	}
	return nil
}

func runContentSeed(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	for _, kind := range content.Kinds {
		vs, err := st.Variants(ctx, kind)
		if err != nil {
			return err
		}
		if len(vs) > 0 {
			return fmt.Errorf("content already present (%d %ss), refusing to seed", len(vs), kind)
		}
	}

	n := 0
	for _, v := range content.Defaults() {
		if _, err := st.AddVariant(ctx, v); err != nil {
			return fmt.Errorf("failed to seed %s: %w", v.Kind, err)
		}
		n++
	}

	fmt.Printf("Seeded %d variants\n", n)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
