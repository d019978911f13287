package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/rotasend/internal/recipients"
	"github.com/foxzi/rotasend/internal/store"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Recipient list commands",
}

var listAddCmd = &cobra.Command{
	Use:   "add <name> <file>",
	Short: "Register a recipient list file",
	Long: `Register a plain text file with one address per line. Empty lines and
lines without "@" are skipped.`,
	Args: cobra.ExactArgs(2),
	RunE: runListAdd,
}

var listShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show registered lists and their progress",
	RunE:  runListShow,
}

var listResetCmd = &cobra.Command{
	Use:   "reset <name|id>",
	Short: "Move a list back to its first recipient",
	Args:  cobra.ExactArgs(1),
	RunE:  runListReset,
}

func init() {
	listCmd.AddCommand(listAddCmd, listShowCmd, listResetCmd)
	rootCmd.AddCommand(listCmd)
}

// parseListRef accepts a list id or name
func parseListRef(s string) store.ListRef {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil && id > 0 {
		return store.ListRef{ID: id}
	}
	return store.ListRef{Name: s}
}

func runListAdd(cmd *cobra.Command, args []string) error {
	name, path := args[0], args[1]

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	total, err := recipients.Count(abs)
	if err != nil {
		return err
	}

	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	l, err := st.AddList(context.Background(), name, abs, total)
	if err != nil {
		return fmt.Errorf("failed to add list: %w", err)
	}

	fmt.Printf("List %q added (id %d) with %d recipients\n", l.Name, l.ID, l.Total)
	return nil
}

func runListShow(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	lists, err := st.Lists(ctx)
	if err != nil {
		return fmt.Errorf("failed to read lists: %w", err)
	}
	if len(lists) == 0 {
		fmt.Println("No recipient lists registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTOTAL\tCURSOR\tREMAINING\tLOCKED BY\tPATH")
	for _, l := range lists {
		locked := "-"
		lock, err := st.GetLock(ctx, l.ID)
		if err != nil {
			return err
		}
		if lock != nil {
			locked = fmt.Sprintf("pid %d@%s", lock.PID, lock.Hostname)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%s\t%s\n",
			l.ID, l.Name, l.Total, l.Cursor, l.Remaining(), locked, l.Path)
	}
	return w.Flush()
}

func runListReset(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ref := parseListRef(args[0])
	if err := st.ResetCursor(context.Background(), ref); err != nil {
		return fmt.Errorf("failed to reset list: %w", err)
	}

	fmt.Printf("List %s reset to the first recipient\n", ref)
	return nil
}
