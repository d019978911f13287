package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/rotasend/internal/quota"
	"github.com/foxzi/rotasend/internal/store"
)

var (
	sessionsLimit     int
	sessionLogs       bool
	sessionLogStatus  string
	sessionLogLimit   int
	quotaSenderDomain string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show overall dispatch statistics",
	RunE:  runStats,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List dispatch sessions, newest first",
	RunE:  runSessions,
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Session commands",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one session with its probes and, optionally, its log",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show sending quota usage",
	RunE:  runQuota,
}

func init() {
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum sessions to show")

	sessionShowCmd.Flags().BoolVar(&sessionLogs, "logs", false, "Print recipient log entries")
	sessionShowCmd.Flags().StringVar(&sessionLogStatus, "status", "", "Only log entries with this status (SUCCESS, FAILED)")
	sessionShowCmd.Flags().IntVar(&sessionLogLimit, "limit", 100, "Maximum log entries (0 for all)")
	sessionCmd.AddCommand(sessionShowCmd)

	quotaCmd.Flags().StringVar(&quotaSenderDomain, "sender-domain", "", "Also show the counters of this sender domain")

	rootCmd.AddCommand(statsCmd, sessionsCmd, sessionCmd, quotaCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}

	fmt.Println("Dispatch Statistics")
	fmt.Println("===================")
	fmt.Printf("Lists:            %d\n", stats.Lists)
	fmt.Printf("Sessions:         %d\n", stats.Sessions)
	for _, status := range []store.SessionStatus{store.StatusCompleted, store.StatusInterrupted, store.StatusFailed, store.StatusRunning, store.StatusStarted} {
		if n := stats.SessionsByStatus[status]; n > 0 {
			fmt.Printf("  %-14s  %d\n", status, n)
		}
	}
	fmt.Printf("Recipients:       %d\n", stats.Logged)
	fmt.Printf("  Succeeded:      %d\n", stats.Succeeded)
	fmt.Printf("  Failed:         %d\n", stats.Failed)
	fmt.Printf("  Success rate:   %.1f%%\n", stats.SuccessRate())
	fmt.Printf("Probes:           %d\n", stats.Probes)
	fmt.Printf("Active content:   %d templates, %d subjects, %d senders\n",
		stats.ActiveTemplates, stats.ActiveSubjects, stats.ActiveSenders)
	if stats.LastSessionStarted != nil {
		fmt.Printf("Last session:     %s\n", stats.LastSessionStarted.Local().Format(time.DateTime))
	}
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.ListSessions(context.Background(), sessionsLimit)
	if err != nil {
		return fmt.Errorf("failed to read sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLIST\tSTARTED\tSTATUS\tSENT\tFAILED\tPROBES\tPOSITION")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%d\t%d\t%d-%d\n",
			s.ID, s.ListID, s.StartTime.Local().Format(time.DateTime), s.Status,
			s.SentCount, s.FailedCount, s.ProbeCount, s.StartPosition, s.Cursor)
	}
	return w.Flush()
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	s, err := st.GetSession(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Session:      %s\n", s.ID)
	fmt.Printf("List:         %d\n", s.ListID)
	fmt.Printf("Status:       %s\n", s.Status)
	fmt.Printf("Started:      %s\n", s.StartTime.Local().Format(time.DateTime))
	if s.EndTime != nil {
		fmt.Printf("Ended:        %s (%s)\n", s.EndTime.Local().Format(time.DateTime), s.EndTime.Sub(s.StartTime).Round(time.Second))
	}
	fmt.Printf("Batch:        %d recipients from position %d\n", s.TotalEmails, s.StartPosition)
	fmt.Printf("Cursor:       %d\n", s.Cursor)
	fmt.Printf("Sent:         %d\n", s.SentCount)
	fmt.Printf("Failed:       %d\n", s.FailedCount)
	fmt.Printf("Probes:       %d\n", s.ProbeCount)
	fmt.Printf("Fingerprint:  %s\n", s.Fingerprint)
	if s.Error != "" {
		fmt.Printf("Error:        %s\n", s.Error)
	}

	probes, err := st.ListProbes(ctx, s.ID)
	if err != nil {
		return err
	}
	if len(probes) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PROBE\tKIND\tTIME\tAT SENT\tDELIVERED\tFAILED\tERROR")
		for _, p := range probes {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
				p.Number, p.Kind, p.Timestamp.Local().Format(time.DateTime),
				p.SentAtProbe, p.Delivered, p.Failed, p.Error)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if !sessionLogs {
		return nil
	}

	logs, err := st.ListLogs(ctx, store.LogFilter{
		SessionID: s.ID,
		Status:    store.LogStatus(sessionLogStatus),
		Limit:     sessionLogLimit,
	})
	if err != nil {
		return err
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tRECIPIENT\tSTATUS\tTEMPLATE\tSUBJECT\tSENDER\tERROR")
	for _, e := range logs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
			e.Index, e.Recipient, e.Status, e.TemplateID, e.SubjectID, e.SenderID, e.Error)
	}
	return w.Flush()
}

func runQuota(cmd *cobra.Command, args []string) error {
	st, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	limiter := quota.New(cfg.Quota, st, nil)
	if limiter == nil {
		fmt.Println("Sending quota is disabled")
		return nil
	}

	usage, err := limiter.Usage(context.Background(), quotaSenderDomain)
	if err != nil {
		return fmt.Errorf("failed to read quota: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tKEY\tHOUR\tDAY")
	for _, u := range usage {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.Level, u.Key,
			formatLimit(u.HourlyCount, u.HourlyLimit), formatLimit(u.DailyCount, u.DailyLimit))
	}
	return w.Flush()
}

func formatLimit(count, limit int) string {
	if limit == 0 {
		return fmt.Sprintf("%d/unlimited", count)
	}
	return fmt.Sprintf("%d/%d", count, limit)
}
