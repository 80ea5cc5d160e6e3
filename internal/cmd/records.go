package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/agentloop/internal/config"
	"github.com/harrison/agentloop/internal/models"
	"github.com/harrison/agentloop/internal/report"
	"github.com/harrison/agentloop/internal/store"
)

// NewRecordsCommand creates the 'agentloop records' parent command
func NewRecordsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect stored loop records",
		Long: `Commands for viewing and managing the loop records kept in the
record store (store.db_path, default .agentloop/records.db).

Every finished loop stores its task, each attempt with its side effects
and the verdict that judged it.`,
	}

	cmd.AddCommand(newRecordsListCommand())
	cmd.AddCommand(newRecordsShowCommand())
	cmd.AddCommand(newRecordsStatsCommand())
	cmd.AddCommand(newRecordsPruneCommand())

	return cmd
}

// openRecordStore opens the configured store. ok is false when no database
// exists yet, in which case a notice has been printed.
func openRecordStore(cmd *cobra.Command) (*store.Store, *config.Config, bool, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, false, err
	}
	dbPath, err := config.ResolvePath(cfg.Store.DBPath)
	if err != nil {
		return nil, nil, false, err
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "No records found\nDatabase path: %s\n", dbPath)
		return nil, cfg, false, nil
	}
	s, err := store.NewStore(dbPath)
	if err != nil {
		return nil, nil, false, fmt.Errorf("open record store: %w", err)
	}
	return s, cfg, true, nil
}

func newRecordsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored records, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			workflow, _ := cmd.Flags().GetString("workflow")
			state, _ := cmd.Flags().GetString("state")
			limit, _ := cmd.Flags().GetInt("limit")

			filter := store.Filter{Workflow: workflow, Limit: limit}
			if state != "" {
				ts, ok := models.ParseTerminalState(state)
				if !ok {
					return fmt.Errorf("invalid state %q, must be one of: completed, exhausted, aborted, pending", state)
				}
				filter.State = ts
			}

			s, _, ok, err := openRecordStore(cmd)
			if err != nil || !ok {
				return err
			}
			defer s.Close()

			list, err := s.ListRecords(cmd.Context(), filter)
			if err != nil {
				return err
			}
			printRecordList(cmd.OutOrStdout(), list)
			return nil
		},
	}

	cmd.Flags().String("workflow", "", "Only records of this workflow (helpdesk, programmer, analyzer)")
	cmd.Flags().String("state", "", "Only records in this terminal state")
	cmd.Flags().Int("limit", 20, "Maximum number of records (0 = all)")

	return cmd
}

func printRecordList(w io.Writer, list []store.Summary) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No records found")
		return
	}
	for _, r := range list {
		fmt.Fprintf(w, "%s  %-10s  %s  %d attempt(s)  %s  %s\n",
			r.ID, r.Workflow, stateColor(r.State).Sprintf("%-9s", r.State), r.AttemptCount,
			formatTimestamp(r.FinishedAt), truncate(r.Description, 60))
	}
}

func newRecordsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <record-id>",
		Short: "Show a record with its attempt and verdict history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, ok, err := openRecordStore(cmd)
			if err != nil || !ok {
				return err
			}
			defer s.Close()

			rec, err := s.GetRecord(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report.RenderRecord(rec))
			return nil
		},
	}
}

func newRecordsStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show record counts per state and workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, _, ok, err := openRecordStore(cmd)
			if err != nil || !ok {
				return err
			}
			defer s.Close()

			st, err := s.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("get statistics: %w", err)
			}
			printStats(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printStats(w io.Writer, st store.Stats) {
	cyan := color.New(color.FgCyan, color.Bold)

	cyan.Fprintf(w, "\n=== Record Statistics ===\n\n")
	if st.Total == 0 {
		fmt.Fprintln(w, "No records found")
		return
	}
	fmt.Fprintf(w, "Total records: %d\n", st.Total)
	fmt.Fprintf(w, "Mean attempts: %.2f\n\n", st.MeanAttempts)

	cyan.Fprintln(w, "By state:")
	for _, s := range []models.TerminalState{models.StateCompleted, models.StateExhausted, models.StateAborted} {
		n := st.ByState[s]
		fmt.Fprintf(w, "  %s %d (%.1f%%)\n", stateColor(s).Sprintf("%-10s", s), n, 100*float64(n)/float64(st.Total))
	}

	cyan.Fprintln(w, "\nBy workflow:")
	names := make([]string, 0, len(st.ByWorkflow))
	for name := range st.ByWorkflow {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-10s %d\n", name, st.ByWorkflow[name])
	}
}

func newRecordsPruneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete records older than a given age",
		Long: `Delete records that finished longer ago than --older-than.
Without the flag store.keep_days from the configuration is used.

Examples:
  agentloop records prune                  # keep store.keep_days
  agentloop records prune --older-than 72h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, cfg, ok, err := openRecordStore(cmd)
			if err != nil || !ok {
				return err
			}
			defer s.Close()

			age := time.Duration(cfg.Store.KeepDays) * 24 * time.Hour
			if cmd.Flags().Changed("older-than") {
				age, _ = cmd.Flags().GetDuration("older-than")
			}
			if age <= 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Retention is unlimited, nothing pruned")
				return nil
			}

			n, err := s.Prune(cmd.Context(), age)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d record(s) older than %s\n", n, age)
			return nil
		},
	}

	cmd.Flags().Duration("older-than", 0, "Delete records finished before now minus this age")

	return cmd
}

func stateColor(s models.TerminalState) *color.Color {
	switch s {
	case models.StateCompleted:
		return color.New(color.FgGreen)
	case models.StateExhausted:
		return color.New(color.FgYellow)
	case models.StateAborted:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgHiBlack)
	}
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
