package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/s0up4200/redminer/redmine"
)

var (
	entryProject string
	entryIssue   int
	entryFrom    string
	entryTo      string
	logHours     float64
	logActivity  int
	logComment   string
	logDate      string
)

var timeEntriesCmd = &cobra.Command{
	Use:   "time-entries",
	Short: "List time entries",
	RunE:  runTimeEntries,
}

var logTimeCmd = &cobra.Command{
	Use:   "log-time",
	Short: "Log time against an issue or a project",
	Long: `Log time against an issue or a project, e.g.

  redminer log-time --issue 42 --hours 1.5 --comment "Code review"`,
	RunE: runLogTime,
}

func init() {
	timeEntriesCmd.Flags().StringVarP(&entryProject, "project", "P", "", "project id or identifier")
	timeEntriesCmd.Flags().IntVarP(&entryIssue, "issue", "i", 0, "issue id")
	timeEntriesCmd.Flags().StringVar(&entryFrom, "from", "", "first day (YYYY-MM-DD)")
	timeEntriesCmd.Flags().StringVar(&entryTo, "to", "", "last day (YYYY-MM-DD)")

	logTimeCmd.Flags().IntVarP(&entryIssue, "issue", "i", 0, "issue id")
	logTimeCmd.Flags().StringVarP(&entryProject, "project", "P", "", "project id or identifier")
	logTimeCmd.Flags().Float64Var(&logHours, "hours", 0, "hours spent")
	logTimeCmd.Flags().IntVar(&logActivity, "activity", 0, "activity id (server default when omitted)")
	logTimeCmd.Flags().StringVarP(&logComment, "comment", "m", "", "comment")
	logTimeCmd.Flags().StringVar(&logDate, "date", "", "day the time was spent (default today)")
	logTimeCmd.MarkFlagsOneRequired("issue", "project")
	logTimeCmd.MarkFlagsMutuallyExclusive("issue", "project")
	_ = logTimeCmd.MarkFlagRequired("hours")

	rootCmd.AddCommand(timeEntriesCmd)
	rootCmd.AddCommand(logTimeCmd)
}

func runTimeEntries(cmd *cobra.Command, args []string) error {
	opts := redmine.ListOptions{
		Project: entryProject,
		Filters: url.Values{},
	}
	if entryIssue > 0 {
		opts.Filters.Set("issue_id", strconv.Itoa(entryIssue))
	}
	for key, value := range map[string]string{"from": entryFrom, "to": entryTo} {
		if value == "" {
			continue
		}
		if _, err := redmine.ParseDate(value); err != nil {
			return fmt.Errorf("invalid --%s: %w", key, err)
		}
		opts.Filters.Set(key, value)
	}

	entries, err := client.GetTimeEntries(cmd.Context(), opts)
	if err != nil {
		return fmt.Errorf("failed to list time entries: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No time entries found.")
		return nil
	}

	var total float64
	fmt.Fprintln(out, strings.Repeat("-", 80))
	for _, e := range entries {
		total += e.Hours
		target := refName(e.Project)
		if e.Issue != nil {
			target = fmt.Sprintf("#%d", e.Issue.ID)
		}
		fmt.Fprintf(out, "• %s %6.2fh %-10s %s %s\n", e.SpentOn, e.Hours, target, refName(e.User), e.Comments)
	}
	fmt.Fprintln(out, strings.Repeat("-", 80))
	fmt.Fprintf(out, "Total: %.2fh in %d entries\n", total, len(entries))
	return nil
}

func runLogTime(cmd *cobra.Command, args []string) error {
	if logHours <= 0 {
		return fmt.Errorf("--hours must be positive")
	}

	spentOn := redmine.NewDate(time.Now().Date())
	if logDate != "" {
		d, err := redmine.ParseDate(logDate)
		if err != nil {
			return fmt.Errorf("invalid --date: %w", err)
		}
		spentOn = d
	}

	entry := redmine.TimeEntry{
		Hours:    logHours,
		Comments: logComment,
		SpentOn:  spentOn,
	}
	if entryIssue > 0 {
		entry.Issue = &redmine.Ref{ID: entryIssue}
	}
	if entryProject != "" {
		project, err := client.GetProjectByKey(cmd.Context(), entryProject)
		if err != nil {
			return fmt.Errorf("failed to resolve project: %w", err)
		}
		entry.Project = &redmine.Ref{ID: project.ID}
	}
	if logActivity > 0 {
		entry.Activity = &redmine.Ref{ID: logActivity}
	}

	created, err := client.CreateTimeEntry(cmd.Context(), entry)
	if err != nil {
		return fmt.Errorf("failed to log time: %w", err)
	}

	logger.Info().
		Int("id", created.ID).
		Float64("hours", created.Hours).
		Msg("Time logged")
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Logged %.2fh on %s (entry %d)\n", created.Hours, created.SpentOn, created.ID)
	return nil
}
