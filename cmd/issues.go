package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/s0up4200/redminer/filter"
	"github.com/s0up4200/redminer/redmine"
)

var (
	issueProject string
	issueStatus  string
	issueAssign  string
	filterExpr   string
	preset       string
	fetchAll     bool
	issueLimit   int
	showDetails  bool
)

// issuesCmd represents the issues command
var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "List issues, optionally narrowed by a filter expression",
	Long: `List issues from Redmine. Server-side filters (--project, --status,
--assigned-to) narrow what is fetched; --filter or --preset then apply an
expression to every fetched issue, e.g.

  redminer issues --all --filter 'Status == "New" and overdue()'`,
	RunE: runIssues,
}

func init() {
	issuesCmd.Flags().StringVarP(&issueProject, "project", "P", "", "project id or identifier")
	issuesCmd.Flags().StringVar(&issueStatus, "status", "", "status filter: open, closed, * or a status id")
	issuesCmd.Flags().StringVar(&issueAssign, "assigned-to", "", "assignee id, or 'me'")
	issuesCmd.Flags().StringVarP(&filterExpr, "filter", "f", "", "filter expression")
	issuesCmd.Flags().StringVarP(&preset, "preset", "p", "", "use a preset filter from config")
	issuesCmd.Flags().BoolVarP(&fetchAll, "all", "a", false, "fetch every page instead of the first")
	issuesCmd.Flags().IntVarP(&issueLimit, "limit", "l", 0, "page size for a single-page listing")
	issuesCmd.Flags().BoolVar(&showDetails, "details", false, "show assignee, dates and progress")
	issuesCmd.MarkFlagsMutuallyExclusive("filter", "preset")

	rootCmd.AddCommand(issuesCmd)
}

func runIssues(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	opts := redmine.ListOptions{
		Project: issueProject,
		Filters: url.Values{},
		Limit:   issueLimit,
	}
	if issueStatus != "" {
		opts.Filters.Set("status_id", issueStatus)
	}
	if issueAssign != "" {
		opts.Filters.Set("assigned_to_id", issueAssign)
	}

	var issues []redmine.Issue
	var total int
	if fetchAll {
		all, err := redmine.ListAll[redmine.Issue](ctx, client, opts)
		if err != nil {
			return fmt.Errorf("failed to list issues: %w", err)
		}
		issues, total = all, len(all)
	} else {
		page, err := redmine.List[redmine.Issue](ctx, client, opts)
		if err != nil {
			return fmt.Errorf("failed to list issues: %w", err)
		}
		issues, total = page.Items, page.TotalCount
	}

	matches, err := applyFilter(cmd, issues)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(matches) == 0 {
		fmt.Fprintln(out, "No issues found matching the criteria.")
		return nil
	}

	fmt.Fprintf(out, "\nFound %d issues", len(matches))
	if len(matches) != total {
		fmt.Fprintf(out, " (of %d)", total)
	}
	fmt.Fprintln(out, ":")
	fmt.Fprintln(out, strings.Repeat("-", 80))

	for _, issue := range matches {
		fmt.Fprintf(out, "• #%d [%s] %s\n", issue.ID, refName(issue.Status), issue.Subject)
		if !showDetails {
			continue
		}
		if issue.AssignedTo != nil {
			fmt.Fprintf(out, "  Assigned to: %s\n", issue.AssignedTo.Name)
		}
		if !issue.DueDate.IsZero() {
			fmt.Fprintf(out, "  Due: %s\n", issue.DueDate)
		}
		fmt.Fprintf(out, "  Done: %d%%\n", issue.DoneRatio)
	}
	return nil
}

// applyFilter runs --filter or --preset over issues. Without either all
// issues are returned.
func applyFilter(cmd *cobra.Command, issues []redmine.Issue) ([]redmine.Issue, error) {
	switch {
	case filterExpr != "":
		logger.Info().Str("filter", filterExpr).Msg("Filtering issues")
		matches, err := filters.EvaluateExpression(cmd.Context(), filterExpr, issues)
		if err != nil {
			return nil, fmt.Errorf("invalid filter expression: %w", err)
		}
		return matches, nil

	case preset != "":
		logger.Info().Str("preset", preset).Msg("Filtering issues")
		matches, err := filters.EvaluateFilter(cmd.Context(), preset, issues)
		if errors.Is(err, filter.ErrUnknownFilter) {
			return nil, fmt.Errorf("preset '%s' not found in config (have: %s)",
				preset, strings.Join(filters.ListFilters(), ", "))
		}
		if err != nil {
			return nil, err
		}
		return matches, nil
	}
	return issues, nil
}

func refName(r *redmine.Ref) string {
	if r == nil {
		return "-"
	}
	if r.Name == "" {
		return strconv.Itoa(r.ID)
	}
	return r.Name
}
