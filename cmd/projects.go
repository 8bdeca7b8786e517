package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var projectsCmd = &cobra.Command{
	Use:   "projects [identifier]",
	Short: "List visible projects, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProjects,
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "User commands",
}

var currentUserCmd = &cobra.Command{
	Use:   "current",
	Short: "Show the account the credentials belong to",
	RunE:  runCurrentUser,
}

func init() {
	usersCmd.AddCommand(currentUserCmd)
	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(usersCmd)
}

func runProjects(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		project, err := client.GetProjectByKey(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get project: %w", err)
		}
		fmt.Fprintf(out, "%s (%s, id %d)\n", project.Name, project.Identifier, project.ID)
		if project.Parent != nil {
			fmt.Fprintf(out, "  Parent: %s\n", refName(project.Parent))
		}
		if project.Description != "" {
			fmt.Fprintf(out, "  %s\n", strings.TrimSpace(project.Description))
		}
		return nil
	}

	projects, err := client.GetProjects(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}

	fmt.Fprintf(out, "\nFound %d projects:\n", len(projects))
	fmt.Fprintln(out, strings.Repeat("-", 80))
	for _, p := range projects {
		fmt.Fprintf(out, "• %s (%s)\n", p.Name, p.Identifier)
	}
	return nil
}

func runCurrentUser(cmd *cobra.Command, args []string) error {
	user, err := client.GetCurrentUser(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get current user: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s, id %d)\n", user.FullName(), user.Login, user.ID)
	if user.Mail != "" {
		fmt.Fprintf(out, "  Mail: %s\n", user.Mail)
	}
	if !user.LastLoginOn.IsZero() {
		fmt.Fprintf(out, "  Last login: %s\n", user.LastLoginOn.Format("2006-01-02 15:04"))
	}
	return nil
}
