package redmine

import (
	"context"
	"fmt"
	"net/url"
)

// API is the session surface used by the CLI
type API interface {
	// TestConnection verifies the server is reachable and the credentials work
	TestConnection(ctx context.Context) error

	// GetCurrentUser returns the account the credentials belong to
	GetCurrentUser(ctx context.Context) (*User, error)

	// GetProjects returns every visible project
	GetProjects(ctx context.Context) ([]Project, error)

	// GetProjectByKey returns a project by its identifier or numeric id
	GetProjectByKey(ctx context.Context, key string) (*Project, error)

	// GetIssues returns every issue matching filters, optionally in one project
	GetIssues(ctx context.Context, project string, filters url.Values) ([]Issue, error)

	// CreateIssue creates an issue
	CreateIssue(ctx context.Context, issue Issue) (*Issue, error)

	// GetTimeEntries returns every time entry matching opts
	GetTimeEntries(ctx context.Context, opts ListOptions) ([]TimeEntry, error)

	// CreateTimeEntry logs time
	CreateTimeEntry(ctx context.Context, entry TimeEntry) (*TimeEntry, error)

	// Close ends the session
	Close() error
}

var _ API = (*Client)(nil)

// TestConnection checks connectivity and credentials by fetching the
// current user.
func (c *Client) TestConnection(ctx context.Context) error {
	user, err := c.GetCurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to Redmine: %w", err)
	}

	c.logger.Debug().
		Str("login", user.Login).
		Msg("Successfully connected to Redmine")
	return nil
}

// GetCurrentUser returns the account the credentials belong to.
func (c *Client) GetCurrentUser(ctx context.Context) (*User, error) {
	return getAt[User](ctx, c, "users/current", nil)
}

// GetProjects returns every visible project.
func (c *Client) GetProjects(ctx context.Context) ([]Project, error) {
	return ListAll[Project](ctx, c, ListOptions{})
}

// GetProjectByKey returns a project by identifier ("my-project") or id.
func (c *Client) GetProjectByKey(ctx context.Context, key string) (*Project, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: project key is empty", ErrInvalidConfig)
	}
	return getAt[Project](ctx, c, "projects/"+url.PathEscape(key), nil)
}

// GetIssues returns every issue matching filters. An empty project lists
// across all projects.
func (c *Client) GetIssues(ctx context.Context, project string, filters url.Values) ([]Issue, error) {
	return ListAll[Issue](ctx, c, ListOptions{Project: project, Filters: filters})
}

// CreateIssue creates an issue. Project and Subject are required by the
// server.
func (c *Client) CreateIssue(ctx context.Context, issue Issue) (*Issue, error) {
	return Create(ctx, c, issue)
}

// GetTimeEntries returns every time entry matching opts.
func (c *Client) GetTimeEntries(ctx context.Context, opts ListOptions) ([]TimeEntry, error) {
	return ListAll[TimeEntry](ctx, c, opts)
}

// CreateTimeEntry logs time against an issue or a project.
func (c *Client) CreateTimeEntry(ctx context.Context, entry TimeEntry) (*TimeEntry, error) {
	return Create(ctx, c, entry)
}
