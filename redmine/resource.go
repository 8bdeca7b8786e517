package redmine

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
)

// Entity is the set of object types the client can read and write. The
// type argument of Get, List, Create and friends picks the endpoint and
// the decoder at compile time.
type Entity interface {
	Issue | Project | User | TimeEntry | Membership

	resource() resource
	payload() any
	parentProject() string
}

type scopeMode int

const (
	// scopeNone: the collection only exists at the top level
	scopeNone scopeMode = iota
	// scopeOptional: the collection may be narrowed to one project
	scopeOptional
	// scopeRequired: the collection only exists under a project
	scopeRequired
)

// resource describes where an entity lives on the server.
type resource struct {
	single string
	plural string
	scope  scopeMode
}

// collection returns the listing/creation path, optionally under project.
func (r resource) collection(project string) (string, error) {
	switch {
	case project != "" && r.scope == scopeNone:
		return "", fmt.Errorf("%w: %s cannot be scoped to a project", ErrScopeUnsupported, r.plural)
	case project == "" && r.scope == scopeRequired:
		return "", fmt.Errorf("%w: %s", ErrProjectRequired, r.plural)
	case project != "":
		return "projects/" + url.PathEscape(project) + "/" + r.plural, nil
	default:
		return r.plural, nil
	}
}

// member returns the path of one object.
func (r resource) member(id int) string {
	return r.plural + "/" + strconv.Itoa(id)
}

func (Issue) resource() resource      { return resource{single: "issue", plural: "issues", scope: scopeOptional} }
func (Project) resource() resource    { return resource{single: "project", plural: "projects", scope: scopeNone} }
func (User) resource() resource       { return resource{single: "user", plural: "users", scope: scopeNone} }
func (TimeEntry) resource() resource  { return resource{single: "time_entry", plural: "time_entries", scope: scopeOptional} }
func (Membership) resource() resource { return resource{single: "membership", plural: "memberships", scope: scopeRequired} }

func (Issue) parentProject() string     { return "" }
func (Project) parentProject() string   { return "" }
func (User) parentProject() string      { return "" }
func (TimeEntry) parentProject() string { return "" }

func (m Membership) parentProject() string {
	if m.Project == nil {
		return ""
	}
	if m.Project.ID != 0 {
		return strconv.Itoa(m.Project.ID)
	}
	return m.Project.Name
}

// Write payloads. The server takes *_id fields where it returns nested
// references.

type issuePayload struct {
	XMLName         xml.Name         `json:"-" xml:"issue"`
	ProjectID       int              `json:"project_id,omitempty" xml:"project_id,omitempty"`
	TrackerID       int              `json:"tracker_id,omitempty" xml:"tracker_id,omitempty"`
	StatusID        int              `json:"status_id,omitempty" xml:"status_id,omitempty"`
	PriorityID      int              `json:"priority_id,omitempty" xml:"priority_id,omitempty"`
	AssignedToID    int              `json:"assigned_to_id,omitempty" xml:"assigned_to_id,omitempty"`
	CategoryID      int              `json:"category_id,omitempty" xml:"category_id,omitempty"`
	FixedVersionID  int              `json:"fixed_version_id,omitempty" xml:"fixed_version_id,omitempty"`
	ParentIssueID   int              `json:"parent_issue_id,omitempty" xml:"parent_issue_id,omitempty"`
	Subject         string           `json:"subject,omitempty" xml:"subject,omitempty"`
	Description     string           `json:"description,omitempty" xml:"description,omitempty"`
	StartDate       *Date            `json:"start_date,omitempty" xml:"start_date,omitempty"`
	DueDate         *Date            `json:"due_date,omitempty" xml:"due_date,omitempty"`
	DoneRatio       int              `json:"done_ratio,omitempty" xml:"done_ratio,omitempty"`
	IsPrivate       bool             `json:"is_private,omitempty" xml:"is_private,omitempty"`
	EstimatedHours  float64          `json:"estimated_hours,omitempty" xml:"estimated_hours,omitempty"`
	Notes           string           `json:"notes,omitempty" xml:"notes,omitempty"`
	CustomFields    []CustomField    `json:"custom_fields,omitempty" xml:"-"`
	XMLCustomFields *customFieldList `json:"-" xml:"custom_fields,omitempty"`
}

func (i Issue) payload() any {
	return issuePayload{
		ProjectID:       refID(i.Project),
		TrackerID:       refID(i.Tracker),
		StatusID:        refID(i.Status),
		PriorityID:      refID(i.Priority),
		AssignedToID:    refID(i.AssignedTo),
		CategoryID:      refID(i.Category),
		FixedVersionID:  refID(i.Version),
		ParentIssueID:   refID(i.Parent),
		Subject:         i.Subject,
		Description:     i.Description,
		StartDate:       datePtr(i.StartDate),
		DueDate:         datePtr(i.DueDate),
		DoneRatio:       i.DoneRatio,
		IsPrivate:       i.IsPrivate,
		EstimatedHours:  i.EstimatedHours,
		Notes:           i.Notes,
		CustomFields:    i.CustomFields,
		XMLCustomFields: newCustomFieldList(i.CustomFields),
	}
}

type projectPayload struct {
	XMLName         xml.Name         `json:"-" xml:"project"`
	Name            string           `json:"name,omitempty" xml:"name,omitempty"`
	Identifier      string           `json:"identifier,omitempty" xml:"identifier,omitempty"`
	Description     string           `json:"description,omitempty" xml:"description,omitempty"`
	Homepage        string           `json:"homepage,omitempty" xml:"homepage,omitempty"`
	IsPublic        bool             `json:"is_public" xml:"is_public"`
	InheritMembers  bool             `json:"inherit_members" xml:"inherit_members"`
	ParentID        int              `json:"parent_id,omitempty" xml:"parent_id,omitempty"`
	CustomFields    []CustomField    `json:"custom_fields,omitempty" xml:"-"`
	XMLCustomFields *customFieldList `json:"-" xml:"custom_fields,omitempty"`
}

func (p Project) payload() any {
	return projectPayload{
		Name:            p.Name,
		Identifier:      p.Identifier,
		Description:     p.Description,
		Homepage:        p.Homepage,
		IsPublic:        p.IsPublic,
		InheritMembers:  p.InheritMembers,
		ParentID:        refID(p.Parent),
		CustomFields:    p.CustomFields,
		XMLCustomFields: newCustomFieldList(p.CustomFields),
	}
}

type userPayload struct {
	XMLName         xml.Name         `json:"-" xml:"user"`
	Login           string           `json:"login,omitempty" xml:"login,omitempty"`
	Firstname       string           `json:"firstname,omitempty" xml:"firstname,omitempty"`
	Lastname        string           `json:"lastname,omitempty" xml:"lastname,omitempty"`
	Mail            string           `json:"mail,omitempty" xml:"mail,omitempty"`
	Password        string           `json:"password,omitempty" xml:"password,omitempty"`
	Admin           bool             `json:"admin,omitempty" xml:"admin,omitempty"`
	CustomFields    []CustomField    `json:"custom_fields,omitempty" xml:"-"`
	XMLCustomFields *customFieldList `json:"-" xml:"custom_fields,omitempty"`
}

func (u User) payload() any {
	return userPayload{
		Login:           u.Login,
		Firstname:       u.Firstname,
		Lastname:        u.Lastname,
		Mail:            u.Mail,
		Password:        u.Password,
		Admin:           u.Admin,
		CustomFields:    u.CustomFields,
		XMLCustomFields: newCustomFieldList(u.CustomFields),
	}
}

type timeEntryPayload struct {
	XMLName         xml.Name         `json:"-" xml:"time_entry"`
	IssueID         int              `json:"issue_id,omitempty" xml:"issue_id,omitempty"`
	ProjectID       int              `json:"project_id,omitempty" xml:"project_id,omitempty"`
	UserID          int              `json:"user_id,omitempty" xml:"user_id,omitempty"`
	ActivityID      int              `json:"activity_id,omitempty" xml:"activity_id,omitempty"`
	SpentOn         *Date            `json:"spent_on,omitempty" xml:"spent_on,omitempty"`
	Hours           float64          `json:"hours" xml:"hours"`
	Comments        string           `json:"comments,omitempty" xml:"comments,omitempty"`
	CustomFields    []CustomField    `json:"custom_fields,omitempty" xml:"-"`
	XMLCustomFields *customFieldList `json:"-" xml:"custom_fields,omitempty"`
}

func (t TimeEntry) payload() any {
	return timeEntryPayload{
		IssueID:         refID(t.Issue),
		ProjectID:       refID(t.Project),
		UserID:          refID(t.User),
		ActivityID:      refID(t.Activity),
		SpentOn:         datePtr(t.SpentOn),
		Hours:           t.Hours,
		Comments:        t.Comments,
		CustomFields:    t.CustomFields,
		XMLCustomFields: newCustomFieldList(t.CustomFields),
	}
}

type membershipPayload struct {
	XMLName    xml.Name   `json:"-" xml:"membership"`
	UserID     int        `json:"user_id,omitempty" xml:"user_id,omitempty"`
	RoleIDs    []int      `json:"role_ids" xml:"-"`
	XMLRoleIDs roleIDList `json:"-" xml:"role_ids"`
}

type roleIDList struct {
	Type string `xml:"type,attr"`
	IDs  []int  `xml:"role_id"`
}

func (m Membership) payload() any {
	userID := refID(m.User)
	if userID == 0 {
		userID = refID(m.Group)
	}
	roleIDs := make([]int, 0, len(m.Roles))
	for _, role := range m.Roles {
		roleIDs = append(roleIDs, role.ID)
	}
	return membershipPayload{
		UserID:     userID,
		RoleIDs:    roleIDs,
		XMLRoleIDs: roleIDList{Type: "array", IDs: roleIDs},
	}
}

func datePtr(d Date) *Date {
	if d.IsZero() {
		return nil
	}
	return &d
}
