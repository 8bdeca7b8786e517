package redmine

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"
)

// DateLayout is the wire format of calendar dates
const DateLayout = "2006-01-02"

// Date is a calendar date such as an issue's due date. The zero Date is
// sent as null and received from null or an empty element.
type Date struct {
	time.Time
}

// NewDate returns the Date for the given day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{t}, nil
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(text []byte) error {
	if len(bytes.TrimSpace(text)) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(bytes.TrimSpace(text)))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(d.String())), nil
}

func (d *Date) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = Date{}
		return nil
	}
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("invalid date %s: %w", data, err)
	}
	return d.UnmarshalText([]byte(s))
}

// DateTime is a server timestamp (created_on, updated_on, ...).
type DateTime struct {
	time.Time
}

func (t DateTime) MarshalText() ([]byte, error) {
	if t.IsZero() {
		return nil, nil
	}
	return []byte(t.UTC().Format(time.RFC3339)), nil
}

func (t *DateTime) UnmarshalText(text []byte) error {
	text = bytes.TrimSpace(text)
	if len(text) == 0 {
		*t = DateTime{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, string(text))
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", text, err)
	}
	*t = DateTime{parsed}
	return nil
}

func (t DateTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	text, _ := t.MarshalText()
	return []byte(strconv.Quote(string(text))), nil
}

func (t *DateTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = DateTime{}
		return nil
	}
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	return t.UnmarshalText([]byte(s))
}

// Ref is a reference to another object, as embedded in responses:
// {"id": 1, "name": "Bug"} or <tracker id="1" name="Bug"/>.
type Ref struct {
	ID   int    `json:"id" xml:"id,attr"`
	Name string `json:"name,omitempty" xml:"name,attr,omitempty"`
}

// CustomField is a custom field value. Multi-value fields carry every
// selected value in Values.
type CustomField struct {
	ID       int
	Name     string
	Multiple bool
	Values   []string
}

// Value returns the first value, or "" when there is none.
func (f CustomField) Value() string {
	if len(f.Values) == 0 {
		return ""
	}
	return f.Values[0]
}

type customFieldJSON struct {
	ID       int             `json:"id"`
	Name     string          `json:"name,omitempty"`
	Multiple bool            `json:"multiple,omitempty"`
	Value    json.RawMessage `json:"value"`
}

func (f CustomField) MarshalJSON() ([]byte, error) {
	var value any = f.Value()
	if f.Multiple {
		values := f.Values
		if values == nil {
			values = []string{}
		}
		value = values
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(customFieldJSON{ID: f.ID, Name: f.Name, Multiple: f.Multiple, Value: raw})
}

func (f *CustomField) UnmarshalJSON(data []byte) error {
	var wire customFieldJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*f = CustomField{ID: wire.ID, Name: wire.Name, Multiple: wire.Multiple}

	raw := bytes.TrimSpace(wire.Value)
	switch {
	case len(raw) == 0 || string(raw) == "null":
	case raw[0] == '[':
		f.Multiple = true
		if err := json.Unmarshal(raw, &f.Values); err != nil {
			return fmt.Errorf("custom field %d: %w", wire.ID, err)
		}
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("custom field %d: %w", wire.ID, err)
		}
		f.Values = []string{s}
	default:
		// numbers and booleans from plugins
		f.Values = []string{string(raw)}
	}
	return nil
}

type customFieldXML struct {
	ID       int            `xml:"id,attr"`
	Name     string         `xml:"name,attr,omitempty"`
	Multiple bool           `xml:"multiple,attr,omitempty"`
	Value    customValueXML `xml:"value"`
}

type customValueXML struct {
	Type  string   `xml:"type,attr,omitempty"`
	Text  string   `xml:",chardata"`
	Items []string `xml:"value"`
}

func (f CustomField) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	wire := customFieldXML{ID: f.ID, Name: f.Name, Multiple: f.Multiple}
	if f.Multiple {
		wire.Value = customValueXML{Type: "array", Items: f.Values}
	} else {
		wire.Value = customValueXML{Text: f.Value()}
	}
	return e.EncodeElement(wire, start)
}

func (f *CustomField) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var wire customFieldXML
	if err := d.DecodeElement(&wire, &start); err != nil {
		return err
	}
	*f = CustomField{ID: wire.ID, Name: wire.Name, Multiple: wire.Multiple}
	if wire.Multiple || wire.Value.Type == "array" {
		f.Multiple = true
		f.Values = wire.Value.Items
	} else {
		f.Values = []string{wire.Value.Text}
	}
	return nil
}

// customFieldList wraps custom fields for XML writes, which need the array
// type marker on the container.
type customFieldList struct {
	Type   string        `xml:"type,attr"`
	Fields []CustomField `xml:"custom_field"`
}

func newCustomFieldList(fields []CustomField) *customFieldList {
	if len(fields) == 0 {
		return nil
	}
	return &customFieldList{Type: "array", Fields: fields}
}

// Issue is a Redmine issue.
type Issue struct {
	ID             int           `json:"id" xml:"id"`
	Project        *Ref          `json:"project,omitempty" xml:"project,omitempty"`
	Tracker        *Ref          `json:"tracker,omitempty" xml:"tracker,omitempty"`
	Status         *Ref          `json:"status,omitempty" xml:"status,omitempty"`
	Priority       *Ref          `json:"priority,omitempty" xml:"priority,omitempty"`
	Author         *Ref          `json:"author,omitempty" xml:"author,omitempty"`
	AssignedTo     *Ref          `json:"assigned_to,omitempty" xml:"assigned_to,omitempty"`
	Category       *Ref          `json:"category,omitempty" xml:"category,omitempty"`
	Version        *Ref          `json:"fixed_version,omitempty" xml:"fixed_version,omitempty"`
	Parent         *Ref          `json:"parent,omitempty" xml:"parent,omitempty"`
	Subject        string        `json:"subject" xml:"subject"`
	Description    string        `json:"description,omitempty" xml:"description,omitempty"`
	StartDate      Date          `json:"start_date" xml:"start_date"`
	DueDate        Date          `json:"due_date" xml:"due_date"`
	DoneRatio      int           `json:"done_ratio" xml:"done_ratio"`
	IsPrivate      bool          `json:"is_private" xml:"is_private"`
	EstimatedHours float64       `json:"estimated_hours" xml:"estimated_hours"`
	SpentHours     float64       `json:"spent_hours" xml:"spent_hours"`
	CustomFields   []CustomField `json:"custom_fields,omitempty" xml:"custom_fields>custom_field"`
	CreatedOn      DateTime      `json:"created_on" xml:"created_on"`
	UpdatedOn      DateTime      `json:"updated_on" xml:"updated_on"`
	ClosedOn       DateTime      `json:"closed_on" xml:"closed_on"`

	// Notes is only sent on update, as a journal comment.
	Notes string `json:"-" xml:"-"`
}

// CustomField returns the custom field with the given name.
func (i Issue) CustomField(name string) (CustomField, bool) {
	for _, f := range i.CustomFields {
		if f.Name == name {
			return f, true
		}
	}
	return CustomField{}, false
}

// Project is a Redmine project.
type Project struct {
	ID             int           `json:"id" xml:"id"`
	Name           string        `json:"name" xml:"name"`
	Identifier     string        `json:"identifier" xml:"identifier"`
	Description    string        `json:"description,omitempty" xml:"description,omitempty"`
	Homepage       string        `json:"homepage,omitempty" xml:"homepage,omitempty"`
	Status         int           `json:"status" xml:"status"`
	IsPublic       bool          `json:"is_public" xml:"is_public"`
	InheritMembers bool          `json:"inherit_members" xml:"inherit_members"`
	Parent         *Ref          `json:"parent,omitempty" xml:"parent,omitempty"`
	CustomFields   []CustomField `json:"custom_fields,omitempty" xml:"custom_fields>custom_field"`
	CreatedOn      DateTime      `json:"created_on" xml:"created_on"`
	UpdatedOn      DateTime      `json:"updated_on" xml:"updated_on"`
}

// User is a Redmine user account.
type User struct {
	ID           int           `json:"id" xml:"id"`
	Login        string        `json:"login" xml:"login"`
	Admin        bool          `json:"admin" xml:"admin"`
	Firstname    string        `json:"firstname" xml:"firstname"`
	Lastname     string        `json:"lastname" xml:"lastname"`
	Mail         string        `json:"mail,omitempty" xml:"mail,omitempty"`
	Status       int           `json:"status,omitempty" xml:"status,omitempty"`
	APIKey       string        `json:"api_key,omitempty" xml:"api_key,omitempty"`
	CustomFields []CustomField `json:"custom_fields,omitempty" xml:"custom_fields>custom_field"`
	CreatedOn    DateTime      `json:"created_on" xml:"created_on"`
	LastLoginOn  DateTime      `json:"last_login_on" xml:"last_login_on"`

	// Password is only sent when creating or updating an account.
	Password string `json:"-" xml:"-"`
}

// FullName returns "Firstname Lastname", or the login when both are empty.
func (u User) FullName() string {
	switch {
	case u.Firstname == "" && u.Lastname == "":
		return u.Login
	case u.Lastname == "":
		return u.Firstname
	case u.Firstname == "":
		return u.Lastname
	default:
		return u.Firstname + " " + u.Lastname
	}
}

// TimeEntry is time logged against an issue or project.
type TimeEntry struct {
	ID           int           `json:"id" xml:"id"`
	Project      *Ref          `json:"project,omitempty" xml:"project,omitempty"`
	Issue        *Ref          `json:"issue,omitempty" xml:"issue,omitempty"`
	User         *Ref          `json:"user,omitempty" xml:"user,omitempty"`
	Activity     *Ref          `json:"activity,omitempty" xml:"activity,omitempty"`
	Hours        float64       `json:"hours" xml:"hours"`
	Comments     string        `json:"comments" xml:"comments"`
	SpentOn      Date          `json:"spent_on" xml:"spent_on"`
	CustomFields []CustomField `json:"custom_fields,omitempty" xml:"custom_fields>custom_field"`
	CreatedOn    DateTime      `json:"created_on" xml:"created_on"`
	UpdatedOn    DateTime      `json:"updated_on" xml:"updated_on"`
}

// Membership links a user or group to a project with a set of roles.
type Membership struct {
	ID      int   `json:"id" xml:"id"`
	Project *Ref  `json:"project,omitempty" xml:"project,omitempty"`
	User    *Ref  `json:"user,omitempty" xml:"user,omitempty"`
	Group   *Ref  `json:"group,omitempty" xml:"group,omitempty"`
	Roles   []Ref `json:"roles" xml:"roles>role"`
}

// Page is one page of a listing.
type Page[T Entity] struct {
	Items      []T
	TotalCount int
	Offset     int
	Limit      int
}

// refID returns the referenced ID, or zero for a nil reference.
func refID(r *Ref) int {
	if r == nil {
		return 0
	}
	return r.ID
}
