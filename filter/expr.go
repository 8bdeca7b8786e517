package filter

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/s0up4200/redminer/redmine"
)

// exprFilter implements CompiledFilter using the expr language
type exprFilter struct {
	expression string
	program    *vm.Program
	helpers    map[string]any
	envPool    *sync.Pool
}

// ExprCompilerOption configures an expr compiler
type ExprCompilerOption func(*exprCompiler)

// WithCache enables filter caching with the specified size
func WithCache(size int) ExprCompilerOption {
	return func(c *exprCompiler) {
		if size > 0 {
			c.cache = newLRUCache[string, *exprFilter](size)
		}
	}
}

// WithCustomFunctions adds helper functions. They are visible both to the
// type checker and at evaluation time.
func WithCustomFunctions(funcs map[string]any) ExprCompilerOption {
	return func(c *exprCompiler) {
		maps.Copy(c.helperFuncs, funcs)
	}
}

// NewExprCompiler creates a new expr-based filter compiler
func NewExprCompiler(opts ...ExprCompilerOption) CachingCompiler {
	c := &exprCompiler{
		helperFuncs: createHelperFunctions(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.envPool = &sync.Pool{
		New: func() any {
			return make(map[string]any, len(c.helperFuncs)+32)
		},
	}
	return c
}

type exprCompiler struct {
	helperFuncs map[string]any
	cache       *lruCache[string, *exprFilter]
	envPool     *sync.Pool
}

// Compile compiles an expression into an executable filter. Expressions
// are type-checked against the issue environment, so unknown names fail
// here rather than at evaluation.
func (c *exprCompiler) Compile(expression string) (CompiledFilter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, &CompilationError{
			Expression: expression,
			Reason:     "empty expression",
		}
	}

	if c.cache != nil {
		if cached, ok := c.cache.Get(expression); ok {
			return cached, nil
		}
	}

	prototype := make(map[string]any, len(c.helperFuncs)+32)
	fillEnvironment(prototype, c.helperFuncs, redmine.Issue{})

	program, err := expr.Compile(expression,
		expr.Env(prototype),
		expr.AsBool(),
	)
	if err != nil {
		return nil, &CompilationError{
			Expression: expression,
			Reason:     "failed to compile expression",
			Err:        err,
		}
	}

	filter := &exprFilter{
		expression: expression,
		program:    program,
		helpers:    c.helperFuncs,
		envPool:    c.envPool,
	}

	if c.cache != nil {
		c.cache.Put(expression, filter)
	}
	return filter, nil
}

// Clear removes all cached filters
func (c *exprCompiler) Clear() {
	if c.cache != nil {
		c.cache.Clear()
	}
}

// Size returns the number of cached filters
func (c *exprCompiler) Size() int {
	if c.cache != nil {
		return c.cache.Size()
	}
	return 0
}

// Evaluate reports whether issue matches. Runtime errors count as no match.
func (f *exprFilter) Evaluate(issue redmine.Issue) bool {
	ok, err := f.Match(issue)
	return err == nil && ok
}

// Match runs the program against issue
func (f *exprFilter) Match(issue redmine.Issue) (bool, error) {
	env := f.envPool.Get().(map[string]any)
	defer func() {
		clear(env)
		f.envPool.Put(env)
	}()
	fillEnvironment(env, f.helpers, issue)

	result, err := expr.Run(f.program, env)
	if err != nil {
		return false, &EvaluationError{
			Expression: f.expression,
			IssueID:    issue.ID,
			Err:        err,
		}
	}

	// AsBool guarantees the type
	return result.(bool), nil
}

// Expression returns the original expression
func (f *exprFilter) Expression() string {
	return f.expression
}

func createHelperFunctions() map[string]any {
	funcs := make(map[string]any, 16)

	// Date helpers
	funcs["daysSince"] = func(t time.Time) int {
		return int(time.Since(t).Hours() / 24)
	}
	funcs["daysAgo"] = func(days int) time.Time {
		return time.Now().AddDate(0, 0, -days)
	}
	funcs["monthsAgo"] = func(months int) time.Time {
		return time.Now().AddDate(0, -months, 0)
	}
	funcs["yearsAgo"] = func(years int) time.Time {
		return time.Now().AddDate(-years, 0, 0)
	}
	funcs["parseDate"] = func(s string) (time.Time, error) {
		d, err := redmine.ParseDate(s)
		if err != nil {
			return time.Time{}, err
		}
		return d.Time, nil
	}
	// Case-insensitive string helpers. The plain names are expr operators.
	funcs["icontains"] = func(str, substr string) bool {
		return strings.Contains(strings.ToLower(str), strings.ToLower(substr))
	}
	funcs["istartsWith"] = func(str, prefix string) bool {
		return strings.HasPrefix(strings.ToLower(str), strings.ToLower(prefix))
	}
	funcs["iendsWith"] = func(str, suffix string) bool {
		return strings.HasSuffix(strings.ToLower(str), strings.ToLower(suffix))
	}
	funcs["lower"] = strings.ToLower
	funcs["upper"] = strings.ToUpper
	funcs["now"] = time.Now

	return funcs
}

// fillEnvironment writes the helpers and the issue's fields into env
func fillEnvironment(env map[string]any, helpers map[string]any, issue redmine.Issue) {
	maps.Copy(env, helpers)

	env["Issue"] = issue

	// Flattened fields; references are exposed by name
	env["ID"] = issue.ID
	env["Subject"] = issue.Subject
	env["Description"] = issue.Description
	env["Project"] = refName(issue.Project)
	env["Tracker"] = refName(issue.Tracker)
	env["Status"] = refName(issue.Status)
	env["Priority"] = refName(issue.Priority)
	env["Author"] = refName(issue.Author)
	env["AssignedTo"] = refName(issue.AssignedTo)
	env["Category"] = refName(issue.Category)
	env["Version"] = refName(issue.Version)
	env["DoneRatio"] = issue.DoneRatio
	env["IsPrivate"] = issue.IsPrivate
	env["EstimatedHours"] = issue.EstimatedHours
	env["SpentHours"] = issue.SpentHours
	env["StartDate"] = issue.StartDate.Time
	env["DueDate"] = issue.DueDate.Time
	env["Created"] = issue.CreatedOn.Time
	env["Updated"] = issue.UpdatedOn.Time
	env["Closed"] = issue.ClosedOn.Time

	env["customField"] = createCustomFieldFunc(issue)
	env["hasCustomValue"] = createHasCustomValueFunc(issue)
	env["assignedTo"] = createAssignedToFunc(issue.AssignedTo)
	env["isAssigned"] = func() bool { return issue.AssignedTo != nil }
	env["isClosed"] = func() bool { return !issue.ClosedOn.IsZero() }
	env["overdue"] = createOverdueFunc(issue)
}

func refName(r *redmine.Ref) string {
	if r == nil {
		return ""
	}
	return r.Name
}

func createCustomFieldFunc(issue redmine.Issue) func(string) string {
	return func(name string) string {
		if f, ok := issue.CustomField(name); ok {
			return f.Value()
		}
		return ""
	}
}

func createHasCustomValueFunc(issue redmine.Issue) func(string, string) bool {
	return func(name, value string) bool {
		f, ok := issue.CustomField(name)
		if !ok {
			return false
		}
		return slices.ContainsFunc(f.Values, func(v string) bool {
			return strings.EqualFold(v, value)
		})
	}
}

func createAssignedToFunc(assignee *redmine.Ref) func(string) bool {
	return func(name string) bool {
		return assignee != nil && strings.EqualFold(assignee.Name, name)
	}
}

// overdue: open, has a due date, and the due date is before today
func createOverdueFunc(issue redmine.Issue) func() bool {
	return func() bool {
		if issue.DueDate.IsZero() || !issue.ClosedOn.IsZero() {
			return false
		}
		now := time.Now()
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return issue.DueDate.Before(today)
	}
}
