package filter

import (
	"context"

	"github.com/s0up4200/redminer/redmine"
)

// Filter decides whether an issue matches
type Filter interface {
	Evaluate(issue redmine.Issue) bool
}

// CompiledFilter is a pre-compiled filter, safe for concurrent use
type CompiledFilter interface {
	Filter

	// Match is Evaluate with the runtime error, if any, as an *EvaluationError
	Match(issue redmine.Issue) (bool, error)

	// Expression returns the source expression
	Expression() string
}

// Compiler compiles filter expressions
type Compiler interface {
	Compile(expression string) (CompiledFilter, error)
}

// CachingCompiler is a Compiler that keeps compiled programs around
type CachingCompiler interface {
	Compiler

	// Clear removes all cached filters
	Clear()

	// Size returns the number of cached filters
	Size() int
}

// Evaluator applies a filter to a list of issues
type Evaluator interface {
	Evaluate(ctx context.Context, filter CompiledFilter, issues []redmine.Issue) ([]redmine.Issue, error)
}

// BatchEvaluator applies several filters to the same issues
type BatchEvaluator interface {
	EvaluateBatch(ctx context.Context, filters map[string]CompiledFilter, issues []redmine.Issue) (map[string][]redmine.Issue, error)
}
