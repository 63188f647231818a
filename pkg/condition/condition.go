// Package condition evaluates loop exit conditions, step validation
// predicates and computed branch discriminators against a saga's state
// snapshot. Expressions use expr-lang and see the snapshot under the `state`
// variable; dotted property paths resolve directly into the snapshot.
package condition

import (
	"fmt"

	"github.com/Jeffail/gabs/v2"
	"github.com/expr-lang/expr"
)

// Evaluator compiles and runs state expressions. It is stateless and safe
// for concurrent use.
type Evaluator struct{}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Eval runs the expression with the snapshot bound to `state`. Missing
// variables evaluate to nil rather than failing compilation, so conditions
// can reference fields produced by later steps.
func (e *Evaluator) Eval(expression string, state map[string]any) (any, error) {
	env := map[string]any{"state": state}

	program, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expression, err)
	}

	return result, nil
}

// EvalBool runs the expression and requires a boolean result.
func (e *Evaluator) EvalBool(expression string, state map[string]any) (bool, error) {
	result, err := e.Eval(expression, state)
	if err != nil {
		return false, err
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q evaluated to %T, want bool", expression, result)
	}

	return b, nil
}

// ResolvePath walks a dotted property path into the snapshot. The second
// return reports whether the path exists.
func ResolvePath(state map[string]any, path string) (any, bool) {
	container := gabs.Wrap(state)

	value := container.Path(path)
	if value == nil {
		return nil, false
	}

	return value.Data(), true
}
