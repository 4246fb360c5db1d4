package checks

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Rule is a named boolean expression evaluated against a fact environment.
type Rule struct {
	Name    string
	When    string
	Message string
	program *vm.Program
}

// CompileRule compiles when into a boolean program.
func CompileRule(name, when, message string) (*Rule, error) {
	if when == "" {
		return nil, fmt.Errorf("rule %q: empty expression", name)
	}
	program, err := expr.Compile(when, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile rule %q: %w", name, err)
	}
	return &Rule{Name: name, When: when, Message: message, program: program}, nil
}

// Eval runs the rule against env.
func (r *Rule) Eval(env map[string]any) (bool, error) {
	out, err := expr.Run(r.program, env)
	if err != nil {
		return false, fmt.Errorf("eval rule %q: %w", r.Name, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("eval rule %q: result is %T, not bool", r.Name, out)
	}
	return ok, nil
}
