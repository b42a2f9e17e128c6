// Package cel compiles webhook filter expressions with CEL.
//
// Filter expressions are evaluated against a flattened gateway event. The
// event type is bound to the identifier `event`; the remaining variables
// are keyPrefix, keyName, namespace, tool, reason (strings) and credits
// (int). Example: `event == "gate.denied" && credits >= 100`.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/paygate-mcp/paygate/internal/domain/webhook"
)

// maxExpressionLength is the maximum allowed length for filter expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit guarding against
// cost-exhaustion expressions.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Compiler turns filter expressions into predicates. It satisfies
// webhook.ExprCompiler.
type Compiler struct {
	env *cel.Env
}

var _ webhook.ExprCompiler = (*Compiler)(nil)

// NewCompiler creates a compiler with the filter-event environment.
func NewCompiler() (*Compiler, error) {
	env, err := newFilterEnv()
	if err != nil {
		return nil, fmt.Errorf("create filter environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// Compile parses, checks, and plans an expression. Length, nesting, and
// result-type problems are rejected here so the registry never stores a
// filter that cannot run.
func (c *Compiler) Compile(expr string) (webhook.Predicate, error) {
	if expr == "" {
		return nil, errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return nil, err
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile filter expression: %w", issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("filter expression must yield a boolean, got %s", t)
	}

	prg, err := c.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("plan filter expression: %w", err)
	}
	return &predicate{prg: prg}, nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// predicate is a planned program plus the variable remapping.
type predicate struct {
	prg cel.Program
}

// Eval runs the program against one event's variables. ContextEval with a
// timeout prevents indefinite evaluation hangs.
func (p *predicate) Eval(vars map[string]any) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	out, _, err := p.prg.ContextEval(ctx, activationFrom(vars))
	if err != nil {
		return false, fmt.Errorf("evaluate filter expression: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter expression returned %T, want bool", out.Value())
	}
	return b, nil
}

// activationFrom maps the event's variable set onto the declared CEL
// identifiers. Every identifier is always bound so references never hit an
// unknown attribute at runtime; the "type" key is exposed as `event`.
func activationFrom(vars map[string]any) map[string]any {
	act := map[string]any{
		"event":     "",
		"keyPrefix": "",
		"keyName":   "",
		"namespace": "",
		"tool":      "",
		"reason":    "",
		"credits":   int64(0),
	}
	for k, v := range vars {
		switch k {
		case "type":
			act["event"] = v
		case "keyPrefix", "keyName", "namespace", "tool", "reason", "credits":
			act[k] = v
		}
	}
	return act
}
