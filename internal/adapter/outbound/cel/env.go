package cel

import (
	"path/filepath"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// newFilterEnv declares the variables a filter expression may reference
// plus the glob helper for tool-name patterns.
func newFilterEnv() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),

		cel.Variable("event", cel.StringType),
		cel.Variable("keyPrefix", cel.StringType),
		cel.Variable("keyName", cel.StringType),
		cel.Variable("namespace", cel.StringType),
		cel.Variable("tool", cel.StringType),
		cel.Variable("reason", cel.StringType),
		cel.Variable("credits", cel.IntType),

		// glob: shell-style pattern matching, e.g. glob("db_*", tool).
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p, ok1 := pattern.Value().(string)
					n, ok2 := name.Value().(string)
					if !ok1 || !ok2 {
						return types.Bool(false)
					}
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),
	)
}
