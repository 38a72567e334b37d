package interp

import (
	"fmt"
	"path/filepath"
	"strings"
)

// StringFunction is a named capability callable from templates as
// $(name,arg,...). Implementations must be pure with respect to the
// environment snapshot they are handed: identical args and environment must
// yield identical output, or identity hashing breaks.
type StringFunction interface {
	Call(args []string, env *Env) (string, error)
}

// StringFunc adapts a plain function to StringFunction.
type StringFunc func(args []string, env *Env) (string, error)

func (f StringFunc) Call(args []string, env *Env) (string, error) {
	return f(args, env)
}

// FuncRegistry maps function names to implementations. Plugins register
// additional functions before resolution starts; the registry is read-only
// afterwards.
type FuncRegistry struct {
	funcs map[string]StringFunction
}

func NewFuncRegistry() *FuncRegistry {
	r := &FuncRegistry{funcs: map[string]StringFunction{}}
	r.registerBuiltins()
	return r
}

func (r *FuncRegistry) Register(name string, fn StringFunction) {
	r.funcs[name] = fn
}

func (r *FuncRegistry) Lookup(name string) (StringFunction, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

func (r *FuncRegistry) registerBuiltins() {
	r.Register("eq", StringFunc(funcEq))
	r.Register("ne", StringFunc(funcNe))
	r.Register("not", StringFunc(funcNot))
	r.Register("or", StringFunc(funcOr))
	r.Register("and", StringFunc(funcAnd))
	r.Register("if-then-else", StringFunc(funcIfThenElse))
	r.Register("match", StringFunc(funcMatch))
	r.Register("strip", StringFunc(funcStrip))
	r.Register("is-sandbox-enabled", StringFunc(funcIsSandboxEnabled))
	r.Register("is-tool-defined", StringFunc(funcIsToolDefined))
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false":
		return false
	default:
		return true
	}
}

func funcEq(args []string, _ *Env) (string, error) {
	if len(args) != 2 {
		return "", fmt.Errorf("eq expects two arguments, got %d", len(args))
	}
	return boolString(args[0] == args[1]), nil
}

func funcNe(args []string, _ *Env) (string, error) {
	if len(args) != 2 {
		return "", fmt.Errorf("ne expects two arguments, got %d", len(args))
	}
	return boolString(args[0] != args[1]), nil
}

func funcNot(args []string, _ *Env) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("not expects one argument, got %d", len(args))
	}
	return boolString(!isTrue(args[0])), nil
}

func funcOr(args []string, _ *Env) (string, error) {
	for _, a := range args {
		if isTrue(a) {
			return "true", nil
		}
	}
	return "false", nil
}

func funcAnd(args []string, _ *Env) (string, error) {
	for _, a := range args {
		if !isTrue(a) {
			return "false", nil
		}
	}
	return "true", nil
}

func funcIfThenElse(args []string, _ *Env) (string, error) {
	if len(args) != 3 {
		return "", fmt.Errorf("if-then-else expects three arguments, got %d", len(args))
	}
	if isTrue(args[0]) {
		return args[1], nil
	}
	return args[2], nil
}

// match implements glob matching: $(match,STRING,PATTERN).
func funcMatch(args []string, _ *Env) (string, error) {
	if len(args) != 2 {
		return "", fmt.Errorf("match expects two arguments, got %d", len(args))
	}
	ok, err := filepath.Match(args[1], args[0])
	if err != nil {
		return "", fmt.Errorf("bad pattern %q: %w", args[1], err)
	}
	return boolString(ok), nil
}

func funcStrip(args []string, _ *Env) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("strip expects one argument, got %d", len(args))
	}
	return strings.TrimSpace(args[0]), nil
}

// The sandbox marker variable is maintained by the resolver while shaping
// each package's environment.
const SandboxEnabledVar = "BAKE_SANDBOX_ENABLED"

func funcIsSandboxEnabled(args []string, env *Env) (string, error) {
	if len(args) != 0 {
		return "", fmt.Errorf("is-sandbox-enabled expects no arguments")
	}
	v, _ := env.Get(SandboxEnabledVar)
	return boolString(isTrue(v)), nil
}

// Tool presence markers are published as BAKE_TOOL_<name> by the resolver.
func funcIsToolDefined(args []string, env *Env) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("is-tool-defined expects one argument")
	}
	_, ok := env.Get("BAKE_TOOL_" + args[0])
	return boolString(ok), nil
}
