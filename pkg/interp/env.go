// Package interp implements the layered variable environment and the string
// template language used by recipes: ${VAR} expansion with shell-style
// defaults, $(fn,...) calls through a pluggable function registry, and
// boolean guard conditions.
package interp

import (
	"sort"
)

// Env is an immutable-by-convention variable environment. Deriving returns a
// new Env; the touched-key set is shared between an Env and everything
// derived from it, so one resolution pass accumulates every key it actually
// read. That set is what the package-reuse matcher compares.
type Env struct {
	vars    map[string]string
	touched map[string]bool
	funcs   *FuncRegistry
}

func NewEnv(vars map[string]string, funcs *FuncRegistry) *Env {
	e := &Env{
		vars:    map[string]string{},
		touched: map[string]bool{},
		funcs:   funcs,
	}
	for k, v := range vars {
		e.vars[k] = v
	}
	return e
}

// Get returns the value of name and records the read.
func (e *Env) Get(name string) (string, bool) {
	e.touched[name] = true
	v, ok := e.vars[name]
	return v, ok
}

// Peek returns the value of name without recording the read. Used when
// assembling identity hashes, where the key set is fixed by the recipe
// rather than discovered.
func (e *Env) Peek(name string) (string, bool) {
	v, ok := e.vars[name]
	return v, ok
}

// Derive returns a child environment with overrides applied. The touched set
// and function registry are shared with the parent.
func (e *Env) Derive(overrides map[string]string) *Env {
	child := &Env{
		vars:    make(map[string]string, len(e.vars)+len(overrides)),
		touched: e.touched,
		funcs:   e.funcs,
	}
	for k, v := range e.vars {
		child.vars[k] = v
	}
	for k, v := range overrides {
		child.vars[k] = v
	}
	return child
}

// Prune returns a child environment holding only the allowed keys. Reads of
// pruned-away keys fail as unset.
func (e *Env) Prune(allowed map[string]bool) *Env {
	child := &Env{
		vars:    map[string]string{},
		touched: e.touched,
		funcs:   e.funcs,
	}
	for k := range allowed {
		if v, ok := e.vars[k]; ok {
			child.vars[k] = v
		}
	}
	return child
}

// Detach returns a copy with a fresh, empty touched set. Each package
// resolution starts detached so reuse keys do not bleed across packages.
func (e *Env) Detach() *Env {
	child := &Env{
		vars:    make(map[string]string, len(e.vars)),
		touched: map[string]bool{},
		funcs:   e.funcs,
	}
	for k, v := range e.vars {
		child.vars[k] = v
	}
	return child
}

// Keys returns all defined variable names, sorted.
func (e *Env) Keys() []string {
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Touched returns a snapshot of the touched keys and their current values.
// Keys that were read but are unset map to the empty string with a marker
// prefix so "unset" and "set to empty" produce different reuse keys.
func (e *Env) Touched() map[string]string {
	snap := make(map[string]string, len(e.touched))
	for k := range e.touched {
		if v, ok := e.vars[k]; ok {
			snap[k] = "=" + v
		} else {
			snap[k] = "?"
		}
	}
	return snap
}

// MarkTouched records a read of name without returning its value. The
// resolver uses it to fold a dependency's reads into its consumer's
// reuse key.
func (e *Env) MarkTouched(name string) {
	e.touched[name] = true
}

// Funcs exposes the function registry the environment was built with.
func (e *Env) Funcs() *FuncRegistry {
	return e.funcs
}
