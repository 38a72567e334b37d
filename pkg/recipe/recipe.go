// Package recipe loads and flattens recipe definitions. A Recipe is an
// immutable template: inheritance is resolved and multiPackage variants are
// expanded at load time, so the resolver only ever sees final recipes.
package recipe

import (
	"sort"
)

// Script pairs the text that is executed with a long-term-stable digest
// form. The digest form feeds identity hashing, so cosmetic edits to the
// execution form (comments, whitespace) can be made without invalidating
// caches when the author maintains a separate digest script.
type Script struct {
	Exec   string
	Digest string
}

// IsSet reports whether the phase has any script at all.
func (s Script) IsSet() bool {
	return s.Exec != ""
}

// DigestText returns the digest form, defaulting to the execution form.
func (s Script) DigestText() string {
	if s.Digest != "" {
		return s.Digest
	}
	return s.Exec
}

// ScmSpec declares one checkout sub-path. The zero Dir means the workspace
// root. Exactly one of Commit/Tag/Branch pins a git spec; Digest pins a url
// spec.
type ScmSpec struct {
	Scm    string `yaml:"scm"`
	URL    string `yaml:"url"`
	Commit string `yaml:"commit"`
	Tag    string `yaml:"tag"`
	Branch string `yaml:"branch"`
	Digest string `yaml:"digestSHA256"`
	Dir    string `yaml:"dir"`
	If     string `yaml:"if"`
}

// Use flags controlling what a dependency contributes to its consumer.
const (
	UseResult      = "result"
	UseDeps        = "deps"
	UseEnvironment = "environment"
	UseTools       = "tools"
	UseSandbox     = "sandbox"
)

// DefaultUse is applied when a dependency omits its use set.
var DefaultUse = []string{UseResult, UseDeps}

// Dependency is one edge spec of a recipe.
type Dependency struct {
	Name        string
	Use         []string
	Forward     bool
	Environment map[string]string
	If          string
}

// UseHas reports whether the dependency's use set contains flag.
func (d *Dependency) UseHas(flag string) bool {
	for _, u := range d.Use {
		if u == flag {
			return true
		}
	}
	return false
}

// ToolSpec declares a tool a recipe provides: a path into its package result
// plus optional library paths.
type ToolSpec struct {
	Path string   `yaml:"path"`
	Libs []string `yaml:"libs"`
}

// SandboxSpec declares a sandbox a recipe provides. Paths are prepended to
// PATH inside the sandbox; Mounts list extra host paths made visible.
type SandboxSpec struct {
	Paths  []string `yaml:"paths"`
	Mounts []string `yaml:"mount"`
}

// Recipe is the flattened, immutable template for one package.
type Recipe struct {
	Name    string
	Root    bool
	Shared  bool
	Classes []string // resolved inheritance chain, for diagnostics

	CheckoutScript Script
	BuildScript    Script
	PackageScript  Script
	CheckoutSCM    []ScmSpec

	CheckoutVars     map[string]string
	CheckoutVarsWeak map[string]string
	BuildVars        map[string]string
	BuildVarsWeak    map[string]string
	PackageVars      map[string]string
	PackageVarsWeak  map[string]string

	CheckoutTools []string
	BuildTools    []string
	PackageTools  []string

	Depends []Dependency

	ProvideVars    map[string]string
	ProvideTools   map[string]ToolSpec
	ProvideDeps    []string
	ProvideSandbox *SandboxSpec

	// FilterEnvironment / FilterTools are glob lists restricting what the
	// recipe inherits from its consumer. Empty means inherit everything.
	FilterEnvironment []string
	FilterTools       []string
}

// VarsForPhase returns the strong and weak variable sets of a phase, with
// later phases layering over earlier ones (build sees checkout vars, package
// sees both).
func (r *Recipe) VarsForPhase(phase string) (strong, weak map[string]string) {
	strong = map[string]string{}
	weak = map[string]string{}
	merge := func(dst, src map[string]string) {
		for k, v := range src {
			dst[k] = v
		}
	}
	merge(strong, r.CheckoutVars)
	merge(weak, r.CheckoutVarsWeak)
	if phase == "build" || phase == "package" {
		merge(strong, r.BuildVars)
		merge(weak, r.BuildVarsWeak)
	}
	if phase == "package" {
		merge(strong, r.PackageVars)
		merge(weak, r.PackageVarsWeak)
	}
	return strong, weak
}

// ToolsForPhase returns the tool names a phase requires, deduplicated and
// sorted. Later phases include earlier phases' tools.
func (r *Recipe) ToolsForPhase(phase string) []string {
	set := map[string]bool{}
	for _, t := range r.CheckoutTools {
		set[t] = true
	}
	if phase == "build" || phase == "package" {
		for _, t := range r.BuildTools {
			set[t] = true
		}
	}
	if phase == "package" {
		for _, t := range r.PackageTools {
			set[t] = true
		}
	}
	tools := make([]string, 0, len(set))
	for t := range set {
		tools = append(tools, t)
	}
	sort.Strings(tools)
	return tools
}
