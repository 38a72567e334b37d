// Package graph turns flattened recipes into a rooted graph of packages and
// steps, and assigns every step its content-addressed identities: the
// Variant-Id (expected inputs) and, when determinable, the Build-Id
// (expected result).
package graph

import (
	"sort"

	"github.com/bakebuild/bake/pkg/recipe"
	"github.com/bakebuild/bake/pkg/scm"
)

// StepKind is one of the three phases of a package.
type StepKind string

const (
	KindCheckout StepKind = "checkout"
	KindBuild    StepKind = "build"
	KindPackage  StepKind = "package"
)

// Tool references a producing step plus a relative path and library paths
// inside its result. Tools are shared, never owned: many packages may point
// at the same producing step.
type Tool struct {
	Step *Step
	Path string
	Libs []string
}

// Sandbox references the step producing the sandbox image plus its PATH
// entries and extra host mounts.
type Sandbox struct {
	Step   *Step
	Paths  []string
	Mounts []string
}

// Step is the unit of execution. Steps are owned by their package and never
// outlive it.
type Step struct {
	kind StepKind
	pkg  *Package

	script recipe.Script

	// execEnv is the full environment visible to the script; identityEnv is
	// the subset folded into the hashes (weak variables excluded).
	execEnv     map[string]string
	identityEnv map[string]string

	tools   map[string]*Tool
	sandbox *Sandbox

	// args are the direct result inputs: for a build step the checkout step
	// plus dependency package steps, for a package step the build step.
	args []*Step

	// scms populate the workspace of a checkout step.
	scms []scm.Driver

	variantID      string
	buildID        string
	buildIDPresent bool
	buildIDDone    bool
}

func (s *Step) Kind() StepKind { return s.kind }

func (s *Step) Package() *Package { return s.pkg }

func (s *Step) Script() recipe.Script { return s.script }

// Env returns the full environment the script runs with.
func (s *Step) Env() map[string]string { return s.execEnv }

// IdentityEnv returns the pinned (hash-relevant) environment subset.
func (s *Step) IdentityEnv() map[string]string { return s.identityEnv }

func (s *Step) Sandbox() *Sandbox { return s.sandbox }

func (s *Step) Args() []*Step { return s.args }

// ScmDrivers returns the checkout drivers; empty for build/package steps.
func (s *Step) ScmDrivers() []scm.Driver { return s.scms }

// Tools returns the resolved tools sorted by name.
func (s *Step) Tools() []namedTool {
	names := make([]string, 0, len(s.tools))
	for n := range s.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]namedTool, 0, len(names))
	for _, n := range names {
		out = append(out, namedTool{Name: n, Tool: s.tools[n]})
	}
	return out
}

type namedTool struct {
	Name string
	Tool *Tool
}

// IsValid reports whether the step has anything to do. An empty step (no
// script, no checkout sources) still participates in identity but the
// executor skips it.
func (s *Step) IsValid() bool {
	if s.kind == KindCheckout {
		return s.script.IsSet() || len(s.scms) > 0
	}
	return s.script.IsSet()
}
