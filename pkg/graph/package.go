package graph

import (
	"github.com/bakebuild/bake/pkg/recipe"
)

// Provides is what a package offers its consumer: variables, tools, a
// sandbox and forwarded dependencies. The consumer merges these according to
// the dependency's use set.
type Provides struct {
	Vars    map[string]string
	Tools   map[string]*Tool
	Sandbox *Sandbox
	Deps    []*Package
}

// Package bundles the three steps of one resolved recipe instance.
type Package struct {
	name   string
	recipe *recipe.Recipe

	checkoutStep *Step
	buildStep    *Step
	packageStep  *Step

	// directDeps are explicit depends entries with use=result, in recipe
	// order; indirectDeps arrived through upstream provideDeps.
	directDeps   []*Step
	indirectDeps []*Step

	provides *Provides
}

func (p *Package) Name() string { return p.name }

func (p *Package) Recipe() *recipe.Recipe { return p.recipe }

func (p *Package) CheckoutStep() *Step { return p.checkoutStep }

func (p *Package) BuildStep() *Step { return p.buildStep }

func (p *Package) PackageStep() *Step { return p.packageStep }

func (p *Package) DirectDeps() []*Step { return p.directDeps }

func (p *Package) IndirectDeps() []*Step { return p.indirectDeps }

func (p *Package) Provides() *Provides { return p.provides }
