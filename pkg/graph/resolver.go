package graph

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/bakebuild/bake/pkg/errors"
	"github.com/bakebuild/bake/pkg/interp"
	"github.com/bakebuild/bake/pkg/recipe"
	"github.com/bakebuild/bake/pkg/scm"
	"github.com/bakebuild/bake/pkg/util/console"
)

// StateTracker observes resolution for plugins that carry state across the
// recipe tree. Fingerprint feeds the package-reuse key so divergent plugin
// state never aliases.
type StateTracker interface {
	OnEnter(recipeName string, env *interp.Env)
	OnUse(dep *Package)
	OnFinish(pkg *Package)
	Fingerprint() string
}

// Resolver expands recipes into packages. Safe for sequential use only;
// resolution is pure in-memory computation and never blocks.
type Resolver struct {
	store          *recipe.Store
	trackers       []StateTracker
	reuseEnabled   bool
	verifyReuse    bool
	sandboxEnabled bool

	memo map[string][]*memoEntry
}

type memoEntry struct {
	touchedEnv   map[string]string
	touchedTools map[string]string
	sandboxKey   string
	trackerKey   string
	pkg          *Package
	transitive   map[string]bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithoutReuse disables the package-reuse optimization. Identities and step
// content must not change; only memory and time do.
func WithoutReuse() Option {
	return func(r *Resolver) { r.reuseEnabled = false }
}

// WithReuseVerification re-resolves on every reuse hit and cross-checks the
// result. A mismatch is an internal-consistency error, not a fallback.
func WithReuseVerification() Option {
	return func(r *Resolver) { r.verifyReuse = true }
}

// WithoutSandbox resolves as if no recipe provided a sandbox.
func WithoutSandbox() Option {
	return func(r *Resolver) { r.sandboxEnabled = false }
}

// WithTracker registers a plugin state tracker.
func WithTracker(t StateTracker) Option {
	return func(r *Resolver) { r.trackers = append(r.trackers, t) }
}

func NewResolver(store *recipe.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:          store,
		reuseEnabled:   true,
		sandboxEnabled: true,
		memo:           map[string][]*memoEntry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveRoot resolves a root recipe against the initial environment.
func (r *Resolver) ResolveRoot(name string, env *interp.Env) (*Package, error) {
	pkg, _, _, err := r.resolve(name, env, map[string]*Tool{}, nil, nil)
	return pkg, err
}

// resolve returns the package for one recipe instance, the set of recipe
// names in its subtree (used to keep reuse from re-entering a cycle) and the
// environment keys the subtree read (folded into the caller's reuse key).
func (r *Resolver) resolve(name string, inEnv *interp.Env, inTools map[string]*Tool, inSandbox *Sandbox, stack []string) (*Package, map[string]bool, map[string]string, error) {
	for _, s := range stack {
		if s == name {
			return nil, nil, nil, errors.CyclicDependency(
				fmt.Sprintf("recipe %q depends on itself", name), append(append([]string{}, stack...), name))
		}
	}
	stack = append(stack, name)

	rec, err := r.store.Get(name)
	if err != nil {
		if errors.IsRecipeNotFound(err) {
			return nil, nil, nil, errors.RecipeNotFound(fmt.Sprintf("recipe %q does not exist", name), stack)
		}
		return nil, nil, nil, err
	}

	// Shape the inherited context: detach the touched set, apply the
	// recipe's filters, publish the marker variables the template functions
	// read. The markers live in the entry environment so the reuse matcher
	// sees them like any other variable.
	tools := filterTools(inTools, rec.FilterTools)
	sandbox := inSandbox
	if !r.sandboxEnabled {
		sandbox = nil
	}
	markers := map[string]string{interp.SandboxEnabledVar: boolMarker(sandbox != nil)}
	for toolName := range tools {
		markers["BAKE_TOOL_"+toolName] = "1"
	}
	env := filterEnv(inEnv.Detach(), rec.FilterEnvironment).Derive(markers).Detach()

	touchedTools := map[string]string{}

	if r.reuseEnabled {
		if entry := r.probeReuse(rec.Name, env, tools, sandbox, stack); entry != nil {
			if !r.verifyReuse {
				return entry.pkg, entry.transitive, entry.touchedEnv, nil
			}
			fresh, freshTransitive, err := r.resolveFresh(rec, env, tools, touchedTools, sandbox, stack)
			if err != nil {
				return nil, nil, nil, err
			}
			if fresh.PackageStep().VariantID() != entry.pkg.PackageStep().VariantID() {
				return nil, nil, nil, errors.InternalConsistency(fmt.Sprintf(
					"reused package %q diverges from fresh resolution: %s != %s",
					rec.Name, entry.pkg.PackageStep().VariantID(), fresh.PackageStep().VariantID()))
			}
			return fresh, freshTransitive, env.Touched(), nil
		}
	}

	pkg, transitive, err := r.resolveFresh(rec, env, tools, touchedTools, sandbox, stack)
	if err != nil {
		return nil, nil, nil, err
	}

	touched := env.Touched()
	if r.reuseEnabled {
		sandboxKey := ""
		if sandbox != nil {
			sandboxKey = sandbox.Step.VariantID()
		}
		r.memo[rec.Name] = append(r.memo[rec.Name], &memoEntry{
			touchedEnv:   touched,
			touchedTools: touchedTools,
			sandboxKey:   sandboxKey,
			trackerKey:   r.trackerKey(),
			pkg:          pkg,
			transitive:   transitive,
		})
	}
	return pkg, transitive, touched, nil
}

// probeReuse compares the candidate context against previously resolved
// instances of the recipe: the environment keys that resolution actually
// read, the tools it actually looked up, the sandbox and the plugin state.
func (r *Resolver) probeReuse(name string, env *interp.Env, tools map[string]*Tool, sandbox *Sandbox, stack []string) *memoEntry {
	sandboxKey := ""
	if sandbox != nil {
		sandboxKey = sandbox.Step.VariantID()
	}
	trackerKey := r.trackerKey()

entries:
	for _, entry := range r.memo[name] {
		if entry.sandboxKey != sandboxKey || entry.trackerKey != trackerKey {
			continue
		}
		for k, want := range entry.touchedEnv {
			if marker(env.Peek(k)) != want {
				continue entries
			}
		}
		for toolName, want := range entry.touchedTools {
			if toolKey(tools[toolName]) != want {
				continue entries
			}
		}
		// a reused node must not pull a recipe that is currently being
		// resolved back into scope
		for _, s := range stack[:len(stack)-1] {
			if entry.transitive[s] {
				continue entries
			}
		}
		console.Tracef("reusing package %s", name)
		return entry
	}
	return nil
}

func (r *Resolver) trackerKey() string {
	parts := make([]string, 0, len(r.trackers))
	for _, t := range r.trackers {
		parts = append(parts, t.Fingerprint())
	}
	return strings.Join(parts, "\x00")
}

func (r *Resolver) resolveFresh(rec *recipe.Recipe, env *interp.Env, tools map[string]*Tool, touchedTools map[string]string, sandbox *Sandbox, stack []string) (*Package, map[string]bool, error) {
	for _, t := range r.trackers {
		t.OnEnter(rec.Name, env)
	}

	pkg := &Package{name: rec.Name, recipe: rec}
	transitive := map[string]bool{rec.Name: true}

	localEnv := env
	localTools := copyTools(tools)
	localSandbox := sandbox
	forwarded := &Provides{Vars: map[string]string{}, Tools: map[string]*Tool{}}

	resolved := map[string]*Package{}
	seen := map[string]*Step{}

	type workItem struct {
		dep      *recipe.Dependency // explicit entry, nil for provided
		provided *Package
	}
	queue := make([]workItem, 0, len(rec.Depends))
	for i := range rec.Depends {
		queue = append(queue, workItem{dep: &rec.Depends[i]})
	}

	addResult := func(dep *Package, direct bool) error {
		step := dep.PackageStep()
		if prev, ok := seen[dep.Name()]; ok {
			if prev.VariantID() != step.VariantID() {
				return errors.VariantCollision(fmt.Sprintf(
					"package %q is required by %q in two incompatible variants (%s vs %s)",
					dep.Name(), rec.Name, prev.VariantID()[:16], step.VariantID()[:16]), stack)
			}
			return nil
		}
		seen[dep.Name()] = step
		resolved[dep.Name()] = dep
		if direct {
			pkg.directDeps = append(pkg.directDeps, step)
		} else {
			pkg.indirectDeps = append(pkg.indirectDeps, step)
		}
		return nil
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if item.provided != nil {
			// transitively-forwarded dependency: already resolved in its
			// provider's context
			if err := addResult(item.provided, false); err != nil {
				return nil, nil, err
			}
			for _, sub := range item.provided.Provides().Deps {
				queue = append(queue, workItem{provided: sub})
			}
			continue
		}

		dep := item.dep
		ok, err := localEnv.EvalCondition(dep.If)
		if err != nil {
			return nil, nil, fmt.Errorf("recipe %s, dependency %s: %w", rec.Name, dep.Name, err)
		}
		if !ok {
			console.Tracef("%s: dependency %s disabled by guard", rec.Name, dep.Name)
			continue
		}

		overrides := map[string]string{}
		for _, k := range sortedKeys(dep.Environment) {
			v, err := localEnv.SubstituteProp(fmt.Sprintf("dependency %s environment %s", dep.Name, k), dep.Environment[k])
			if err != nil {
				return nil, nil, err
			}
			overrides[k] = v
		}
		depEnv := localEnv.Derive(overrides)

		subPkg, subTransitive, subTouched, err := r.resolve(dep.Name, depEnv, localTools, localSandbox, stack)
		if err != nil {
			return nil, nil, err
		}
		for n := range subTransitive {
			transitive[n] = true
		}
		// the dependency's environment reads are this package's reads too,
		// except keys this edge overrode and the resolver's own markers
		for k := range subTouched {
			if _, overridden := overrides[k]; overridden {
				continue
			}
			if strings.HasPrefix(k, "BAKE_") {
				continue
			}
			localEnv.MarkTouched(k)
		}
		for _, t := range r.trackers {
			t.OnUse(subPkg)
		}

		provides := subPkg.Provides()
		if dep.UseHas(recipe.UseEnvironment) {
			localEnv = localEnv.Derive(provides.Vars)
			if dep.Forward {
				for k, v := range provides.Vars {
					forwarded.Vars[k] = v
				}
			}
		}
		if dep.UseHas(recipe.UseTools) {
			for n, t := range provides.Tools {
				localTools[n] = t
				localEnv = localEnv.Derive(map[string]string{"BAKE_TOOL_" + n: "1"})
				if dep.Forward {
					forwarded.Tools[n] = t
				}
			}
		}
		if dep.UseHas(recipe.UseSandbox) && provides.Sandbox != nil && r.sandboxEnabled {
			localSandbox = provides.Sandbox
			localEnv = localEnv.Derive(map[string]string{interp.SandboxEnabledVar: "true"})
			if dep.Forward {
				forwarded.Sandbox = provides.Sandbox
			}
		}
		if dep.UseHas(recipe.UseResult) {
			if err := addResult(subPkg, true); err != nil {
				return nil, nil, err
			}
		}
		if dep.UseHas(recipe.UseDeps) {
			for _, sub := range provides.Deps {
				queue = append(queue, workItem{provided: sub})
			}
		}
	}

	if err := r.buildSteps(pkg, rec, localEnv, localTools, touchedTools, localSandbox, stack); err != nil {
		return nil, nil, err
	}
	if err := r.computeProvides(pkg, rec, localEnv, resolved, forwarded); err != nil {
		return nil, nil, err
	}

	if rec.Shared {
		if _, ok := pkg.PackageStep().BuildID(); !ok {
			return nil, nil, errors.SharedNondeterministic(fmt.Sprintf(
				"shared recipe %q has no determinable Build-Id; pin its checkout and its dependencies", rec.Name), stack)
		}
	}

	for _, t := range r.trackers {
		t.OnFinish(pkg)
	}
	return pkg, transitive, nil
}

func (r *Resolver) buildSteps(pkg *Package, rec *recipe.Recipe, env *interp.Env, tools map[string]*Tool, touchedTools map[string]string, sandbox *Sandbox, stack []string) error {
	phaseEnv := func(phase string) (exec, identity map[string]string, err error) {
		strong, weak := rec.VarsForPhase(phase)
		exec = map[string]string{}
		identity = map[string]string{}
		for _, k := range sortedKeys(strong) {
			v, err := env.SubstituteProp(fmt.Sprintf("%s %sVars %s", rec.Name, phase, k), strong[k])
			if err != nil {
				return nil, nil, err
			}
			exec[k] = v
			identity[k] = v
		}
		for _, k := range sortedKeys(weak) {
			v, err := env.SubstituteProp(fmt.Sprintf("%s %sVarsWeak %s", rec.Name, phase, k), weak[k])
			if err != nil {
				return nil, nil, err
			}
			exec[k] = v
		}
		return exec, identity, nil
	}

	phaseTools := func(phase string) (map[string]*Tool, error) {
		out := map[string]*Tool{}
		for _, toolName := range rec.ToolsForPhase(phase) {
			tool, ok := tools[toolName]
			touchedTools[toolName] = toolKey(tool)
			if !ok {
				return nil, errors.RecipeNotFound(fmt.Sprintf(
					"recipe %q requires tool %q which nothing provides", rec.Name, toolName), stack)
			}
			out[toolName] = tool
		}
		return out, nil
	}

	coExec, coID, err := phaseEnv("checkout")
	if err != nil {
		return err
	}
	coTools, err := phaseTools("checkout")
	if err != nil {
		return err
	}
	scms, err := resolveScms(rec, env.Derive(coExec))
	if err != nil {
		return err
	}
	pkg.checkoutStep = &Step{
		kind: KindCheckout, pkg: pkg,
		script: rec.CheckoutScript,
		execEnv: coExec, identityEnv: coID,
		tools: coTools, sandbox: sandbox,
		scms: scms,
	}

	bExec, bID, err := phaseEnv("build")
	if err != nil {
		return err
	}
	bTools, err := phaseTools("build")
	if err != nil {
		return err
	}
	buildArgs := append([]*Step{pkg.checkoutStep}, pkg.directDeps...)
	buildArgs = append(buildArgs, pkg.indirectDeps...)
	pkg.buildStep = &Step{
		kind: KindBuild, pkg: pkg,
		script: rec.BuildScript,
		execEnv: bExec, identityEnv: bID,
		tools: bTools, sandbox: sandbox,
		args: buildArgs,
	}

	pExec, pID, err := phaseEnv("package")
	if err != nil {
		return err
	}
	pTools, err := phaseTools("package")
	if err != nil {
		return err
	}
	pkg.packageStep = &Step{
		kind: KindPackage, pkg: pkg,
		script: rec.PackageScript,
		execEnv: pExec, identityEnv: pID,
		tools: pTools, sandbox: sandbox,
		args: []*Step{pkg.buildStep},
	}
	return nil
}

// resolveScms instantiates the checkout drivers and rejects overlapping
// sub-paths: two drivers may not populate the same directory or nest inside
// each other.
func resolveScms(rec *recipe.Recipe, env *interp.Env) ([]scm.Driver, error) {
	var drivers []scm.Driver
	for _, spec := range rec.CheckoutSCM {
		d, err := scm.FromSpec(spec, env)
		if err != nil {
			return nil, fmt.Errorf("recipe %s: %w", rec.Name, err)
		}
		if d == nil {
			continue
		}
		drivers = append(drivers, d)
	}
	for i, a := range drivers {
		for _, b := range drivers[i+1:] {
			pa := path.Clean("/" + a.SubPath())
			pb := path.Clean("/" + b.SubPath())
			if pa == pb || strings.HasPrefix(pa, pb+"/") || strings.HasPrefix(pb, pa+"/") {
				return nil, errors.Parse(fmt.Sprintf(
					"recipe %s: checkoutSCM sub-paths %q and %q overlap", rec.Name, a.SubPath(), b.SubPath()))
			}
		}
	}
	return drivers, nil
}

func (r *Resolver) computeProvides(pkg *Package, rec *recipe.Recipe, env *interp.Env, resolved map[string]*Package, forwarded *Provides) error {
	provides := &Provides{
		Vars:    map[string]string{},
		Tools:   map[string]*Tool{},
		Sandbox: forwarded.Sandbox,
	}
	for k, v := range forwarded.Vars {
		provides.Vars[k] = v
	}
	for k, v := range forwarded.Tools {
		provides.Tools[k] = v
	}

	for _, k := range sortedKeys(rec.ProvideVars) {
		v, err := env.SubstituteProp(fmt.Sprintf("%s provideVars %s", rec.Name, k), rec.ProvideVars[k])
		if err != nil {
			return err
		}
		provides.Vars[k] = v
	}
	for toolName, spec := range rec.ProvideTools {
		provides.Tools[toolName] = &Tool{Step: pkg.packageStep, Path: spec.Path, Libs: spec.Libs}
	}
	if rec.ProvideSandbox != nil {
		provides.Sandbox = &Sandbox{Step: pkg.packageStep, Paths: rec.ProvideSandbox.Paths, Mounts: rec.ProvideSandbox.Mounts}
	}

	for _, pattern := range rec.ProvideDeps {
		matched := false
		for _, depName := range sortedPkgNames(resolved) {
			ok, err := path.Match(pattern, depName)
			if err != nil {
				return errors.Parse(fmt.Sprintf("recipe %s: bad provideDeps pattern %q", rec.Name, pattern))
			}
			if ok {
				provides.Deps = append(provides.Deps, resolved[depName])
				matched = true
			}
		}
		if !matched {
			return errors.Parse(fmt.Sprintf(
				"recipe %s: provideDeps pattern %q matches no dependency", rec.Name, pattern))
		}
	}

	pkg.provides = provides
	return nil
}

func filterEnv(env *interp.Env, globs []string) *interp.Env {
	if len(globs) == 0 {
		return env
	}
	allowed := map[string]bool{}
	for _, k := range env.Keys() {
		for _, g := range globs {
			if ok, _ := path.Match(g, k); ok {
				allowed[k] = true
				break
			}
		}
	}
	return env.Prune(allowed)
}

func filterTools(tools map[string]*Tool, globs []string) map[string]*Tool {
	if len(globs) == 0 {
		return copyTools(tools)
	}
	out := map[string]*Tool{}
	for n, t := range tools {
		for _, g := range globs {
			if ok, _ := path.Match(g, n); ok {
				out[n] = t
				break
			}
		}
	}
	return out
}

func copyTools(tools map[string]*Tool) map[string]*Tool {
	out := make(map[string]*Tool, len(tools))
	for n, t := range tools {
		out[n] = t
	}
	return out
}

func toolKey(t *Tool) string {
	if t == nil {
		return "?"
	}
	return t.Step.VariantID() + "\x00" + t.Path
}

func marker(v string, ok bool) string {
	if !ok {
		return "?"
	}
	return "=" + v
}

func boolMarker(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedPkgNames(m map[string]*Package) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
