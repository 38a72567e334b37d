package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	goversion "github.com/hashicorp/go-version"
	"gopkg.in/yaml.v2"

	"github.com/bakebuild/bake/pkg/errors"
	"github.com/bakebuild/bake/pkg/global"
)

// rawRecipe mirrors the YAML schema before inheritance is applied.
type rawRecipe struct {
	Inherit    []string `yaml:"inherit"`
	Root       *bool    `yaml:"root"`
	Shared     *bool    `yaml:"shared"`
	BakeMinVer string   `yaml:"bakeMinVer"`

	CheckoutSCM []ScmSpec `yaml:"checkoutSCM"`

	CheckoutScript       string `yaml:"checkoutScript"`
	CheckoutScriptDigest string `yaml:"checkoutScriptDigest"`
	BuildScript          string `yaml:"buildScript"`
	BuildScriptDigest    string `yaml:"buildScriptDigest"`
	PackageScript        string `yaml:"packageScript"`
	PackageScriptDigest  string `yaml:"packageScriptDigest"`

	CheckoutVars     map[string]string `yaml:"checkoutVars"`
	CheckoutVarsWeak map[string]string `yaml:"checkoutVarsWeak"`
	BuildVars        map[string]string `yaml:"buildVars"`
	BuildVarsWeak    map[string]string `yaml:"buildVarsWeak"`
	PackageVars      map[string]string `yaml:"packageVars"`
	PackageVarsWeak  map[string]string `yaml:"packageVarsWeak"`

	CheckoutTools []string `yaml:"checkoutTools"`
	BuildTools    []string `yaml:"buildTools"`
	PackageTools  []string `yaml:"packageTools"`

	Depends []rawDependency `yaml:"depends"`

	ProvideVars    map[string]string    `yaml:"provideVars"`
	ProvideTools   map[string]ToolSpec  `yaml:"provideTools"`
	ProvideDeps    []string             `yaml:"provideDeps"`
	ProvideSandbox *SandboxSpec         `yaml:"provideSandbox"`

	FilterEnvironment []string `yaml:"filterEnvironment"`
	FilterTools       []string `yaml:"filterTools"`

	MultiPackage map[string]rawRecipe `yaml:"multiPackage"`
}

// rawDependency accepts either a bare recipe name or the full form.
type rawDependency struct {
	Name        string
	Use         []string
	Forward     bool
	Environment map[string]string
	If          string
}

func (d *rawDependency) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err == nil {
		d.Name = name
		return nil
	}
	var full struct {
		Name        string            `yaml:"name"`
		Use         []string          `yaml:"use"`
		Forward     bool              `yaml:"forward"`
		Environment map[string]string `yaml:"environment"`
		If          string            `yaml:"if"`
	}
	if err := unmarshal(&full); err != nil {
		return err
	}
	if full.Name == "" {
		return fmt.Errorf("dependency entry is missing a name")
	}
	d.Name = full.Name
	d.Use = full.Use
	d.Forward = full.Forward
	d.Environment = full.Environment
	d.If = full.If
	return nil
}

// Store holds all flattened recipes of a project.
type Store struct {
	recipes map[string]*Recipe
}

// LoadStore reads classes/*.yaml and recipes/*.yaml under rootDir, resolves
// inheritance and expands multiPackage variants.
func LoadStore(rootDir string) (*Store, error) {
	classes, err := loadRawDir(filepath.Join(rootDir, global.ClassesDir))
	if err != nil {
		return nil, err
	}
	raws, err := loadRawDir(filepath.Join(rootDir, global.RecipesDir))
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, errors.Parse(fmt.Sprintf("no recipes found under %s", filepath.Join(rootDir, global.RecipesDir)))
	}

	store := &Store{recipes: map[string]*Recipe{}}
	for name, raw := range raws {
		flattened, chain, err := flatten(name, raw, classes, nil)
		if err != nil {
			return nil, err
		}
		for variant, vr := range expandMulti(name, flattened) {
			rec, err := finalize(variant, vr, chain)
			if err != nil {
				return nil, err
			}
			store.recipes[variant] = rec
		}
	}
	return store, nil
}

// Get returns the recipe by name.
func (s *Store) Get(name string) (*Recipe, error) {
	r, ok := s.recipes[name]
	if !ok {
		return nil, errors.RecipeNotFound(fmt.Sprintf("recipe %q does not exist", name), nil)
	}
	return r, nil
}

// Names returns all recipe names, sorted.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.recipes))
	for n := range s.recipes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Roots returns recipes marked root, sorted by name.
func (s *Store) Roots() []*Recipe {
	var roots []*Recipe
	for _, n := range s.Names() {
		if s.recipes[n].Root {
			roots = append(roots, s.recipes[n])
		}
	}
	return roots
}

func loadRawDir(dir string) (map[string]*rawRecipe, error) {
	out := map[string]*rawRecipe{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var raw rawRecipe
		if err := yaml.UnmarshalStrict(data, &raw); err != nil {
			return nil, errors.Parse(fmt.Sprintf("%s: %s", path, err))
		}
		if err := checkMinVer(path, raw.BakeMinVer); err != nil {
			return nil, err
		}
		out[strings.TrimSuffix(e.Name(), ".yaml")] = &raw
	}
	return out, nil
}

func checkMinVer(path, minVer string) error {
	if minVer == "" {
		return nil
	}
	required, err := goversion.NewVersion(minVer)
	if err != nil {
		return errors.Parse(fmt.Sprintf("%s: bad bakeMinVer %q: %s", path, minVer, err))
	}
	current, err := goversion.NewVersion(global.Version)
	if err != nil {
		return err
	}
	if current.LessThan(required) {
		return errors.Parse(fmt.Sprintf("%s requires bake >= %s, this is %s", path, minVer, global.Version))
	}
	return nil
}

// flatten applies class inheritance, classes first, depth-first. Returns the
// merged raw recipe and the resolved class chain.
func flatten(name string, raw *rawRecipe, classes map[string]*rawRecipe, stack []string) (*rawRecipe, []string, error) {
	for _, s := range stack {
		if s == name {
			return nil, nil, errors.Parse(fmt.Sprintf("cyclic inheritance: %s", strings.Join(append(stack, name), " -> ")))
		}
	}
	stack = append(stack, name)

	merged := &rawRecipe{}
	var chain []string
	for _, className := range raw.Inherit {
		class, ok := classes[className]
		if !ok {
			return nil, nil, errors.Parse(fmt.Sprintf("recipe %q inherits unknown class %q", name, className))
		}
		flatClass, classChain, err := flatten(className, class, classes, stack)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, classChain...)
		chain = append(chain, className)
		mergeRaw(merged, flatClass)
	}
	mergeRaw(merged, raw)
	return merged, chain, nil
}

// mergeRaw layers src over dst: scripts concatenate, maps override per key,
// lists append.
func mergeRaw(dst, src *rawRecipe) {
	concat := func(a, b string) string {
		if a == "" {
			return b
		}
		if b == "" {
			return a
		}
		return a + "\n" + b
	}
	dst.CheckoutScript = concat(dst.CheckoutScript, src.CheckoutScript)
	dst.CheckoutScriptDigest = concat(dst.CheckoutScriptDigest, src.CheckoutScriptDigest)
	dst.BuildScript = concat(dst.BuildScript, src.BuildScript)
	dst.BuildScriptDigest = concat(dst.BuildScriptDigest, src.BuildScriptDigest)
	dst.PackageScript = concat(dst.PackageScript, src.PackageScript)
	dst.PackageScriptDigest = concat(dst.PackageScriptDigest, src.PackageScriptDigest)

	dst.CheckoutSCM = append(dst.CheckoutSCM, src.CheckoutSCM...)
	dst.Depends = append(dst.Depends, src.Depends...)
	dst.ProvideDeps = append(dst.ProvideDeps, src.ProvideDeps...)
	dst.FilterEnvironment = append(dst.FilterEnvironment, src.FilterEnvironment...)
	dst.FilterTools = append(dst.FilterTools, src.FilterTools...)
	dst.CheckoutTools = appendUnique(dst.CheckoutTools, src.CheckoutTools)
	dst.BuildTools = appendUnique(dst.BuildTools, src.BuildTools)
	dst.PackageTools = appendUnique(dst.PackageTools, src.PackageTools)

	dst.CheckoutVars = mergeVars(dst.CheckoutVars, src.CheckoutVars)
	dst.CheckoutVarsWeak = mergeVars(dst.CheckoutVarsWeak, src.CheckoutVarsWeak)
	dst.BuildVars = mergeVars(dst.BuildVars, src.BuildVars)
	dst.BuildVarsWeak = mergeVars(dst.BuildVarsWeak, src.BuildVarsWeak)
	dst.PackageVars = mergeVars(dst.PackageVars, src.PackageVars)
	dst.PackageVarsWeak = mergeVars(dst.PackageVarsWeak, src.PackageVarsWeak)
	dst.ProvideVars = mergeVars(dst.ProvideVars, src.ProvideVars)

	if src.ProvideTools != nil {
		if dst.ProvideTools == nil {
			dst.ProvideTools = map[string]ToolSpec{}
		}
		for k, v := range src.ProvideTools {
			dst.ProvideTools[k] = v
		}
	}
	if src.ProvideSandbox != nil {
		dst.ProvideSandbox = src.ProvideSandbox
	}
	if src.Root != nil {
		dst.Root = src.Root
	}
	if src.Shared != nil {
		dst.Shared = src.Shared
	}
	if src.MultiPackage != nil {
		dst.MultiPackage = src.MultiPackage
	}
}

func mergeVars(dst, src map[string]string) map[string]string {
	if src == nil {
		return dst
	}
	if dst == nil {
		dst = map[string]string{}
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func appendUnique(dst, src []string) []string {
	for _, s := range src {
		found := false
		for _, d := range dst {
			if d == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}

// expandMulti expands multiPackage variants into "<name>-<variant>" recipes;
// the "" variant keeps the base name. A recipe without multiPackage maps to
// itself.
func expandMulti(name string, raw *rawRecipe) map[string]*rawRecipe {
	if len(raw.MultiPackage) == 0 {
		return map[string]*rawRecipe{name: raw}
	}
	out := map[string]*rawRecipe{}
	for variant := range raw.MultiPackage {
		fragment := raw.MultiPackage[variant]
		base := *raw
		base.MultiPackage = nil
		merged := &rawRecipe{}
		mergeRaw(merged, &base)
		mergeRaw(merged, &fragment)
		variantName := name
		if variant != "" {
			variantName = name + "-" + variant
		}
		out[variantName] = merged
	}
	return out
}

func finalize(name string, raw *rawRecipe, chain []string) (*Recipe, error) {
	if len(raw.MultiPackage) != 0 {
		return nil, errors.Parse(fmt.Sprintf("recipe %q: nested multiPackage is not supported", name))
	}
	rec := &Recipe{
		Name:    name,
		Classes: chain,

		CheckoutScript: Script{Exec: raw.CheckoutScript, Digest: raw.CheckoutScriptDigest},
		BuildScript:    Script{Exec: raw.BuildScript, Digest: raw.BuildScriptDigest},
		PackageScript:  Script{Exec: raw.PackageScript, Digest: raw.PackageScriptDigest},
		CheckoutSCM:    raw.CheckoutSCM,

		CheckoutVars:     orEmpty(raw.CheckoutVars),
		CheckoutVarsWeak: orEmpty(raw.CheckoutVarsWeak),
		BuildVars:        orEmpty(raw.BuildVars),
		BuildVarsWeak:    orEmpty(raw.BuildVarsWeak),
		PackageVars:      orEmpty(raw.PackageVars),
		PackageVarsWeak:  orEmpty(raw.PackageVarsWeak),

		CheckoutTools: raw.CheckoutTools,
		BuildTools:    raw.BuildTools,
		PackageTools:  raw.PackageTools,

		ProvideVars:    orEmpty(raw.ProvideVars),
		ProvideTools:   raw.ProvideTools,
		ProvideDeps:    raw.ProvideDeps,
		ProvideSandbox: raw.ProvideSandbox,

		FilterEnvironment: raw.FilterEnvironment,
		FilterTools:       raw.FilterTools,
	}
	if raw.Root != nil {
		rec.Root = *raw.Root
	}
	if raw.Shared != nil {
		rec.Shared = *raw.Shared
	}
	for _, d := range raw.Depends {
		dep := Dependency{
			Name:        d.Name,
			Use:         d.Use,
			Forward:     d.Forward,
			Environment: d.Environment,
			If:          d.If,
		}
		if len(dep.Use) == 0 {
			dep.Use = DefaultUse
		}
		rec.Depends = append(rec.Depends, dep)
	}
	for _, scm := range rec.CheckoutSCM {
		if scm.Scm == "" {
			return nil, errors.Parse(fmt.Sprintf("recipe %q: checkoutSCM entry without scm type", name))
		}
	}
	return rec, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
