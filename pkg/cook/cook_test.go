package cook

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bakebuild/bake/pkg/archive"
	"github.com/bakebuild/bake/pkg/graph"
	"github.com/bakebuild/bake/pkg/interp"
	"github.com/bakebuild/bake/pkg/recipe"
	"github.com/bakebuild/bake/pkg/statestore"
)

const libRecipe = `
checkoutScript: "echo v1 > src.txt"
buildScript: "cp \"$1/src.txt\" lib.txt"
packageScript: "cp \"$1/lib.txt\" ."
`

const appRecipe = `
root: true
depends:
  - lib
buildScript: "cat \"$2/lib.txt\" > app.txt"
packageScript: "cp \"$1/app.txt\" ."
`

func loadRecipes(t *testing.T, recipes map[string]string) *recipe.Store {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "recipes"), 0o755))
	for name, content := range recipes {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "recipes", name+".yaml"), []byte(content), 0o644))
	}
	store, err := recipe.LoadStore(dir)
	require.NoError(t, err)
	return store
}

func resolveRoot(t *testing.T, store *recipe.Store, name string) *graph.Package {
	return resolveRootEnv(t, store, name, nil)
}

func resolveRootEnv(t *testing.T, store *recipe.Store, name string, vars map[string]string) *graph.Package {
	t.Helper()
	pkg, err := graph.NewResolver(store).ResolveRoot(name, interp.NewEnv(vars, interp.NewFuncRegistry()))
	require.NoError(t, err)
	return pkg
}

type fixture struct {
	root  string
	state *statestore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	state, err := statestore.Open(filepath.Join(root, ".bake", "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })
	return &fixture{root: root, state: state}
}

func (f *fixture) cook(t *testing.T, arch *archive.Composite, opts Options, roots ...*graph.Package) Stats {
	t.Helper()
	e, err := New(f.root, f.state, arch, opts)
	require.NoError(t, err)
	require.NoError(t, e.Cook(context.Background(), roots))
	return e.Stats()
}

func (f *fixture) distFile(pkg, file string) string {
	return filepath.Join(f.root, "dev", "dist", pkg, "workspace", file)
}

func TestCookBuildsAndIsIdempotent(t *testing.T) {
	store := loadRecipes(t, map[string]string{"lib": libRecipe, "app": appRecipe})
	app := resolveRoot(t, store, "app")
	f := newFixture(t)

	stats := f.cook(t, nil, Options{}, app)
	require.Greater(t, stats.Executed, 0)

	data, err := os.ReadFile(f.distFile("app", "app.txt"))
	require.NoError(t, err)
	require.Equal(t, "v1\n", string(data))

	// nothing changed: the second invocation must execute zero scripts
	stats = f.cook(t, nil, Options{}, app)
	require.Equal(t, 0, stats.Executed)
	require.Greater(t, stats.Skipped, 0)
}

func TestHandEditTriggersRebuild(t *testing.T) {
	store := loadRecipes(t, map[string]string{"lib": libRecipe, "app": appRecipe})
	app := resolveRoot(t, store, "app")
	f := newFixture(t)

	f.cook(t, nil, Options{}, app)

	// checkout is skipped but re-hashed, so a hand edit flows downstream
	src := filepath.Join(f.root, "dev", "src", "lib", "workspace", "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("edited\n"), 0o644))

	stats := f.cook(t, nil, Options{}, app)
	require.Greater(t, stats.Executed, 0)

	data, err := os.ReadFile(f.distFile("app", "app.txt"))
	require.NoError(t, err)
	require.Equal(t, "edited\n", string(data))
}

func TestForceExecutesEverything(t *testing.T) {
	store := loadRecipes(t, map[string]string{"lib": libRecipe, "app": appRecipe})
	app := resolveRoot(t, store, "app")
	f := newFixture(t)

	f.cook(t, nil, Options{}, app)
	stats := f.cook(t, nil, Options{Force: true}, app)
	require.Greater(t, stats.Executed, 0)
	require.Equal(t, 0, stats.Skipped)
}

func TestCheckoutOnly(t *testing.T) {
	store := loadRecipes(t, map[string]string{"lib": libRecipe, "app": appRecipe})
	app := resolveRoot(t, store, "app")
	f := newFixture(t)

	f.cook(t, nil, Options{CheckoutOnly: true}, app)
	exists, err := os.Stat(filepath.Join(f.root, "dev", "src", "app", "workspace"))
	require.NoError(t, err)
	require.True(t, exists.IsDir())
	_, err = os.Stat(f.distFile("app", "app.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestVariantChangePrunesWorkspace(t *testing.T) {
	f := newFixture(t)

	v1 := loadRecipes(t, map[string]string{"lib": `
buildScript: "echo one > a.txt"
packageScript: "true"
`})
	f.cook(t, nil, Options{}, resolveRoot(t, v1, "lib"))
	buildWs := filepath.Join(f.root, "dev", "build", "lib", "workspace")
	_, err := os.Stat(filepath.Join(buildWs, "a.txt"))
	require.NoError(t, err)

	v2 := loadRecipes(t, map[string]string{"lib": `
buildScript: "echo two > b.txt"
packageScript: "true"
`})
	f.cook(t, nil, Options{}, resolveRoot(t, v2, "lib"))

	// stale output from the old variant must not survive the prune
	_, err = os.Stat(filepath.Join(buildWs, "a.txt"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(buildWs, "b.txt"))
	require.NoError(t, err)
}

func TestDevelopModeKeepsVariantWorkspacesApart(t *testing.T) {
	store := loadRecipes(t, map[string]string{"lib": `
root: true
buildVars:
  FLAVOR: "${FLAVOR}"
buildScript: "echo \"$FLAVOR\" > out.txt"
packageScript: "cp \"$1/out.txt\" ."
`})
	debug := resolveRootEnv(t, store, "lib", map[string]string{"FLAVOR": "debug"})
	release := resolveRootEnv(t, store, "lib", map[string]string{"FLAVOR": "release"})
	require.NotEqual(t, debug.PackageStep().VariantID(), release.PackageStep().VariantID())

	f := newFixture(t)
	opts := Options{BuildMode: ModeDevelop}
	f.cook(t, nil, opts, debug)
	f.cook(t, nil, opts, release)

	// flipping back to the first variant finds its workspace untouched
	stats := f.cook(t, nil, opts, resolveRootEnv(t, store, "lib", map[string]string{"FLAVOR": "debug"}))
	require.Equal(t, 0, stats.Executed)
	require.Greater(t, stats.Skipped, 0)

	variantDist := func(pkg *graph.Package) string {
		return filepath.Join(f.root, "dev", "dist", "lib",
			pkg.PackageStep().VariantID()[:8], "workspace", "out.txt")
	}
	data, err := os.ReadFile(variantDist(debug))
	require.NoError(t, err)
	require.Equal(t, "debug\n", string(data))
	data, err = os.ReadFile(variantDist(release))
	require.NoError(t, err)
	require.Equal(t, "release\n", string(data))
}

func TestDownloadShortCircuitsSubtree(t *testing.T) {
	store := loadRecipes(t, map[string]string{
		// no checkout sources at all, so both packages carry a Build-Id
		"lib": `
buildScript: "echo lib > lib.txt"
packageScript: "cp \"$1/lib.txt\" ."
`,
		"app": `
root: true
depends:
  - lib
buildScript: "cat \"$2/lib.txt\" > app.txt"
packageScript: "cp \"$1/app.txt\" ."
`,
	})
	app := resolveRoot(t, store, "app")
	_, ok := app.PackageStep().BuildID()
	require.True(t, ok)

	arch := archive.NewComposite(archive.NewLocalDriver(t.TempDir()))

	producer := newFixture(t)
	stats := producer.cook(t, arch, Options{Upload: true}, app)
	require.Equal(t, 2, stats.Uploaded)

	// a fresh workspace satisfies the root straight from the archive
	consumer := newFixture(t)
	stats = consumer.cook(t, arch, Options{Download: DownloadYes}, app)
	require.Equal(t, 1, stats.Downloaded)
	require.Equal(t, 0, stats.Executed)
	data, err := os.ReadFile(consumer.distFile("app", "app.txt"))
	require.NoError(t, err)
	require.Equal(t, "lib\n", string(data))

	// deps mode builds the root itself but downloads its dependency
	depsOnly := newFixture(t)
	stats = depsOnly.cook(t, arch, Options{Download: DownloadDeps}, app)
	require.Equal(t, 1, stats.Downloaded)
	require.Greater(t, stats.Executed, 0)
}

func TestDownloadedResultIsReusedNextRun(t *testing.T) {
	store := loadRecipes(t, map[string]string{"lib": `
root: true
buildScript: "echo lib > lib.txt"
packageScript: "cp \"$1/lib.txt\" ."
`})
	lib := resolveRoot(t, store, "lib")
	arch := archive.NewComposite(archive.NewLocalDriver(t.TempDir()))

	producer := newFixture(t)
	producer.cook(t, arch, Options{Upload: true}, lib)

	consumer := newFixture(t)
	stats := consumer.cook(t, arch, Options{Download: DownloadYes}, lib)
	require.Equal(t, 1, stats.Downloaded)

	stats = consumer.cook(t, arch, Options{Download: DownloadYes}, lib)
	require.Equal(t, 0, stats.Downloaded)
	require.Equal(t, 0, stats.Executed)
}

func TestForcedDownloadMissFails(t *testing.T) {
	store := loadRecipes(t, map[string]string{"lib": `
root: true
buildScript: "true"
packageScript: "true"
`})
	lib := resolveRoot(t, store, "lib")
	f := newFixture(t)
	arch := archive.NewComposite(archive.NewLocalDriver(t.TempDir()))

	e, err := New(f.root, f.state, arch, Options{Download: DownloadForced})
	require.NoError(t, err)
	err = e.Cook(context.Background(), []*graph.Package{lib})
	require.Error(t, err)
}

func TestKeepGoingAggregatesFailures(t *testing.T) {
	store := loadRecipes(t, map[string]string{
		"good": `
root: true
buildScript: "echo ok > ok.txt"
packageScript: "cp \"$1/ok.txt\" ."
`,
		"bad": `
root: true
buildScript: "exit 1"
packageScript: "true"
`,
	})
	good := resolveRoot(t, store, "good")
	bad := resolveRoot(t, store, "bad")
	f := newFixture(t)

	e, err := New(f.root, f.state, nil, Options{KeepGoing: true})
	require.NoError(t, err)
	err = e.Cook(context.Background(), []*graph.Package{good, bad})
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad")

	// the independent root still completed
	_, statErr := os.Stat(f.distFile("good", "ok.txt"))
	require.NoError(t, statErr)
}

func TestFailedPhaseIsResumable(t *testing.T) {
	f := newFixture(t)

	broken := loadRecipes(t, map[string]string{"lib": `
checkoutScript: "echo v1 > src.txt"
buildScript: "exit 1"
packageScript: "true"
`})
	e, err := New(f.root, f.state, nil, Options{})
	require.NoError(t, err)
	err = e.Cook(context.Background(), []*graph.Package{resolveRoot(t, broken, "lib")})
	require.Error(t, err)

	// the checkout completed; fixing the script must not repeat it
	fixed := loadRecipes(t, map[string]string{"lib": `
checkoutScript: "echo v1 > src.txt"
buildScript: "cp \"$1/src.txt\" ."
packageScript: "cp \"$1/src.txt\" ."
`})
	stats := f.cook(t, nil, Options{}, resolveRoot(t, fixed, "lib"))
	require.Greater(t, stats.Executed, 0)
	require.Greater(t, stats.Skipped, 0)
	_, statErr := os.Stat(f.distFile("lib", "src.txt"))
	require.NoError(t, statErr)
}

func TestMoveToAtticKeepsContent(t *testing.T) {
	f := newFixture(t)
	attic := filepath.Join(f.root, "attic")
	e, err := New(f.root, f.state, nil, Options{AtticDir: attic})
	require.NoError(t, err)

	victim := filepath.Join(f.root, "dev", "src", "lib", "workspace", "sub")
	require.NoError(t, os.MkdirAll(victim, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(victim, "precious.txt"), []byte("keep me"), 0o644))

	require.NoError(t, e.moveToAttic(victim))

	_, statErr := os.Stat(victim)
	require.True(t, os.IsNotExist(statErr))

	entries, err := os.ReadDir(attic)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(attic, entries[0].Name(), "precious.txt"))
	require.NoError(t, err)
	require.Equal(t, "keep me", string(data))
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	base := []string{"-C", dir, "-c", "user.name=bake", "-c", "user.email=bake@example.invalid"}
	out, err := exec.Command("git", append(base, args...)...).CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func gitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "checkout", "-q", "-b", "master")
	return dir
}

func gitCommitFile(t *testing.T, repo, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(repo, name), []byte(content), 0o644))
	runGit(t, repo, "add", "-A")
	runGit(t, repo, "commit", "-q", "-m", "update "+name)
}

func TestLiveMappingShortCircuitsMovingSources(t *testing.T) {
	requireGit(t)
	repo := gitRepo(t)
	gitCommitFile(t, repo, "src.txt", "v1\n")

	store := loadRecipes(t, map[string]string{"lib": fmt.Sprintf(`
root: true
checkoutSCM:
  - scm: git
    url: %s
    branch: master
buildScript: "cp \"$1/src.txt\" out.txt"
packageScript: "cp \"$1/out.txt\" ."
`, repo)})
	lib := resolveRoot(t, store, "lib")
	_, ok := lib.PackageStep().BuildID()
	require.False(t, ok, "a branch head is never deterministic")

	arch := archive.NewComposite(archive.NewLocalDriver(t.TempDir()))

	producer := newFixture(t)
	stats := producer.cook(t, arch, Options{Upload: true}, lib)
	require.Equal(t, 1, stats.Uploaded)

	// while the branch head stays put, a fresh workspace resolves the live
	// identity and skips the whole subtree
	consumer := newFixture(t)
	stats = consumer.cook(t, arch, Options{Download: DownloadYes}, lib)
	require.Equal(t, 1, stats.Downloaded)
	require.Equal(t, 0, stats.Executed)
	data, err := os.ReadFile(consumer.distFile("lib", "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "v1\n", string(data))

	// a moved head invalidates the mapping; stale artifacts never apply
	gitCommitFile(t, repo, "src.txt", "v2\n")
	late := newFixture(t)
	stats = late.cook(t, arch, Options{Download: DownloadYes}, lib)
	require.Equal(t, 0, stats.Downloaded)
	require.Greater(t, stats.Executed, 0)
	data, err = os.ReadFile(late.distFile("lib", "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "v2\n", string(data))
}

func TestCheckoutScriptChangeKeepsHandEdits(t *testing.T) {
	requireGit(t)
	repo := gitRepo(t)
	gitCommitFile(t, repo, "src.txt", "v1\n")

	recipeFor := func(word string) map[string]string {
		return map[string]string{"lib": fmt.Sprintf(`
root: true
checkoutSCM:
  - scm: git
    url: %s
    branch: master
checkoutScript: "echo %s > generated.txt"
buildScript: "cat \"$1/src.txt\" \"$1/generated.txt\" > out.txt"
packageScript: "cp \"$1/out.txt\" ."
`, repo, word)}
	}
	f := newFixture(t)
	f.cook(t, nil, Options{}, resolveRoot(t, loadRecipes(t, recipeFor("one")), "lib"))

	src := filepath.Join(f.root, "dev", "src", "lib", "workspace", "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("edited\n"), 0o644))

	// only the checkout script changed: the sources are not re-fetched, so
	// the local modification survives
	f.cook(t, nil, Options{}, resolveRoot(t, loadRecipes(t, recipeFor("two")), "lib"))

	data, err := os.ReadFile(src)
	require.NoError(t, err)
	require.Equal(t, "edited\n", string(data))
	data, err = os.ReadFile(f.distFile("lib", "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "edited\ntwo\n", string(data))
}

func TestForceDisplacesUncleanCheckout(t *testing.T) {
	requireGit(t)
	repo := gitRepo(t)
	gitCommitFile(t, repo, "src.txt", "v1\n")

	store := loadRecipes(t, map[string]string{"lib": fmt.Sprintf(`
root: true
checkoutSCM:
  - scm: git
    url: %s
    branch: master
buildScript: "cp \"$1/src.txt\" ."
packageScript: "cp \"$1/src.txt\" ."
`, repo)})

	f := newFixture(t)
	attic := filepath.Join(f.root, "attic")
	f.cook(t, nil, Options{AtticDir: attic}, resolveRoot(t, store, "lib"))

	src := filepath.Join(f.root, "dev", "src", "lib", "workspace", "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("edited\n"), 0o644))

	f.cook(t, nil, Options{AtticDir: attic, Force: true}, resolveRoot(t, store, "lib"))

	// the forced checkout is pristine again, the edit went to the attic
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	require.Equal(t, "v1\n", string(data))

	entries, err := os.ReadDir(attic)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err = os.ReadFile(filepath.Join(attic, entries[0].Name(), "src.txt"))
	require.NoError(t, err)
	require.Equal(t, "edited\n", string(data))
}

func TestParallelCookMatchesSequential(t *testing.T) {
	recipes := map[string]string{
		"a": `
buildScript: "echo a > a.txt"
packageScript: "cp \"$1/a.txt\" ."
`,
		"b": `
buildScript: "echo b > b.txt"
packageScript: "cp \"$1/b.txt\" ."
`,
		"top": `
root: true
depends: [a, b]
buildScript: "cat \"$2\"/*.txt \"$3\"/*.txt > all.txt"
packageScript: "cp \"$1/all.txt\" ."
`,
	}
	store := loadRecipes(t, recipes)
	top := resolveRoot(t, store, "top")
	f := newFixture(t)

	f.cook(t, nil, Options{Jobs: 4}, top)
	data, err := os.ReadFile(f.distFile("top", "all.txt"))
	require.NoError(t, err)
	require.Equal(t, "a\nb\n", string(data))
}
