package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bakebuild/bake/pkg/graph"
	"github.com/bakebuild/bake/pkg/interp"
	"github.com/bakebuild/bake/pkg/recipe"
)

type testPaths struct{}

func (testPaths) HostPath(s *graph.Step) string {
	return "/work/" + s.Package().Name() + "/" + string(s.Kind())
}

func (testPaths) ExecPath(s *graph.Step) string {
	return "/bake/" + s.Package().Name() + "/" + string(s.Kind())
}

func resolveApp(t *testing.T) *graph.Package {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "recipes"), 0o755))
	recipes := map[string]string{
		"rootfs": `
packageScript: "build rootfs"
provideSandbox:
  paths: ["/usr/bin", "/bin"]
  mount: ["/etc/resolv.conf"]
`,
		"toolchain": `
packageScript: "install toolchain"
provideTools:
  cc:
    path: bin/cc
`,
		"lib": `
buildScript: "make lib"
packageScript: "install lib"
`,
		"app": `
root: true
depends:
  - lib
  - name: rootfs
    use: [sandbox]
  - name: toolchain
    use: [tools]
buildTools: [cc]
buildVars:
  CFLAGS: "-O2"
buildScript: "make app"
packageScript: "install app"
`,
	}
	for name, content := range recipes {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "recipes", name+".yaml"), []byte(content), 0o644))
	}
	store, err := recipe.LoadStore(dir)
	require.NoError(t, err)
	pkg, err := graph.NewResolver(store).ResolveRoot("app", interp.NewEnv(nil, interp.NewFuncRegistry()))
	require.NoError(t, err)
	return pkg
}

func mountFor(t *testing.T, plan *Plan, guest string) Mount {
	t.Helper()
	for _, m := range plan.Mounts {
		if m.Guest == guest {
			return m
		}
	}
	t.Fatalf("no mount for %s in %v", guest, plan.Mounts)
	return Mount{}
}

func TestBuildPlanMounts(t *testing.T) {
	app := resolveApp(t)
	plan, err := BuildPlan(app.BuildStep(), testPaths{}, map[string]string{"TERM": "xterm"}, false)
	require.NoError(t, err)

	require.Equal(t, "/work/rootfs/package", plan.Root)
	require.Equal(t, []string{"/usr/bin", "/bin"}, plan.PathEntries)

	// own workspace and the same-package checkout are writable
	own := mountFor(t, plan, "/bake/app/build")
	require.Equal(t, "/work/app/build", own.Host)
	require.False(t, own.ReadOnly)
	co := mountFor(t, plan, "/bake/app/checkout")
	require.False(t, co.ReadOnly)

	// dependency results and tools are read-only
	lib := mountFor(t, plan, "/bake/lib/package")
	require.True(t, lib.ReadOnly)
	tool := mountFor(t, plan, "/bake/toolchain/package")
	require.True(t, tool.ReadOnly)

	// extra sandbox mounts keep their own path
	extra := mountFor(t, plan, "/etc/resolv.conf")
	require.Equal(t, "/etc/resolv.conf", extra.Host)
	require.True(t, extra.ReadOnly)
}

func TestBuildPlanEnvWhitelist(t *testing.T) {
	app := resolveApp(t)
	host := map[string]string{"TERM": "xterm", "SECRET": "hunter2"}

	plan, err := BuildPlan(app.BuildStep(), testPaths{}, host, false)
	require.NoError(t, err)
	require.Equal(t, "-O2", plan.Env["CFLAGS"])
	require.Equal(t, "xterm", plan.Env["TERM"])
	_, leaked := plan.Env["SECRET"]
	require.False(t, leaked)

	preserved, err := BuildPlan(app.BuildStep(), testPaths{}, host, true)
	require.NoError(t, err)
	require.Equal(t, "hunter2", preserved.Env["SECRET"])
	// pinned variables always win over the host
	require.Equal(t, "-O2", preserved.Env["CFLAGS"])
}

func TestBuildPlanRequiresSandbox(t *testing.T) {
	app := resolveApp(t)
	// lib never saw the sandbox dependency
	lib := app.DirectDeps()[0].Package()
	_, err := BuildPlan(lib.BuildStep(), testPaths{}, nil, false)
	require.Error(t, err)
}

func TestArgvEntersNamespaceAndChroots(t *testing.T) {
	app := resolveApp(t)
	plan, err := BuildPlan(app.BuildStep(), testPaths{}, nil, false)
	require.NoError(t, err)

	argv := plan.Argv([]string{"/bin/sh", "/bake/app/build/.script"})
	require.Equal(t, "unshare", argv[0])
	require.Contains(t, argv, "--map-root-user")

	script := argv[len(argv)-1]
	require.Contains(t, script, "mount -o remount,ro,bind /work/rootfs/package")
	require.Contains(t, script, "mount --bind /work/app/build")
	require.Contains(t, script, "exec chroot /work/rootfs/package /bin/sh /bake/app/build/.script")
	// writable mounts are never remounted read-only
	require.NotContains(t, script, "remount,ro,bind /work/rootfs/package/bake/app/build")
}

func TestArgvCreatesMountPointsBeforeSealingRoot(t *testing.T) {
	app := resolveApp(t)
	plan, err := BuildPlan(app.BuildStep(), testPaths{}, nil, false)
	require.NoError(t, err)

	argv := plan.Argv([]string{"/bin/true"})
	script := argv[len(argv)-1]
	sealed := strings.Index(script, "remount,ro,bind /work/rootfs/package")
	require.Greater(t, sealed, 0)

	// exec paths like /bake/... never exist in the sandbox image; creating
	// them after the root is read-only would fail every sandboxed step
	for _, m := range plan.Mounts {
		created := strings.Index(script, "mkdir -p "+plan.mountTarget(m))
		bound := strings.Index(script, "mount --bind "+m.Host+" "+plan.mountTarget(m))
		require.GreaterOrEqual(t, created, 0, m.Guest)
		require.Less(t, created, sealed, "mount point for %s made after the root was sealed", m.Guest)
		require.Greater(t, bound, sealed, "bind of %s must come after the seal", m.Guest)
	}
}

func TestEnvironSorted(t *testing.T) {
	p := &Plan{Env: map[string]string{"B": "2", "A": "1"}}
	require.Equal(t, []string{"A=1", "B=2"}, p.Environ())
}

func TestPathVariable(t *testing.T) {
	p := &Plan{PathEntries: []string{"/opt/bin", "/usr/bin"}}
	require.Equal(t, "/opt/bin:/usr/bin", p.PathVariable())
	require.Equal(t, "/usr/local/bin:/usr/bin:/bin", (&Plan{}).PathVariable())
	require.False(t, strings.Contains(p.PathVariable(), " "))
}
