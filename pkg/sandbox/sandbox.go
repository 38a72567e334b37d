// Package sandbox materializes the restricted execution environment for
// steps that declare one: the sandbox image as a read-only root, every
// dependency and tool workspace bind-mounted at its logical execution path,
// and a whitelisted environment. Execution happens through an unshare-style
// user-namespace invocation that the script runner execs.
package sandbox

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/bakebuild/bake/pkg/graph"
)

// Paths maps steps to their workspace locations. The host path is where the
// workspace physically lives; the exec path is where scripts address it,
// which inside a sandbox is where it gets mounted.
type Paths interface {
	HostPath(s *graph.Step) string
	ExecPath(s *graph.Step) string
}

// Mount binds one host directory into the sandbox.
type Mount struct {
	Host     string
	Guest    string
	ReadOnly bool
}

// Plan is everything needed to enter the sandbox for one step.
type Plan struct {
	// Root is the sandbox package-step output, mounted read-only as /.
	Root string

	Mounts []Mount

	// PathEntries seed PATH inside the sandbox, ahead of tool paths.
	PathEntries []string

	// Env is the whitelisted environment.
	Env map[string]string
}

// envWhitelist is what survives into the sandbox besides the step's own
// pinned variables.
var envWhitelist = []string{"TERM"}

// BuildPlan computes the mount plan for step, which must carry a sandbox.
//
// Mounted read-only: the sandbox root, every dependency result and tool
// workspace, and extra mounts the sandbox declares. Mounted read-write: the
// step's own workspace and the workspaces of earlier steps of the same
// package, so intra-package state stays visible.
func BuildPlan(step *graph.Step, paths Paths, hostEnv map[string]string, preserveEnv bool) (*Plan, error) {
	sb := step.Sandbox()
	if sb == nil {
		return nil, fmt.Errorf("step %s/%s has no sandbox", step.Package().Name(), step.Kind())
	}

	plan := &Plan{
		Root:        paths.HostPath(sb.Step),
		PathEntries: append([]string{}, sb.Paths...),
		Env:         map[string]string{},
	}

	seen := map[string]bool{}
	add := func(host, guest string, ro bool) {
		if guest == "" || seen[guest] {
			return
		}
		seen[guest] = true
		plan.Mounts = append(plan.Mounts, Mount{Host: host, Guest: guest, ReadOnly: ro})
	}

	// the step's own workspace, writable
	add(paths.HostPath(step), paths.ExecPath(step), false)

	// argument steps: same-package ancestors writable, dependency results
	// read-only
	for _, arg := range step.Args() {
		ro := arg.Package() != step.Package()
		add(paths.HostPath(arg), paths.ExecPath(arg), ro)
		if !ro && arg.Kind() == graph.KindBuild {
			// a package step also sees its checkout through the build step
			for _, inner := range arg.Args() {
				if inner.Package() == step.Package() {
					add(paths.HostPath(inner), paths.ExecPath(inner), false)
				}
			}
		}
	}

	for _, nt := range step.Tools() {
		add(paths.HostPath(nt.Tool.Step), paths.ExecPath(nt.Tool.Step), true)
	}

	for _, m := range sb.Mounts {
		host, guest := m, m
		if i := strings.IndexByte(m, ':'); i >= 0 {
			host, guest = m[:i], m[i+1:]
		}
		add(host, guest, true)
	}

	for k, v := range step.Env() {
		plan.Env[k] = v
	}
	if preserveEnv {
		for k, v := range hostEnv {
			if _, pinned := plan.Env[k]; !pinned {
				plan.Env[k] = v
			}
		}
	} else {
		for _, k := range envWhitelist {
			if v, ok := hostEnv[k]; ok {
				if _, pinned := plan.Env[k]; !pinned {
					plan.Env[k] = v
				}
			}
		}
	}

	sort.Slice(plan.Mounts, func(i, j int) bool { return plan.Mounts[i].Guest < plan.Mounts[j].Guest })
	return plan, nil
}

// Environ renders the plan's environment in sorted KEY=value form.
func (p *Plan) Environ() []string {
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+p.Env[k])
	}
	return out
}

// Argv builds the namespace invocation that runs command inside the sandbox:
// unshare into a user+mount namespace, create the mount points, seal the root
// read-only, bind the plan's mounts beneath it, then chroot and exec.
func (p *Plan) Argv(command []string) []string {
	var b strings.Builder
	b.WriteString("set -e\n")
	fmt.Fprintf(&b, "mount --bind %s %s\n", shellQuote(p.Root), shellQuote(p.Root))
	// mount points must exist before the root turns read-only; the exec
	// paths are never part of the sandbox image. File mounts (resolv.conf
	// style) bind onto a touched file, not a directory.
	for _, m := range p.Mounts {
		target := shellQuote(p.mountTarget(m))
		host := shellQuote(m.Host)
		fmt.Fprintf(&b, "if [ -d %s ]; then mkdir -p %s; else mkdir -p %s && touch %s; fi\n",
			host, target, shellQuote(path.Dir(p.mountTarget(m))), target)
	}
	fmt.Fprintf(&b, "mount -o remount,ro,bind %s %s\n", shellQuote(p.Root), shellQuote(p.Root))
	for _, m := range p.Mounts {
		target := p.mountTarget(m)
		fmt.Fprintf(&b, "mount --bind %s %s\n", shellQuote(m.Host), shellQuote(target))
		if m.ReadOnly {
			fmt.Fprintf(&b, "mount -o remount,ro,bind %s %s\n", shellQuote(target), shellQuote(target))
		}
	}
	b.WriteString("exec chroot " + shellQuote(p.Root))
	for _, c := range command {
		b.WriteString(" " + shellQuote(c))
	}
	b.WriteString("\n")

	return []string{
		"unshare",
		"--user", "--map-root-user", "--mount",
		"--",
		"/bin/sh", "-c", b.String(),
	}
}

func (p *Plan) mountTarget(m Mount) string {
	return p.Root + "/" + strings.TrimPrefix(m.Guest, "/")
}

// PathVariable renders PATH for the sandboxed script: declared sandbox paths
// first, then a stable fallback.
func (p *Plan) PathVariable() string {
	entries := append([]string{}, p.PathEntries...)
	if len(entries) == 0 {
		entries = []string{"/usr/local/bin", "/usr/bin", "/bin"}
	}
	return strings.Join(entries, ":")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`&|;<>()*?[]#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
