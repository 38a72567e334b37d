package cook

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bakebuild/bake/pkg/errors"
	"github.com/bakebuild/bake/pkg/graph"
	"github.com/bakebuild/bake/pkg/sandbox"
	"github.com/bakebuild/bake/pkg/util/files"
)

// execPaths maps steps to their locations inside a sandbox.
type execPaths struct {
	e *Executor
}

func (p execPaths) HostPath(s *graph.Step) string {
	return p.e.wsPath(s)
}

func (p execPaths) ExecPath(s *graph.Step) string {
	return "/bake/" + phaseDir(s.Kind()) + "/" + s.Package().Name() + "/workspace"
}

// wrapperScript renders the generated script: strict shell options, an error
// trap naming the failing line and command, optional tracing, then the
// recipe's script with the workspace as the working directory. Argument
// workspaces arrive as positional parameters.
func wrapperScript(script, workDir string, trace bool) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -o errexit -o nounset -o pipefail\n")
	b.WriteString(`trap 'echo "bake: error in ${BASH_SOURCE[0]} line ${LINENO}: ${BASH_COMMAND}" >&2' ERR` + "\n")
	if trace {
		b.WriteString("set -o xtrace\n")
	}
	fmt.Fprintf(&b, "cd %q\n", workDir)
	b.WriteString(script)
	b.WriteString("\n")
	return b.String()
}

func (e *Executor) runScript(ctx context.Context, step *graph.Step, args []*graph.Step) error {
	dir := e.stepDir(step)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	logPath := filepath.Join(dir, "log.txt")
	logFile, err := os.Create(logPath)
	if err != nil {
		return err
	}
	defer logFile.Close()

	var cmd *exec.Cmd
	if step.Sandbox() != nil {
		cmd, err = e.sandboxedCommand(ctx, step, args, dir)
	} else {
		cmd, err = e.plainCommand(ctx, step, args, dir)
	}
	if err != nil {
		return err
	}

	stdout := io.Writer(logFile)
	stderr := io.Writer(logFile)
	if e.opts.Verbosity >= 2 {
		stdout = io.MultiWriter(logFile, os.Stdout)
	}
	if e.opts.Verbosity >= 1 {
		stderr = io.MultiWriter(logFile, os.Stderr)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.BuildFailed(fmt.Sprintf(
			"%s: %s script failed: %s (full log: %s)",
			step.Package().Name(), step.Kind(), err, logPath))
	}
	return nil
}

func (e *Executor) plainCommand(ctx context.Context, step *graph.Step, args []*graph.Step, dir string) (*exec.Cmd, error) {
	ws := e.wsPath(step)
	wrapper := filepath.Join(dir, "script")
	content := wrapperScript(step.Script().Exec, ws, e.opts.Verbosity >= 3)
	if err := files.WriteFileAtomic(wrapper, []byte(content), 0o755); err != nil {
		return nil, err
	}

	argv := []string{wrapper}
	for _, arg := range args {
		argv = append(argv, e.wsPath(arg))
	}
	cmd := exec.CommandContext(ctx, "bash", argv...)
	cmd.Env = e.scriptEnviron(step, func(s *graph.Step) string { return e.wsPath(s) })
	return cmd, nil
}

func (e *Executor) sandboxedCommand(ctx context.Context, step *graph.Step, args []*graph.Step, dir string) (*exec.Cmd, error) {
	paths := execPaths{e}
	plan, err := sandbox.BuildPlan(step, paths, environMap(os.Environ()), e.opts.PreserveEnv)
	if err != nil {
		return nil, err
	}
	// the generated script and its log live outside any workspace; expose
	// the step directory read-only at a fixed location
	plan.Mounts = append(plan.Mounts, sandbox.Mount{Host: dir, Guest: "/.bake", ReadOnly: true})

	wrapper := filepath.Join(dir, "script")
	content := wrapperScript(step.Script().Exec, paths.ExecPath(step), e.opts.Verbosity >= 3)
	if err := files.WriteFileAtomic(wrapper, []byte(content), 0o755); err != nil {
		return nil, err
	}

	inner := []string{"bash", "/.bake/script"}
	for _, arg := range args {
		inner = append(inner, paths.ExecPath(arg))
	}
	argv := plan.Argv(inner)

	plan.Env["PATH"] = strings.Join(append(toolPathEntries(step, paths.ExecPath), plan.PathVariable()), ":")
	if libs := toolLibEntries(step, paths.ExecPath); len(libs) > 0 {
		plan.Env["LD_LIBRARY_PATH"] = strings.Join(libs, ":")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = plan.Environ()
	return cmd, nil
}

// scriptEnviron builds the environment for an unsandboxed script: the step's
// pinned variables win, tool paths are prepended to PATH, and the host
// environment passes through only when the user preserves it.
func (e *Executor) scriptEnviron(step *graph.Step, wsOf func(*graph.Step) string) []string {
	env := map[string]string{}
	if e.opts.PreserveEnv {
		env = environMap(os.Environ())
	} else {
		for _, k := range []string{"HOME", "USER", "TERM", "PATH"} {
			if v, ok := os.LookupEnv(k); ok {
				env[k] = v
			}
		}
	}
	for k, v := range step.Env() {
		env[k] = v
	}

	pathEntries := toolPathEntries(step, wsOf)
	if base, ok := env["PATH"]; ok && base != "" {
		pathEntries = append(pathEntries, base)
	}
	if len(pathEntries) > 0 {
		env["PATH"] = strings.Join(pathEntries, ":")
	}
	if libs := toolLibEntries(step, wsOf); len(libs) > 0 {
		env["LD_LIBRARY_PATH"] = strings.Join(libs, ":")
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func toolPathEntries(step *graph.Step, wsOf func(*graph.Step) string) []string {
	var entries []string
	for _, nt := range step.Tools() {
		entries = append(entries, filepath.Join(wsOf(nt.Tool.Step), nt.Tool.Path))
	}
	return entries
}

func toolLibEntries(step *graph.Step, wsOf func(*graph.Step) string) []string {
	var libs []string
	for _, nt := range step.Tools() {
		for _, lib := range nt.Tool.Libs {
			libs = append(libs, filepath.Join(wsOf(nt.Tool.Step), lib))
		}
	}
	return libs
}

func environMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}
