package scm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bakebuild/bake/pkg/util/console"
)

var commitRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// GitDriver checks out a git ref into a workspace sub-path. Deterministic
// only when pinned to a full commit id; tags and branches are mutable refs.
type GitDriver struct {
	url    string
	commit string
	tag    string
	branch string
	dir    string
}

func NewGitDriver(url, commit, tag, branch, dir string) *GitDriver {
	if commit == "" && tag == "" && branch == "" {
		branch = "master"
	}
	return &GitDriver{url: url, commit: commit, tag: tag, branch: branch, dir: dir}
}

func (g *GitDriver) SubPath() string {
	return g.dir
}

func (g *GitDriver) Digest() string {
	return fmt.Sprintf("git url=%s commit=%s tag=%s branch=%s dir=%s", g.url, g.commit, g.tag, g.branch, g.dir)
}

func (g *GitDriver) IsDeterministic() bool {
	return commitRe.MatchString(g.commit)
}

// Switch allows in-place update when only the pinned ref changed; a
// different url means a different repository and goes to the attic.
func (g *GitDriver) Switch(oldDigest string) bool {
	return strings.Contains(oldDigest, "git url="+g.url+" ")
}

func (g *GitDriver) ref() string {
	switch {
	case g.commit != "":
		return g.commit
	case g.tag != "":
		return "refs/tags/" + g.tag
	default:
		return "refs/heads/" + g.branch
	}
}

func (g *GitDriver) Fetch(ctx context.Context, workspace string) error {
	dest := filepath.Join(workspace, g.dir)
	if _, err := os.Stat(filepath.Join(dest, ".git")); os.IsNotExist(err) {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
		if err := g.git(ctx, dest, "init"); err != nil {
			return err
		}
		if err := g.git(ctx, dest, "remote", "add", "origin", g.url); err != nil {
			return err
		}
	}
	if err := g.git(ctx, dest, "fetch", "origin", g.ref()); err != nil {
		return fmt.Errorf("git fetch %s: %w", g.url, err)
	}
	if err := g.git(ctx, dest, "checkout", "--force", "FETCH_HEAD"); err != nil {
		return fmt.Errorf("git checkout: %w", err)
	}
	return nil
}

func (g *GitDriver) Status(workspace string) Status {
	dest := filepath.Join(workspace, g.dir)
	if _, err := os.Stat(filepath.Join(dest, ".git")); os.IsNotExist(err) {
		return StatusEmpty
	}
	out, err := g.gitOutput(context.Background(), dest, "status", "--porcelain")
	if err != nil {
		return StatusError
	}
	if len(bytes.TrimSpace(out)) != 0 {
		return StatusUnclean
	}
	if g.commit != "" {
		head, err := g.gitOutput(context.Background(), dest, "rev-parse", "HEAD")
		if err != nil {
			return StatusError
		}
		if strings.TrimSpace(string(head)) != g.commit {
			return StatusUnclean
		}
	}
	return StatusClean
}

func (g *GitDriver) PredictLiveID(ctx context.Context) (string, error) {
	if commitRe.MatchString(g.commit) {
		return g.commit, nil
	}
	out, err := exec.CommandContext(ctx, "git", "ls-remote", g.url, g.ref()).Output()
	if err != nil {
		// remote unreachable is a soft miss, the engine falls back to
		// fetching
		console.Debugf("git ls-remote %s failed: %s", g.url, err)
		return "", nil
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], nil
}

func (g *GitDriver) CalcLiveID(workspace string) (string, error) {
	dest := filepath.Join(workspace, g.dir)
	out, err := g.gitOutput(context.Background(), dest, "rev-parse", "HEAD")
	if err != nil {
		return "", nil
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *GitDriver) git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	console.Debugf("git %s (in %s)", strings.Join(args, " "), dir)
	return cmd.Run()
}

func (g *GitDriver) gitOutput(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.Output()
}
