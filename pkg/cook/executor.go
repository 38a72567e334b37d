// Package cook executes a resolved step graph incrementally: per step it
// decides to skip (state unchanged), download (archive hit on Build-Id) or
// execute the script, optionally inside a sandbox, and records the outcome in
// the persistent state store so the next invocation resumes from the last
// fully completed phase.
package cook

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bakebuild/bake/pkg/archive"
	"github.com/bakebuild/bake/pkg/errors"
	"github.com/bakebuild/bake/pkg/graph"
	"github.com/bakebuild/bake/pkg/statestore"
	"github.com/bakebuild/bake/pkg/util/console"
)

// BuildMode controls how result hashes are produced.
type BuildMode string

const (
	// ModeNormal hashes workspace content after every phase.
	ModeNormal BuildMode = "normal"
	// ModeDevelop hashes like ModeNormal but gives every variant its own
	// build and package directory, so switching variants back and forth
	// never rebuilds an unchanged one.
	ModeDevelop BuildMode = "develop"
	// ModeRelease assumes content is frozen once built and records a
	// timestamp instead of re-hashing.
	ModeRelease BuildMode = "release"
)

// DownloadMode controls when the archive is consulted for package steps.
type DownloadMode string

const (
	DownloadNo DownloadMode = "no"
	// DownloadYes tries every package step with a Build-Id.
	DownloadYes DownloadMode = "yes"
	// DownloadDeps skips the root packages themselves.
	DownloadDeps DownloadMode = "deps"
	// DownloadForced fails the build when a download misses.
	DownloadForced DownloadMode = "forced"
)

// Options configure one cook invocation.
type Options struct {
	// Destination is the workspace tree below the project root.
	Destination string
	// AtticDir receives displaced checkout content. Empty disables the
	// attic entirely (content is deleted instead).
	AtticDir string

	Jobs      int
	Makeflags string

	Force         bool
	CheckoutOnly  bool
	CleanCheckout bool
	KeepGoing     bool
	PreserveEnv   bool

	// NoDeps consults the state store for dependency results instead of
	// cooking them; a dependency that was never built is an error.
	NoDeps bool

	BuildMode BuildMode
	Download  DownloadMode
	Upload    bool

	// Verbosity: 0 silent, 1 stderr, 2 stderr+stdout, 3 adds shell tracing.
	Verbosity int
}

// Stats counts what one invocation actually did.
type Stats struct {
	Executed   int
	Skipped    int
	Downloaded int
	Uploaded   int
}

type stepAction int

const (
	actionSkipped stepAction = iota
	actionDownloaded
	actionExecuted
)

type stepResult struct {
	resultHash string
	action     stepAction
}

type promise struct {
	done chan struct{}
	res  *stepResult
	err  error
}

// Executor walks the graph. One Executor serves one invocation.
type Executor struct {
	root    string
	state   *statestore.Store
	archive *archive.Composite
	opts    Options
	pool    TokenPool

	mu      sync.Mutex
	visited map[*graph.Step]*promise
	roots   map[*graph.Package]bool
	stats   Stats
}

// New creates an executor rooted at the project directory. A jobserver
// inherited through Makeflags takes precedence over the local job count.
func New(root string, state *statestore.Store, arch *archive.Composite, opts Options) (*Executor, error) {
	if opts.Destination == "" {
		opts.Destination = "dev"
	}
	if opts.BuildMode == "" {
		opts.BuildMode = ModeNormal
	}
	if opts.Download == "" {
		opts.Download = DownloadNo
	}
	if opts.Jobs < 1 {
		opts.Jobs = 1
	}

	pool, err := NewJobServerFromMakeflags(opts.Makeflags)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = NewLocalPool(opts.Jobs)
	} else {
		console.Debug("using inherited jobserver for job control")
	}

	return &Executor{
		root:    root,
		state:   state,
		archive: arch,
		opts:    opts,
		pool:    pool,
		visited: map[*graph.Step]*promise{},
		roots:   map[*graph.Package]bool{},
	}, nil
}

// Stats returns what the invocation did so far.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Executor) count(f func(*Stats)) {
	e.mu.Lock()
	f(&e.stats)
	e.mu.Unlock()
}

// Cook builds the root packages. Without KeepGoing the first failure cancels
// the remaining roots; with it, independent roots proceed and failures are
// aggregated.
func (e *Executor) Cook(ctx context.Context, roots []*graph.Package) error {
	e.mu.Lock()
	for _, r := range roots {
		e.roots[r] = true
	}
	e.mu.Unlock()

	target := func(pkg *graph.Package) *graph.Step {
		if e.opts.CheckoutOnly {
			return pkg.CheckoutStep()
		}
		return pkg.PackageStep()
	}

	if !e.opts.KeepGoing {
		g, gctx := errgroup.WithContext(ctx)
		for _, pkg := range roots {
			pkg := pkg
			g.Go(func() error {
				_, err := e.cookStep(gctx, target(pkg))
				return err
			})
		}
		return g.Wait()
	}

	var wg sync.WaitGroup
	errsCh := make(chan error, len(roots))
	for _, pkg := range roots {
		pkg := pkg
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.cookStep(ctx, target(pkg)); err != nil {
				console.Errorf("%s: %s", pkg.Name(), err)
				errsCh <- fmt.Errorf("%s: %w", pkg.Name(), err)
			}
		}()
	}
	wg.Wait()
	close(errsCh)

	var msgs []string
	for err := range errsCh {
		msgs = append(msgs, err.Error())
	}
	if len(msgs) > 0 {
		return errors.BuildFailed(fmt.Sprintf("%d root(s) failed:\n%s", len(msgs), strings.Join(msgs, "\n")))
	}
	return nil
}

// cookStep runs a step at most once per invocation; concurrent callers wait
// for the first one's outcome.
func (e *Executor) cookStep(ctx context.Context, step *graph.Step) (*stepResult, error) {
	e.mu.Lock()
	if p, ok := e.visited[step]; ok {
		e.mu.Unlock()
		select {
		case <-p.done:
			return p.res, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p := &promise{done: make(chan struct{})}
	e.visited[step] = p
	e.mu.Unlock()

	p.res, p.err = e.dispatch(ctx, step)
	close(p.done)
	return p.res, p.err
}

func (e *Executor) dispatch(ctx context.Context, step *graph.Step) (*stepResult, error) {
	switch step.Kind() {
	case graph.KindCheckout:
		return e.cookCheckout(ctx, step)
	case graph.KindBuild:
		return e.cookBuild(ctx, step)
	case graph.KindPackage:
		return e.cookPackage(ctx, step)
	default:
		return nil, errors.InternalConsistency(fmt.Sprintf("unknown step kind %q", step.Kind()))
	}
}

// cookArgs cooks the argument steps, dispatching independent subtrees
// concurrently, and returns their result hashes in argument order.
func (e *Executor) cookArgs(ctx context.Context, step *graph.Step) ([]string, error) {
	args := step.Args()
	results := make([]*stepResult, len(args))

	g, gctx := errgroup.WithContext(ctx)
	for i, arg := range args {
		i, arg := i, arg
		if e.opts.NoDeps && arg.Package() != step.Package() {
			hash, err := e.state.GetResultHash(e.wsPath(arg))
			if err != nil {
				return nil, err
			}
			if hash == "" {
				return nil, errors.BuildFailed(fmt.Sprintf(
					"%s: dependency %s was never built and --no-deps is set",
					step.Package().Name(), arg.Package().Name()))
			}
			results[i] = &stepResult{resultHash: hash, action: actionSkipped}
			continue
		}
		g.Go(func() error {
			res, err := e.cookStep(gctx, arg)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	hashes := make([]string, len(results))
	for i, r := range results {
		hashes[i] = r.resultHash
	}
	return hashes, nil
}

func (e *Executor) resultHashFor(ws string) (string, error) {
	if e.opts.BuildMode == ModeRelease {
		return "ts:" + time.Now().UTC().Format(time.RFC3339Nano), nil
	}
	return hashWorkspace(ws)
}
