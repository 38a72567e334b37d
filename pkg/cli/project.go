package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bakebuild/bake/pkg/archive"
	"github.com/bakebuild/bake/pkg/config"
	"github.com/bakebuild/bake/pkg/graph"
	"github.com/bakebuild/bake/pkg/interp"
	"github.com/bakebuild/bake/pkg/recipe"
	"github.com/bakebuild/bake/pkg/statestore"
)

var projectDirFlag string
var defineFlags []string
var noSandboxFlag bool
var noReuseFlag bool

func addProjectDirFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&projectDirFlag, "project-dir", "C", "", "Project directory, defaults to the current working directory")
}

func addResolverFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&defineFlags, "define", "D", []string{}, "Override an environment variable, VAR=VALUE")
	cmd.Flags().BoolVar(&noSandboxFlag, "no-sandbox", false, "Resolve and build as if no recipe provided a sandbox")
	cmd.Flags().BoolVar(&noReuseFlag, "no-reuse", false, "Disable the package-reuse optimization")
	_ = cmd.Flags().MarkHidden("no-reuse")
}

type project struct {
	root  string
	cfg   *config.Config
	store *recipe.Store
}

func openProject() (*project, error) {
	dir := projectDirFlag
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		dir = cwd
	}
	root, err := config.FindProjectRoot(dir)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	store, err := recipe.LoadStore(root)
	if err != nil {
		return nil, err
	}
	return &project{root: root, cfg: cfg, store: store}, nil
}

// environment builds the initial resolution environment: the configured
// project variables overridden by -D defines. The host environment stays out
// so builds do not depend on the invoking shell.
func (p *project) environment() (*interp.Env, error) {
	vars := map[string]string{}
	for k, v := range p.cfg.Environment {
		vars[k] = v
	}
	for _, def := range defineFlags {
		k, v, ok := strings.Cut(def, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad define %q, expected VAR=VALUE", def)
		}
		vars[k] = v
	}
	return interp.NewEnv(vars, interp.NewFuncRegistry()), nil
}

func (p *project) resolver() *graph.Resolver {
	var opts []graph.Option
	if noSandboxFlag {
		opts = append(opts, graph.WithoutSandbox())
	}
	if noReuseFlag {
		opts = append(opts, graph.WithoutReuse())
	}
	return graph.NewResolver(p.store, opts...)
}

// resolveTargets resolves the named recipes, or every root recipe when no
// names are given.
func (p *project) resolveTargets(args []string) ([]*graph.Package, error) {
	names := args
	if len(names) == 0 {
		for _, r := range p.store.Roots() {
			names = append(names, r.Name)
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("no root recipes found; name a recipe or mark one with root: true")
		}
	}

	r := p.resolver()
	env, err := p.environment()
	if err != nil {
		return nil, err
	}
	pkgs := make([]*graph.Package, 0, len(names))
	for _, name := range names {
		pkg, err := r.ResolveRoot(name, env)
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}

func (p *project) openState() (*statestore.Store, error) {
	return statestore.Open(statePath(p.root))
}

func statePath(root string) string {
	return root + "/.bake/state.db"
}

// openArchive assembles the composite archive from the configured backends.
// Returns nil when no backend is configured.
func (p *project) openArchive(ctx context.Context) (*archive.Composite, error) {
	if len(p.cfg.Archive) == 0 {
		return nil, nil
	}
	var drivers []archive.Driver
	for _, b := range p.cfg.Archive {
		switch b.Backend {
		case "file":
			var opts []archive.LocalOption
			if b.HasFlag("nodownload") {
				opts = append(opts, archive.LocalNoDownload())
			}
			if b.HasFlag("noupload") {
				opts = append(opts, archive.LocalNoUpload())
			}
			if b.HasFlag("nofail") {
				opts = append(opts, archive.LocalNoFail())
			}
			drivers = append(drivers, archive.NewLocalDriver(b.Path, opts...))
		case "s3":
			var opts []archive.S3Option
			if b.HasFlag("nodownload") {
				opts = append(opts, archive.S3NoDownload())
			}
			if b.HasFlag("noupload") {
				opts = append(opts, archive.S3NoUpload())
			}
			if b.HasFlag("nofail") {
				opts = append(opts, archive.S3NoFail())
			}
			d, err := archive.NewS3Driver(ctx, archive.S3Config{
				Bucket:          b.Bucket,
				Prefix:          b.Prefix,
				Region:          b.Region,
				Endpoint:        b.Endpoint,
				AccessKeyID:     b.AccessKeyID,
				SecretAccessKey: b.SecretAccessKey,
			}, opts...)
			if err != nil {
				return nil, err
			}
			drivers = append(drivers, d)
		}
	}
	return archive.NewComposite(drivers...), nil
}
