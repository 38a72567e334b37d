package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bakebuild/bake/pkg/graph"
	"github.com/bakebuild/bake/pkg/util/console"
	"github.com/bakebuild/bake/pkg/util/files"
)

func markAlive(pkg *graph.Package, alive map[string]bool) {
	if alive[pkg.Name()] {
		return
	}
	alive[pkg.Name()] = true
	for _, dep := range pkg.BuildStep().Args() {
		if dep.Package() != pkg {
			markAlive(dep.Package(), alive)
		}
	}
}

var cleanForce bool
var cleanAttic bool
var cleanDestination string

func newCleanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove workspaces no recipe resolves to anymore",
		Args:  cobra.NoArgs,
		RunE:  cleanCommand,
	}
	addProjectDirFlag(cmd)
	addResolverFlags(cmd)
	cmd.Flags().StringVar(&cleanDestination, "destination", "dev", "Workspace tree below the project root")
	cmd.Flags().BoolVarP(&cleanForce, "force", "f", false, "Actually delete; the default is a dry run")
	cmd.Flags().BoolVar(&cleanAttic, "attic", false, "Also empty the attic")
	return cmd
}

func cleanCommand(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	roots, err := p.resolveTargets(nil)
	if err != nil {
		return err
	}

	// every package name reachable from any root keeps its workspaces
	alive := map[string]bool{}
	for _, root := range roots {
		markAlive(root, alive)
	}

	state, err := p.openState()
	if err != nil {
		return err
	}
	defer state.Close()

	removed := 0
	for _, phase := range []string{"src", "build", "dist"} {
		dir := filepath.Join(p.root, cleanDestination, phase)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			if alive[e.Name()] {
				continue
			}
			path := filepath.Join(dir, e.Name())
			removed++
			if !cleanForce {
				console.Output("would remove " + path)
				continue
			}
			console.Infof("removing %s", path)
			if err := os.RemoveAll(path); err != nil {
				return err
			}
			ws := filepath.Join(path, "workspace")
			if err := state.Forget(ws); err != nil {
				return err
			}
		}
	}

	if cleanAttic {
		attic := p.cfg.AtticDir(p.root)
		exists, err := files.Exists(attic)
		if err != nil {
			return err
		}
		if exists {
			if !cleanForce {
				console.Output("would empty attic " + attic)
			} else {
				console.Infof("emptying attic %s", attic)
				if err := os.RemoveAll(attic); err != nil {
					return err
				}
			}
		}
	}

	if !cleanForce && removed > 0 {
		console.Output(fmt.Sprintf("%d orphaned workspace(s); rerun with --force to delete", removed))
	}
	return nil
}
