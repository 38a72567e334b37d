package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bakebuild/bake/pkg/graph"
	"github.com/bakebuild/bake/pkg/util/console"
)

func newGraphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph [recipe...]",
		Short: "Resolve the named recipes and print the step tree with identities",
		RunE:  graphCommand,
	}
	addProjectDirFlag(cmd)
	addResolverFlags(cmd)
	return cmd
}

func graphCommand(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	roots, err := p.resolveTargets(args)
	if err != nil {
		return err
	}

	printed := map[*graph.Package]bool{}
	for _, root := range roots {
		printPackage(root, 0, printed)
	}
	return nil
}

func printPackage(pkg *graph.Package, depth int, printed map[*graph.Package]bool) {
	indent := strings.Repeat("   ", depth)
	step := pkg.PackageStep()

	buildID := "-"
	if id, ok := step.BuildID(); ok {
		buildID = id[:16]
	}
	console.Output(fmt.Sprintf("%s%s  variant=%s build=%s", indent, pkg.Name(), step.VariantID()[:16], buildID))

	if printed[pkg] {
		if len(pkg.DirectDeps())+len(pkg.IndirectDeps()) > 0 {
			console.Output(indent + "   ...")
		}
		return
	}
	printed[pkg] = true

	for _, dep := range pkg.BuildStep().Args() {
		if dep.Package() != pkg {
			printPackage(dep.Package(), depth+1, printed)
		}
	}
}
