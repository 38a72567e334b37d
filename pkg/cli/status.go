package cli

import (
	"fmt"

	"github.com/logrusorgru/aurora"
	"github.com/spf13/cobra"

	"github.com/bakebuild/bake/pkg/cook"
	"github.com/bakebuild/bake/pkg/util/console"
)

var statusDestination string

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [recipe...]",
		Short: "Compare workspaces against the recorded build state",
		RunE:  statusCommand,
	}
	addProjectDirFlag(cmd)
	addResolverFlags(cmd)
	cmd.Flags().StringVar(&statusDestination, "destination", "dev", "Workspace tree below the project root")
	return cmd
}

func statusCommand(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	roots, err := p.resolveTargets(args)
	if err != nil {
		return err
	}
	state, err := p.openState()
	if err != nil {
		return err
	}
	defer state.Close()

	executor, err := cook.New(p.root, state, nil, cook.Options{Destination: statusDestination})
	if err != nil {
		return err
	}

	for _, root := range roots {
		statuses, err := executor.Status(root)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			console.Output(fmt.Sprintf("%s  %s/%s  %s", colorState(s.State), s.Package, s.Kind, s.Path))
		}
	}
	return nil
}

func colorState(state string) string {
	switch state {
	case "clean":
		return aurora.Green("clean  ").String()
	case "stale":
		return aurora.Yellow("stale  ").String()
	default:
		return aurora.Red("missing").String()
	}
}
