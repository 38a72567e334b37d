package cli

import (
	"github.com/spf13/cobra"

	"github.com/bakebuild/bake/pkg/util/console"
)

func newLsRecipesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls-recipes",
		Short: "List all recipes of the project",
		Args:  cobra.NoArgs,
		RunE:  lsRecipesCommand,
	}
	addProjectDirFlag(cmd)
	return cmd
}

func lsRecipesCommand(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	for _, name := range p.store.Names() {
		rec, err := p.store.Get(name)
		if err != nil {
			return err
		}
		line := name
		if rec.Root {
			line += " (root)"
		}
		if rec.Shared {
			line += " (shared)"
		}
		console.Output(line)
	}
	return nil
}
