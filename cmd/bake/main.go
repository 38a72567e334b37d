package main

import (
	"os"

	"github.com/bakebuild/bake/pkg/cli"
	"github.com/bakebuild/bake/pkg/util/console"
)

func main() {
	cmd, err := cli.NewRootCommand()
	if err != nil {
		console.Fatalf("%s", err)
	}

	if err = cmd.Execute(); err != nil {
		console.Error(err.Error())
		os.Exit(1)
	}
}
