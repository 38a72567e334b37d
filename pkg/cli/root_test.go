package cli

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bakebuild/bake/pkg/config"
)

func testConfig(env map[string]string) *config.Config {
	return &config.Config{Environment: env}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd, err := NewRootCommand()
	require.NoError(t, err)

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"build", "graph", "status", "ls-recipes", "clean"} {
		require.Contains(t, names, want)
	}
}

func TestEnumFlagRejectsUnknownValues(t *testing.T) {
	f := newEnumFlag("no", "no", "yes", "deps", "forced")
	require.Equal(t, "no", f.String())
	require.NoError(t, f.Set("deps"))
	require.Equal(t, "deps", f.String())
	require.Error(t, f.Set("maybe"))
	require.Equal(t, "deps", f.String())
}

func TestEnvironmentMergesDefines(t *testing.T) {
	defineFlags = []string{"CC=clang", "FLAVOR=debug"}
	defer func() { defineFlags = nil }()

	p := &project{cfg: testConfig(map[string]string{"CC": "gcc", "BASE": "1"})}
	env, err := p.environment()
	require.NoError(t, err)

	v, ok := env.Peek("CC")
	require.True(t, ok)
	require.Equal(t, "clang", v)
	v, ok = env.Peek("BASE")
	require.True(t, ok)
	require.Equal(t, "1", v)

	defineFlags = []string{"MALFORMED"}
	_, err = p.environment()
	require.Error(t, err)
}
