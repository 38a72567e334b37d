package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindProjectRootShouldFindParentDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "recipes"), 0o755))
	subdir := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(subdir, 0o755))

	found, err := FindProjectRoot(subdir)
	require.NoError(t, err)
	require.Equal(t, root, found)
}

func TestFindProjectRootShouldReturnErrIfNoProject(t *testing.T) {
	_, err := FindProjectRoot(t.TempDir())
	require.Error(t, err)
}

func TestLoadMissingConfigIsEmpty(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Empty(t, cfg.Archive)
	require.Equal(t, "", cfg.Attic)
}

func TestLoadArchiveBackends(t *testing.T) {
	root := t.TempDir()
	content := `
archive:
  - backend: file
    path: /mnt/archive
    flags: [nofail, noupload]
  - backend: s3
    bucket: builds
    prefix: bake
    region: eu-central-1
environment:
  LICENSE_SERVER: "license.corp:27000"
attic: /var/tmp/bake-attic
`
	require.NoError(t, os.WriteFile(filepath.Join(root, "config.yaml"), []byte(content), 0o644))

	cfg, err := Load(root)
	require.NoError(t, err)
	require.Len(t, cfg.Archive, 2)
	require.Equal(t, "file", cfg.Archive[0].Backend)
	require.True(t, cfg.Archive[0].HasFlag("nofail"))
	require.False(t, cfg.Archive[0].HasFlag("nodownload"))
	require.Equal(t, "builds", cfg.Archive[1].Bucket)
	require.Equal(t, "license.corp:27000", cfg.Environment["LICENSE_SERVER"])
	require.Equal(t, "/var/tmp/bake-attic", cfg.AtticDir(root))
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "config.yaml"),
		[]byte("archive:\n  - backend: carrier-pigeon\n"), 0o644))
	_, err := Load(root)
	require.Error(t, err)
}

func TestAtticDefaultsBelowRoot(t *testing.T) {
	cfg := &Config{}
	require.Equal(t, filepath.Join("/proj", "attic"), cfg.AtticDir("/proj"))
}
