package cook

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapperScriptOptions(t *testing.T) {
	s := wrapperScript("make all", "/work/app/build/workspace", false)
	require.Contains(t, s, "set -o errexit -o nounset -o pipefail")
	require.Contains(t, s, "trap")
	require.Contains(t, s, `cd "/work/app/build/workspace"`)
	require.Contains(t, s, "make all")
	require.NotContains(t, s, "xtrace")

	traced := wrapperScript("make all", "/w", true)
	require.Contains(t, traced, "set -o xtrace")
}

func TestWrapperReportsFailingLine(t *testing.T) {
	dir := t.TempDir()
	ws := filepath.Join(dir, "workspace")
	require.NoError(t, os.MkdirAll(ws, 0o755))

	wrapper := filepath.Join(dir, "script")
	content := wrapperScript("echo first\nfalse\necho never", ws, false)
	require.NoError(t, os.WriteFile(wrapper, []byte(content), 0o755))

	var stderr bytes.Buffer
	cmd := exec.Command("bash", wrapper)
	cmd.Stderr = &stderr
	err := cmd.Run()
	require.Error(t, err)
	require.Contains(t, stderr.String(), "bake: error in")
	require.Contains(t, stderr.String(), "false")
}

func TestEnvironMap(t *testing.T) {
	m := environMap([]string{"A=1", "B=x=y", "MALFORMED"})
	require.Equal(t, "1", m["A"])
	require.Equal(t, "x=y", m["B"])
	_, ok := m["MALFORMED"]
	require.False(t, ok)
}
