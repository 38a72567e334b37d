package scm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bakebuild/bake/pkg/interp"
	"github.com/bakebuild/bake/pkg/recipe"
)

const someCommit = "0123456789abcdef0123456789abcdef01234567"

func TestGitDeterminism(t *testing.T) {
	require.True(t, NewGitDriver("u", someCommit, "", "", "").IsDeterministic())
	// a tag can be re-pointed, so it never carries a Build-Id
	require.False(t, NewGitDriver("u", "", "v1.0", "", "").IsDeterministic())
	require.False(t, NewGitDriver("u", "", "", "main", "").IsDeterministic())
	require.False(t, NewGitDriver("u", "", "", "", "").IsDeterministic())
	// short commits are not trusted as immutable
	require.False(t, NewGitDriver("u", "0123abc", "", "", "").IsDeterministic())
}

func TestGitSwitch(t *testing.T) {
	old := NewGitDriver("https://example.invalid/r.git", someCommit, "", "", "src")
	updated := NewGitDriver("https://example.invalid/r.git", "", "", "main", "src")
	moved := NewGitDriver("https://example.invalid/other.git", "", "", "main", "src")

	require.True(t, updated.Switch(old.Digest()))
	require.False(t, moved.Switch(old.Digest()))
}

func TestURLDeterminismAndLiveID(t *testing.T) {
	pinned := NewURLDriver("https://example.invalid/a.tgz", "aa"+(someCommit + someCommit)[:62], "")
	floating := NewURLDriver("https://example.invalid/a.tgz", "", "")

	require.True(t, pinned.IsDeterministic())
	require.False(t, floating.IsDeterministic())

	id, err := pinned.PredictLiveID(context.Background())
	require.NoError(t, err)
	require.Equal(t, "aa"+(someCommit + someCommit)[:62], id)

	id, err = floating.PredictLiveID(context.Background())
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestURLStatus(t *testing.T) {
	ws := t.TempDir()
	d := NewURLDriver("https://example.invalid/data.bin", "", "third_party")

	require.Equal(t, StatusEmpty, d.Status(ws))

	target := filepath.Join(ws, "third_party", "data.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("payload"), 0o644))
	require.Equal(t, StatusClean, d.Status(ws))

	// wrong digest makes the working copy unclean
	pinned := NewURLDriver("https://example.invalid/data.bin", "00"+(someCommit + someCommit)[:62], "third_party")
	require.Equal(t, StatusUnclean, pinned.Status(ws))
}

func TestFromSpecSubstitutesAndGuards(t *testing.T) {
	env := interp.NewEnv(map[string]string{"REV": someCommit, "WITH_DOCS": "0"}, interp.NewFuncRegistry())

	d, err := FromSpec(recipe.ScmSpec{
		Scm:    "git",
		URL:    "https://example.invalid/lib.git",
		Commit: "${REV}",
	}, env)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.True(t, d.IsDeterministic())
	require.Contains(t, d.Digest(), someCommit)

	// false guard skips the entry entirely
	d, err = FromSpec(recipe.ScmSpec{Scm: "git", URL: "u", If: "${WITH_DOCS}"}, env)
	require.NoError(t, err)
	require.Nil(t, d)

	_, err = FromSpec(recipe.ScmSpec{Scm: "cvs", URL: "u"}, env)
	require.Error(t, err)
}

func TestDigestsDiffer(t *testing.T) {
	a := NewGitDriver("u", someCommit, "", "", "")
	b := NewGitDriver("u", "", "", "main", "")
	require.NotEqual(t, a.Digest(), b.Digest())
}
