package statestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "bake.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRoundTrip(t *testing.T) {
	s := openTestStore(t)

	ws := "dev/build/app/1"

	v, err := s.GetDirectoryState(ws)
	require.NoError(t, err)
	require.Empty(t, v)

	require.NoError(t, s.SetDirectoryState(ws, "digest-1"))
	v, err = s.GetDirectoryState(ws)
	require.NoError(t, err)
	require.Equal(t, "digest-1", v)

	require.NoError(t, s.SetResultHash(ws, "result-1"))
	v, err = s.GetResultHash(ws)
	require.NoError(t, err)
	require.Equal(t, "result-1", v)

	require.NoError(t, s.SetDownloadedBuildID(ws, "bid-1"))
	v, err = s.GetDownloadedBuildID(ws)
	require.NoError(t, err)
	require.Equal(t, "bid-1", v)
}

func TestInputHashes(t *testing.T) {
	s := openTestStore(t)

	hashes, err := s.GetInputHashes("ws")
	require.NoError(t, err)
	require.Nil(t, hashes)

	want := []string{"h1", "h2", "h3"}
	require.NoError(t, s.SetInputHashes("ws", want))
	hashes, err = s.GetInputHashes("ws")
	require.NoError(t, err)
	require.Equal(t, want, hashes)
}

func TestForget(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SetDirectoryState("ws", "d"))
	require.NoError(t, s.SetResultHash("ws", "r"))
	require.NoError(t, s.SetInputHashes("ws", []string{"i"}))
	require.NoError(t, s.SetVariantID("ws", "v"))

	require.NoError(t, s.Forget("ws"))

	v, err := s.GetDirectoryState("ws")
	require.NoError(t, err)
	require.Empty(t, v)
	hashes, err := s.GetInputHashes("ws")
	require.NoError(t, err)
	require.Nil(t, hashes)
}

func TestPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bake.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetResultHash("ws", "kept"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.GetResultHash("ws")
	require.NoError(t, err)
	require.Equal(t, "kept", v)
}
