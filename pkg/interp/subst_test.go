package interp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEnv(vars map[string]string) *Env {
	return NewEnv(vars, NewFuncRegistry())
}

func TestSubstitutePlain(t *testing.T) {
	env := newTestEnv(map[string]string{"NAME": "world"})

	out, err := env.Substitute("hello ${NAME}")
	require.NoError(t, err)
	require.Equal(t, "hello world", out)
}

func TestSubstituteLiteralDollar(t *testing.T) {
	env := newTestEnv(nil)

	out, err := env.Substitute("cost: $$5")
	require.NoError(t, err)
	require.Equal(t, "cost: $5", out)
}

func TestSubstituteUnsetFails(t *testing.T) {
	env := newTestEnv(nil)

	_, err := env.Substitute("${MISSING}")
	require.Error(t, err)
	require.Contains(t, err.Error(), "MISSING")
}

func TestSubstituteDefaults(t *testing.T) {
	env := newTestEnv(map[string]string{"EMPTY": "", "SET": "x"})

	for _, tt := range []struct {
		template string
		want     string
	}{
		{"${MISSING:-fallback}", "fallback"},
		{"${EMPTY:-fallback}", "fallback"},
		{"${SET:-fallback}", "x"},
		{"${EMPTY-fallback}", ""},
		{"${MISSING-fallback}", "fallback"},
		{"${SET:+alt}", "alt"},
		{"${EMPTY:+alt}", ""},
		{"${EMPTY+alt}", "alt"},
		{"${MISSING+alt}", ""},
		{"${MISSING:-${SET}}", "x"},
	} {
		out, err := env.Substitute(tt.template)
		require.NoError(t, err, tt.template)
		require.Equal(t, tt.want, out, tt.template)
	}
}

func TestSubstituteFunctions(t *testing.T) {
	env := newTestEnv(map[string]string{"PLATFORM": "linux"})

	for _, tt := range []struct {
		template string
		want     string
	}{
		{"$(eq,${PLATFORM},linux)", "true"},
		{"$(ne,${PLATFORM},linux)", "false"},
		{"$(not,false)", "true"},
		{"$(or,false,true)", "true"},
		{"$(and,true,false)", "false"},
		{"$(if-then-else,$(eq,${PLATFORM},linux),gcc,clang)", "gcc"},
		{"$(match,libfoo.so.1,libfoo.so*)", "true"},
		{"$(strip,  padded  )", "padded"},
	} {
		out, err := env.Substitute(tt.template)
		require.NoError(t, err, tt.template)
		require.Equal(t, tt.want, out, tt.template)
	}
}

func TestSubstituteUnknownFunction(t *testing.T) {
	env := newTestEnv(nil)

	_, err := env.Substitute("$(frobnicate,x)")
	require.Error(t, err)
	require.Contains(t, err.Error(), "frobnicate")
}

func TestSubstitutePropNamesProperty(t *testing.T) {
	env := newTestEnv(nil)

	_, err := env.SubstituteProp("buildScript", "${MISSING}")
	require.Error(t, err)
	require.Contains(t, err.Error(), "buildScript")
}

func TestEvalCondition(t *testing.T) {
	env := newTestEnv(map[string]string{"ENABLE_DOCS": "0"})

	ok, err := env.EvalCondition("")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = env.EvalCondition("${ENABLE_DOCS}")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = env.EvalCondition("$(not,${ENABLE_DOCS})")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTouchedTracking(t *testing.T) {
	env := newTestEnv(map[string]string{"A": "1", "B": "2"})

	_, err := env.Substitute("${A} ${MISSING:-x}")
	require.NoError(t, err)

	touched := env.Touched()
	require.Equal(t, "=1", touched["A"])
	require.Equal(t, "?", touched["MISSING"])
	_, ok := touched["B"]
	require.False(t, ok)
}

func TestDeriveSharesTouched(t *testing.T) {
	env := newTestEnv(map[string]string{"A": "1"})
	child := env.Derive(map[string]string{"A": "2"})

	out, err := child.Substitute("${A}")
	require.NoError(t, err)
	require.Equal(t, "2", out)

	// the read through the child is visible on the parent's touched set
	require.Contains(t, env.Touched(), "A")
}

func TestDetachResetsTouched(t *testing.T) {
	env := newTestEnv(map[string]string{"A": "1"})
	_, _ = env.Substitute("${A}")

	detached := env.Detach()
	require.Empty(t, detached.Touched())
	require.Contains(t, env.Touched(), "A")
}
