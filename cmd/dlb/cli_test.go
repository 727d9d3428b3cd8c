package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"--env-file", ""}, args...))
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func setupEnv(t *testing.T) {
	t.Setenv("DLB_STORAGE", "file")
	t.Setenv("DLB_DATA_DIR", t.TempDir())
	t.Setenv("DLB_DIALOGUES_DIR", filepath.Join("..", "..", "testdata", "dialogues"))
	t.Setenv("DLB_LOG_LEVEL", "error")
}

func TestParseAssignments(t *testing.T) {
	values, err := parseAssignments([]string{"age=42", "name=Alice", `tags=["a"]`, "gone="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"age":  float64(42),
		"name": "Alice",
		"tags": []any{"a"},
		"gone": nil,
	}, values)

	_, err = parseAssignments([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseAssignments([]string{"=1"})
	assert.Error(t, err)
}

func TestVariablesRoundTrip(t *testing.T) {
	setupEnv(t)

	run(t, "variables", "set", "alice", "userName=Alice", "score=3", "--time-zone", "Europe/Amsterdam")
	out := run(t, "variables", "get", "alice", "userName")
	assert.Contains(t, out, `"Alice"`)
	assert.Contains(t, out, `"Europe/Amsterdam"`)
	assert.NotContains(t, out, "score")
}

func TestSessionLsEmpty(t *testing.T) {
	setupEnv(t)
	assert.Contains(t, run(t, "session", "ls", "nobody"), "No sessions found.")
}

func TestDialogues(t *testing.T) {
	setupEnv(t)
	assert.Equal(t, "greeting\n", run(t, "dialogues"))
}

func TestVersion(t *testing.T) {
	assert.Contains(t, run(t, "version"), "dlb version dev")
}

func TestServeRequiresSecret(t *testing.T) {
	setupEnv(t)
	t.Setenv("DLB_JWT_SECRET", "")
	rootCmd.SetArgs([]string{"--env-file", "", "serve"})
	assert.ErrorContains(t, rootCmd.Execute(), "DLB_JWT_SECRET")
}
