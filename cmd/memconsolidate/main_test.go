package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	root := buildRootCommand()
	for _, name := range []string{"run", "check-end", "watch", "metrics", "categories", "messages"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestParsePairs(t *testing.T) {
	pairs, err := parsePairs([]string{"u1:p1", " u2 : p2 "})
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"u1", "p1"}, {"u2", "p2"}}, pairs)

	for _, bad := range []string{"u1", ":p1", "u1:", ""} {
		_, err := parsePairs([]string{bad})
		assert.Error(t, err, bad)
	}
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"log": {"level": "error"}}`), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCategoriesListUsesDefaultTaxonomy(t *testing.T) {
	out, err := execute(t, "--config", writeConfig(t), "categories", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "gustos.musica\n")
	assert.Contains(t, out, "historia_personal.miedos\n")
}

func TestCheckEndWithoutHistory(t *testing.T) {
	out, err := execute(t, "--config", writeConfig(t), "check-end", "-u", "u1", "-p", "p1")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, `"ended": true`))
	assert.Contains(t, out, `"reason": "no_session"`)
}

func TestRunRequiresAnalysisProvider(t *testing.T) {
	_, err := execute(t, "--config", writeConfig(t), "run", "-u", "u1", "-p", "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analysis provider is required")
}
