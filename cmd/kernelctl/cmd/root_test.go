package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func manifestDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "core.yaml", `
name: core
version: 1.0.0
entry_point: builtin/core
`)
	writeFile(t, dir, "app.yaml", `
name: app
version: 1.0.0
entry_point: builtin/app
dependencies:
  - name: core
`)
	return dir
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := manifestDir(t)
	out, err := runCommand(t, "validate", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "2 manifests valid")
}

func TestValidateCommandRejectsBadManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", `
name: bad
version: not-semver
entry_point: builtin/bad
`)
	_, err := runCommand(t, "validate", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "semantic version")
}

func TestValidateCommandExclusiveCapabilities(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"one", "two"} {
		writeFile(t, dir, name+".yaml", `
name: `+name+`
version: 1.0.0
entry_point: builtin/x
capabilities:
  - primary
`)
	}
	_, err := runCommand(t, "validate", "--exclusive", "primary", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capability conflict")
}

func TestResolveCommandPrintsOrder(t *testing.T) {
	dir := manifestDir(t)
	out, err := runCommand(t, "resolve", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "1. core")
	assert.Contains(t, out, "2. app")
}

func TestResolveCommandReportsCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", `
name: a
version: 1.0.0
entry_point: builtin/a
dependencies:
  - name: b
`)
	writeFile(t, dir, "b.yaml", `
name: b
version: 1.0.0
entry_point: builtin/b
dependencies:
  - name: a
`)
	_, err := runCommand(t, "resolve", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a -> b -> a")
}

func TestResolveCommandEmptyDir(t *testing.T) {
	_, err := runCommand(t, "resolve", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no manifest files")
}
