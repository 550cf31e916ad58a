package taskmanifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesTopLevelAndNestedTables(t *testing.T) {
	path := writeManifest(t, `
name = "hello-world"
timeout_seconds = 1800

[environment]
docker_image = "base:latest"
`)

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hello-world", m["name"])

	env, ok := m["environment"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "base:latest", env["docker_image"])
}

func TestSetDockerImageCreatesEnvironmentTableWhenAbsent(t *testing.T) {
	path := writeManifest(t, `name = "hello-world"`)

	m, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, m.SetDockerImage(path, "hb__hello_world:latest"))

	reloaded, err := Load(path)
	require.NoError(t, err)
	env, ok := reloaded["environment"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hb__hello_world:latest", env["docker_image"])
	assert.Equal(t, "hello-world", reloaded["name"], "unrelated keys must survive the rewrite")
}

func TestSetDockerImagePreservesUnknownKeysInEnvironmentTable(t *testing.T) {
	path := writeManifest(t, `
[environment]
base_image = "ubuntu:22.04"
build_args = ["ARG1=1"]
`)

	m, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, m.SetDockerImage(path, "hb__task:latest"))

	reloaded, err := Load(path)
	require.NoError(t, err)
	env := reloaded["environment"].(map[string]any)
	assert.Equal(t, "ubuntu:22.04", env["base_image"])
	assert.Equal(t, "hb__task:latest", env["docker_image"])
	assert.NotNil(t, env["build_args"])
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
