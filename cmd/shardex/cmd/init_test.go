package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/shardex/configs"
)

func TestInitCmd_WritesTemplate(t *testing.T) {
	// Given: an empty directory
	dir := t.TempDir()

	// When: running init for it
	out, err := runRoot(t, "init", dir)

	// Then: the template is written
	require.NoError(t, err)
	assert.Contains(t, out, "Created")
	data, err := os.ReadFile(filepath.Join(dir, ".shardex.yaml"))
	require.NoError(t, err)
	assert.Equal(t, configs.ProjectConfigTemplate, string(data))
}

func TestInitCmd_PreservesExisting(t *testing.T) {
	// Given: a directory with a .shardex.yml
	dir := t.TempDir()
	existing := filepath.Join(dir, ".shardex.yml")
	require.NoError(t, os.WriteFile(existing, []byte("version: 1\n"), 0o644))

	// When: running init without --force
	out, err := runRoot(t, "init", dir)

	// Then: nothing is written
	require.NoError(t, err)
	assert.Contains(t, out, "preserved")
	assert.NoFileExists(t, filepath.Join(dir, ".shardex.yaml"))
}

func TestInitCmd_Force(t *testing.T) {
	// Given: an existing .shardex.yaml
	dir := t.TempDir()
	path := filepath.Join(dir, ".shardex.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0o644))

	// When: running init with --force
	_, err := runRoot(t, "init", "--force", dir)

	// Then: the template replaces it
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, configs.ProjectConfigTemplate, string(data))
}
