package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "st-util.ini")
	require.NoError(t, os.WriteFile(path, []byte("[DEFAULT]\ntransport = ftdi\nlisten_port = 4243\nmulti = true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ftdi", cfg.Transport)
	assert.Equal(t, 4243, cfg.ListenPort)
	assert.True(t, cfg.Multi)
}

func TestLoadExplicitPathMissingErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.ini"))
	assert.Error(t, err)
}

func TestLoadNoFileReturnsZeroValue(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Transport)
}
