package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getProjectRoot returns the absolute path to the project root.
func getProjectRoot(t *testing.T) string {
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	t.Fatal("go.mod not found")
	return ""
}

func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping build test in short mode")
	}
	binPath := filepath.Join(t.TempDir(), "packfetch")
	buildCmd := exec.Command("go", "build", "-o", binPath, ".")
	buildCmd.Dir = filepath.Join(getProjectRoot(t), "cmd", "packfetch")
	output, err := buildCmd.CombinedOutput()
	require.NoError(t, err, "build failed: %s", string(output))
	return binPath
}

func TestMainHelpFlag(t *testing.T) {
	bin := buildBinary(t)

	out, err := exec.Command(bin, "--help").CombinedOutput()
	require.NoError(t, err)
	assert.Contains(t, string(out), "packfetch")
	assert.Contains(t, string(out), "fetch")
}

func TestMainUnknownCommand(t *testing.T) {
	bin := buildBinary(t)

	out, err := exec.Command(bin, "unknown-command-xyz").CombinedOutput()
	assert.Error(t, err)
	assert.Contains(t, strings.ToLower(string(out)), "unknown")
}

func TestMainConfigRoundTrip(t *testing.T) {
	bin := buildBinary(t)
	dir := t.TempDir()

	cmd := exec.Command(bin, "config", "set", "stall_timeout", "30s")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	assert.FileExists(t, filepath.Join(dir, "packfetch.yaml"))

	cmd = exec.Command(bin, "config", "get", "stall_timeout")
	cmd.Dir = dir
	out, err = cmd.CombinedOutput()
	require.NoError(t, err)
	assert.Equal(t, "30s", strings.TrimSpace(string(out)))
}

func TestMainEnvOverride(t *testing.T) {
	bin := buildBinary(t)

	cmd := exec.Command(bin, "config", "get", "remote_url")
	cmd.Dir = t.TempDir()
	cmd.Env = append(os.Environ(), "PACKFETCH_REMOTE_URL=https://cdn.example.com/")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/", strings.TrimSpace(string(out)))
}

func TestMainEntryPoints(t *testing.T) {
	_ = main
}
