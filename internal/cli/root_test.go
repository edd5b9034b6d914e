package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packfetch/packfetch/internal/integrity"
	"github.com/packfetch/packfetch/internal/vfs/vfstest"
	"github.com/packfetch/packfetch/pkg/config"
	"github.com/packfetch/packfetch/pkg/model"
)

func executeCommand(args ...string) (string, error) {
	jsonOutput = false
	configPath = config.DefaultFile
	fetchPriority = 1
	fetchNoProgress = false
	verifyJournal = false
	serveMetricsAddr = ""
	doctorStrict = false
	doctorFix = false

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

type workspace struct {
	dir      string
	remote   string
	localDir string
	config   string
}

// setupWorkspace publishes packs A (depends on B) and B over HTTP, plus a
// virtual bundle V, and writes a manifest and config pointing at them.
func setupWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	w := &workspace{
		dir:      dir,
		remote:   filepath.Join(dir, "remote"),
		localDir: filepath.Join(dir, "packs"),
		config:   filepath.Join(dir, "packfetch.yaml"),
	}
	require.NoError(t, os.MkdirAll(w.remote, 0755))

	var manifest strings.Builder
	manifest.WriteString("packs:\n")
	for _, p := range []struct{ name, deps string }{{"B", ""}, {"A", "[B]"}} {
		data := vfstest.Zip(t, map[string]string{p.name + ".txt": p.name})
		crc := model.FormatCRC32(integrity.ChecksumBytes(data))
		require.NoError(t, os.WriteFile(filepath.Join(w.remote, p.name), data, 0644))
		require.NoError(t, os.WriteFile(filepath.Join(w.remote, integrity.SideFileName(p.name)), []byte(crc), 0644))
		manifest.WriteString("  - name: " + p.name + "\n    crc32: \"" + crc + "\"\n")
		if p.deps != "" {
			manifest.WriteString("    dependencies: " + p.deps + "\n")
		}
	}
	manifest.WriteString("  - name: V\n    dependencies: [A]\n")
	manifestPath := filepath.Join(dir, "packs.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest.String()), 0644))

	srv := httptest.NewServer(http.FileServer(http.Dir(w.remote)))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.RemoteURL = srv.URL
	cfg.LocalDir = w.localDir
	cfg.Manifest = manifestPath
	cfg.StateFile = filepath.Join(w.localDir, "state.yaml")
	cfg.Journal = filepath.Join(dir, "journal.jsonl")
	cfg.TickInterval = "1ms"
	cfg.Logging.Level = "error"
	require.NoError(t, config.Save(w.config, cfg))
	return w
}

func TestRootCommand_Help(t *testing.T) {
	stdout, err := executeCommand("--help")
	require.NoError(t, err)
	assert.Contains(t, stdout, "asset packs")
}

func TestFetch_MountsPackAndDependencies(t *testing.T) {
	w := setupWorkspace(t)

	stdout, err := executeCommand("--config", w.config, "fetch", "--no-progress", "A:5")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Mounted A")

	for _, name := range []string{"A", "A.hash", "B", "B.hash", "state.yaml"} {
		assert.FileExists(t, filepath.Join(w.localDir, name))
	}

	stdout, err = executeCommand("--config", w.config, "--json", "status")
	require.NoError(t, err)
	var report StatusReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.False(t, report.Locked)
	require.Len(t, report.Packs, 3)
	byName := map[string]PackStatus{}
	for _, p := range report.Packs {
		byName[p.Name] = p
	}
	assert.Equal(t, "mounted", byName["A"].State)
	assert.Equal(t, "mounted", byName["B"].State)
	assert.True(t, byName["A"].Local)
	assert.True(t, byName["V"].Virtual)

	stdout, err = executeCommand("--config", w.config, "verify", "--journal")
	require.NoError(t, err)
	assert.Contains(t, stdout, "A  OK")
	assert.Contains(t, stdout, "B  OK")
	assert.Contains(t, stdout, "journal  OK")
}

func TestFetch_SecondRunUsesLocalPacks(t *testing.T) {
	w := setupWorkspace(t)
	_, err := executeCommand("--config", w.config, "fetch", "--no-progress", "A")
	require.NoError(t, err)

	// the remote is gone; the mounted state comes from the local files
	require.NoError(t, os.RemoveAll(w.remote))
	stdout, err := executeCommand("--config", w.config, "fetch", "--no-progress", "A")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Mounted A")
}

func TestFetch_VirtualBundleJSON(t *testing.T) {
	w := setupWorkspace(t)

	stdout, err := executeCommand("--config", w.config, "--json", "fetch", "V")
	require.NoError(t, err)
	var packs []model.Pack
	require.NoError(t, json.Unmarshal([]byte(stdout), &packs))
	states := map[string]model.PackState{}
	for _, p := range packs {
		states[p.Name] = p.State
	}
	assert.Equal(t, model.PackMounted, states["A"])
	assert.Equal(t, model.PackMounted, states["B"])
	assert.Equal(t, model.PackRequested, states["V"])
}

func TestFetch_DependencyFailure(t *testing.T) {
	w := setupWorkspace(t)
	require.NoError(t, os.Remove(filepath.Join(w.remote, "B")))

	_, err := executeCommand("--config", w.config, "fetch", "--no-progress", "A")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't load (A) pack because dependent (B) pack error")
}

func TestFetch_UnknownPack(t *testing.T) {
	w := setupWorkspace(t)
	_, err := executeCommand("--config", w.config, "fetch", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown pack")
}

func TestVerify_DetectsTampering(t *testing.T) {
	w := setupWorkspace(t)
	_, err := executeCommand("--config", w.config, "fetch", "--no-progress", "A")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(w.localDir, "B"), []byte("garbage"), 0644))
	stdout, err := executeCommand("--config", w.config, "verify")
	require.ErrorIs(t, err, errTampered)
	assert.Contains(t, stdout, "A  OK")
	assert.Contains(t, stdout, "B  TAMPERED")

	stdout, err = executeCommand("--config", w.config, "--json", "verify", "A")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"checksum_valid": true`)
}

func TestDoctor_AfterFetch(t *testing.T) {
	w := setupWorkspace(t)
	_, err := executeCommand("--config", w.config, "fetch", "--no-progress", "A")
	require.NoError(t, err)

	stdout, err := executeCommand("--config", w.config, "doctor", "--strict")
	require.NoError(t, err)
	assert.Contains(t, stdout, "healthy")

	require.NoError(t, os.WriteFile(filepath.Join(w.localDir, "A.part"), []byte("x"), 0644))
	stdout, err = executeCommand("--config", w.config, "doctor", "--fix")
	require.NoError(t, err)
	assert.Contains(t, stdout, "interrupted download: A")
	assert.NoFileExists(t, filepath.Join(w.localDir, "A.part"))
}

func TestStatus_Table(t *testing.T) {
	w := setupWorkspace(t)
	stdout, err := executeCommand("--config", w.config, "status")
	require.NoError(t, err)
	assert.Contains(t, stdout, "PACK")
	assert.Contains(t, stdout, "virtual")
	assert.NotContains(t, stdout, "locked:")
}

func TestConfig_SetGetShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packfetch.yaml")

	stdout, err := executeCommand("--config", path, "config", "set", "remote_url", "https://cdn.example.com/packs/")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Set remote_url")

	stdout, err = executeCommand("--config", path, "config", "get", "remote_url")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/packs/\n", stdout)

	stdout, err = executeCommand("--config", path, "config", "get", "journal")
	require.NoError(t, err)
	assert.Contains(t, stdout, "(not set)")

	stdout, err = executeCommand("--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, stdout, "remote_url: https://cdn.example.com/packs/")

	_, err = executeCommand("--config", path, "config", "set", "remote_url", "ftp://nope")
	assert.Error(t, err)
	_, err = executeCommand("--config", path, "config", "get", "nope")
	assert.Error(t, err)
}

func TestParsePackArg(t *testing.T) {
	name, prio, err := parsePackArg("maps", 1)
	require.NoError(t, err)
	assert.Equal(t, "maps", name)
	assert.Equal(t, float32(1), prio)

	name, prio, err = parsePackArg("maps:2.5", 1)
	require.NoError(t, err)
	assert.Equal(t, "maps", name)
	assert.Equal(t, float32(2.5), prio)

	_, _, err = parsePackArg("maps:high", 1)
	assert.Error(t, err)
	_, _, err = parsePackArg(":3", 1)
	assert.Error(t, err)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 MiB", formatBytes(2*1024*1024))
}

func TestWebhookConfig(t *testing.T) {
	cfg := config.Default()
	assert.Nil(t, webhookConfig(cfg))

	cfg.Webhook.URL = "https://hooks.example.com/packs"
	wc := webhookConfig(cfg)
	require.NotNil(t, wc)
	require.Len(t, wc.Hooks, 1)
	assert.Equal(t, "*", string(wc.Hooks[0].Events[0]))

	cfg.Webhook.Events = []string{"pack.failed"}
	wc = webhookConfig(cfg)
	assert.Equal(t, "pack.failed", string(wc.Hooks[0].Events[0]))
}

func TestRenderTable(t *testing.T) {
	out := renderTable([][]string{{"PACK", "STATE"}, {"maps", "mounted"}, {"a", "requested"}}, nil)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Index(lines[0], "STATE"), strings.Index(lines[1], "mounted"))
	assert.Equal(t, strings.Index(lines[1], "mounted"), strings.Index(lines[2], "requested"))
}
