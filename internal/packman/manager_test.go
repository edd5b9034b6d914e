package packman_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packfetch/packfetch/internal/events"
	"github.com/packfetch/packfetch/internal/integrity"
	"github.com/packfetch/packfetch/internal/packman"
	"github.com/packfetch/packfetch/internal/packreq/packreqtest"
	"github.com/packfetch/packfetch/internal/registry"
	"github.com/packfetch/packfetch/internal/transport/transporttest"
	"github.com/packfetch/packfetch/pkg/errclass"
	"github.com/packfetch/packfetch/pkg/metrics"
	"github.com/packfetch/packfetch/pkg/model"
)

// catalog publishes A (depends on B), B, C and the virtual bundle V (A, C).
func catalog(t *testing.T, fake *transporttest.Fake) *registry.Memory {
	t.Helper()
	reg := registry.New()
	add := func(name string, deps ...string) {
		data := packreqtest.Archive(t, name)
		crc := integrity.ChecksumBytes(data)
		fake.Serve(packreqtest.ArchiveURL(name), data)
		fake.Serve(packreqtest.SideFileURL(name), []byte(model.FormatCRC32(crc)))
		require.NoError(t, reg.Add(model.Pack{Name: name, CRC32FromDB: crc, Dependencies: deps}))
	}
	add("B")
	add("A", "B")
	add("C")
	require.NoError(t, reg.Add(model.Pack{Name: "V", Dependencies: []string{"A", "C"}}))
	return reg
}

func newManager(t *testing.T, dir string, cfg packman.Config) (*packman.Manager, *transporttest.Fake) {
	t.Helper()
	fake := transporttest.New()
	fake.AutoComplete = true
	reg := catalog(t, fake)

	cfg.RemoteURL = packreqtest.RemoteURL
	cfg.LocalDir = dir
	cfg.Tick = time.Millisecond
	m, err := packman.New(reg, cfg,
		packman.WithTransport(fake),
		packman.WithMetrics(metrics.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, fake
}

func packState(t *testing.T, m *packman.Manager, name string) model.Pack {
	t.Helper()
	for _, p := range m.Packs() {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("unknown pack %s", name)
	return model.Pack{}
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRequestPack_MountsDependencies(t *testing.T) {
	m, fake := newManager(t, t.TempDir(), packman.Config{})

	require.NoError(t, m.RequestPack("A", 1))
	require.NoError(t, m.Wait(waitCtx(t), "A"))

	assert.Equal(t, model.PackMounted, packState(t, m, "A").State)
	assert.Equal(t, model.PackMounted, packState(t, m, "B").State)
	data, err := m.FS().ReadFile("Data/A.txt")
	require.NoError(t, err)
	assert.Equal(t, "A", string(data))
	assert.True(t, m.FS().Exists("Data/B.txt"))
	assert.Empty(t, m.Queued())
	assert.Zero(t, fake.Live(), "no task records outlive a drained request")
}

func TestRequestPack_VirtualBundle(t *testing.T) {
	m, fake := newManager(t, t.TempDir(), packman.Config{})

	require.NoError(t, m.RequestPack("V", 1))
	require.NoError(t, m.Wait(waitCtx(t), "V"))

	for _, name := range []string{"A", "B", "C"} {
		assert.Equal(t, model.PackMounted, packState(t, m, name).State, name)
	}
	assert.Equal(t, model.PackRequested, packState(t, m, "V").State)
	assert.Zero(t, fake.Downloads(packreqtest.ArchiveURL("V")))
}

func TestRequestPack_Unknown(t *testing.T) {
	m, _ := newManager(t, t.TempDir(), packman.Config{})
	err := m.RequestPack("nope", 1)
	assert.True(t, errors.Is(err, errclass.ErrPackUnknown))
}

func TestRequestPack_AlreadyMountedIsNoop(t *testing.T) {
	m, fake := newManager(t, t.TempDir(), packman.Config{})
	require.NoError(t, m.RequestPack("C", 1))
	require.NoError(t, m.Wait(waitCtx(t), "C"))
	before := len(fake.Tasks())

	require.NoError(t, m.RequestPack("C", 1))
	assert.Empty(t, m.Queued())
	assert.Len(t, fake.Tasks(), before)
}

func TestRequestPack_QueuedRaisesPriority(t *testing.T) {
	m, fake := newManager(t, t.TempDir(), packman.Config{})
	fake.AutoComplete = false

	require.NoError(t, m.RequestPack("C", 1))
	require.NoError(t, m.RequestPack("C", 5))
	assert.Equal(t, []string{"C"}, m.Queued())
	assert.Equal(t, float32(5), packState(t, m, "C").Priority)
}

func TestChangePriority(t *testing.T) {
	m, fake := newManager(t, t.TempDir(), packman.Config{})
	fake.AutoComplete = false

	err := m.ChangePriority("C", 3)
	assert.True(t, errors.Is(err, errclass.ErrNotQueued))

	require.NoError(t, m.RequestPack("A", 1))
	require.NoError(t, m.RequestPack("C", 0.5))
	assert.Equal(t, []string{"A", "C"}, m.Queued())

	require.NoError(t, m.ChangePriority("C", 2))
	assert.Equal(t, "C", m.Queued()[0])
}

func TestWait_ReportsFailures(t *testing.T) {
	m, fake := newManager(t, t.TempDir(), packman.Config{})
	fake.FailURL(packreqtest.ArchiveURL("B"), model.DownloadErrContentNotFound)

	require.NoError(t, m.RequestPack("A", 1))
	err := m.Wait(waitCtx(t), "A")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errclass.ErrDependencyFailed))
	assert.Contains(t, err.Error(), "can't load (A) pack because dependent (B) pack error")

	assert.Equal(t, model.PackErrorLoading, packState(t, m, "B").State)
	assert.Equal(t, model.DownloadErrContentNotFound, packState(t, m, "B").DownloadError)
	assert.Equal(t, model.PackOtherError, packState(t, m, "A").State)
}

func TestWait_ContextCancelled(t *testing.T) {
	m, fake := newManager(t, t.TempDir(), packman.Config{})
	fake.AutoComplete = false
	require.NoError(t, m.RequestPack("C", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Wait(ctx, "C")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPauseResume(t *testing.T) {
	m, fake := newManager(t, t.TempDir(), packman.Config{})
	m.Pause()
	assert.False(t, m.IsProcessingEnabled())

	require.NoError(t, m.RequestPack("C", 1))
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Update())
	}
	assert.Empty(t, fake.Tasks())
	assert.Equal(t, model.PackRequested, packState(t, m, "C").State)

	m.Resume()
	require.NoError(t, m.Wait(waitCtx(t), "C"))
	assert.Equal(t, model.PackMounted, packState(t, m, "C").State)
}

func TestPause_CancelsActiveDownload(t *testing.T) {
	m, fake := newManager(t, t.TempDir(), packman.Config{})
	fake.AutoComplete = false

	require.NoError(t, m.RequestPack("C", 1))
	require.NoError(t, m.Update())
	require.Len(t, fake.Running(), 1)

	m.Pause()
	assert.Empty(t, fake.Running())
	last, ok := fake.Last(packreqtest.SideFileURL("C"))
	require.True(t, ok)
	assert.True(t, last.Cancelled)
}

func TestRun(t *testing.T) {
	m, _ := newManager(t, t.TempDir(), packman.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, time.Millisecond) }()

	require.NoError(t, m.RequestPack("A", 1))
	require.Eventually(t, func() bool {
		return packState(t, m, "A").State == model.PackMounted
	}, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSubscribe(t *testing.T) {
	m, _ := newManager(t, t.TempDir(), packman.Config{})
	rec := &events.Recorder{}
	unsubscribe := m.Subscribe(rec.Listen)
	defer unsubscribe()

	require.NoError(t, m.RequestPack("C", 1))
	require.NoError(t, m.Wait(waitCtx(t), "C"))
	assert.Equal(t, []model.PackState{model.PackRequested, model.PackDownloading, model.PackMounted}, rec.States("C"))
}

func TestDirLock_SecondManagerFails(t *testing.T) {
	dir := t.TempDir()
	newManager(t, dir, packman.Config{})

	_, err := packman.New(registry.New(), packman.Config{LocalDir: dir})
	assert.True(t, errors.Is(err, errclass.ErrLockConflict))
}

func TestNew_RequiresLocalDir(t *testing.T) {
	_, err := packman.New(registry.New(), packman.Config{})
	assert.Error(t, err)
}

func TestMountLocal_AfterRestart(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state.yaml")

	m, _ := newManager(t, dir, packman.Config{StateFile: state})
	require.NoError(t, m.RequestPack("A", 1))
	require.NoError(t, m.Wait(waitCtx(t), "A"))
	require.NoError(t, m.Close())

	m2, fake := newManager(t, dir, packman.Config{StateFile: state})
	mounted, err := m2.MountLocal()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, mounted)
	assert.True(t, m2.FS().Exists("Data/A.txt"))
	assert.Empty(t, fake.Tasks())

	// already mounted: nothing to download
	require.NoError(t, m2.RequestPack("A", 1))
	assert.Empty(t, m2.Queued())
}

func TestMountLocal_SkipsTamperedArchive(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state.yaml")

	m, _ := newManager(t, dir, packman.Config{StateFile: state})
	require.NoError(t, m.RequestPack("C", 1))
	require.NoError(t, m.Wait(waitCtx(t), "C"))
	require.NoError(t, m.Close())

	require.NoError(t, writeFile(filepath.Join(dir, "C"), "garbage"))

	m2, _ := newManager(t, dir, packman.Config{StateFile: state})
	mounted, err := m2.MountLocal()
	require.NoError(t, err)
	assert.Empty(t, mounted)
	assert.Equal(t, model.PackNotRequested, packState(t, m2, "C").State)
}

func TestJournal(t *testing.T) {
	dir := t.TempDir()
	m, _ := newManager(t, dir, packman.Config{Journal: filepath.Join(dir, "journal.jsonl")})

	require.NoError(t, m.RequestPack("C", 1))
	require.NoError(t, m.Wait(waitCtx(t), "C"))

	require.NotNil(t, m.Journal())
	n, err := m.Journal().VerifyChain()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 3)
}

func TestClose_Idempotent(t *testing.T) {
	m, _ := newManager(t, t.TempDir(), packman.Config{})
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Error(t, m.RequestPack("C", 1))
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}
