package queue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packfetch/packfetch/internal/events"
	"github.com/packfetch/packfetch/internal/packreq/packreqtest"
	"github.com/packfetch/packfetch/internal/queue"
	"github.com/packfetch/packfetch/pkg/errclass"
	"github.com/packfetch/packfetch/pkg/model"
)

func newQueue(t *testing.T) (*queue.Queue, *packreqtest.Fixture) {
	t.Helper()
	f := packreqtest.New(t)
	return queue.New(f.Env), f
}

func drain(t *testing.T, q *queue.Queue) error {
	t.Helper()
	return packreqtest.Drive(t, 200, q.Update, func() bool { return q.Len() == 0 })
}

// assertSingleLoader checks that at most one SubRequest queue-wide is
// downloading and that it belongs to the top request.
func assertSingleLoader(t *testing.T, q *queue.Queue) {
	t.Helper()
	loading := 0
	for _, name := range q.Names() {
		req, err := q.Find(name)
		require.NoError(t, err)
		for _, sub := range req.Dependencies() {
			if sub.Status.IsLoading() {
				loading++
				assert.Equal(t, q.Top().Name(), name, "loader must be the top request")
			}
		}
	}
	assert.LessOrEqual(t, loading, 1)
}

func TestPush_SetsStateAndEmits(t *testing.T) {
	q, f := newQueue(t)
	f.AddPack(t, "A")

	require.NoError(t, q.Push("A", 1.5))

	p := f.Pack(t, "A")
	assert.Equal(t, model.PackRequested, p.State)
	assert.Equal(t, float32(1.5), p.Priority)
	assert.True(t, q.IsInQueue("A"))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, "A", q.Active())

	evs := f.Events.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, model.ChangeState, evs[0].Kind)
	assert.Equal(t, model.PackRequested, evs[0].Pack.State)
	assert.Equal(t, model.ChangePriority, evs[1].Kind)
}

func TestPush_Twice(t *testing.T) {
	q, f := newQueue(t)
	f.AddPack(t, "A")
	require.NoError(t, q.Push("A", 1))
	before := len(f.Events.Events())

	err := q.Push("A", 9)
	require.ErrorIs(t, err, errclass.ErrAlreadyQueued)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, float32(1), f.Pack(t, "A").Priority)
	assert.Len(t, f.Events.Events(), before)
}

func TestPush_ResolutionErrorsLeaveQueueUnchanged(t *testing.T) {
	q, f := newQueue(t)
	f.AddPack(t, "A", "B")
	f.AddPack(t, "B", "A")

	require.ErrorIs(t, q.Push("A", 1), errclass.ErrDependencyCycle)
	require.ErrorIs(t, q.Push("nope", 1), errclass.ErrPackUnknown)
	assert.Zero(t, q.Len())
	assert.Empty(t, f.Events.Events())
	assert.Equal(t, model.PackNotRequested, f.Pack(t, "A").State)
}

func TestScenario_SinglePack(t *testing.T) {
	q, f := newQueue(t)
	f.Transport.AutoComplete = true
	f.AddPack(t, "A")

	require.NoError(t, q.Push("A", 1))
	require.NoError(t, drain(t, q))

	p := f.Pack(t, "A")
	assert.Equal(t, model.PackMounted, p.State)
	assert.Equal(t, float32(1), p.DownloadProgress)
	assert.Equal(t, []model.PackState{
		model.PackRequested, model.PackDownloading, model.PackMounted,
	}, f.Events.States("A"))
	assert.True(t, f.FS.Exists("Data/A.txt"))
	assert.Empty(t, f.Owners.Claimed())
}

func TestScenario_VirtualRoot(t *testing.T) {
	q, f := newQueue(t)
	f.Transport.AutoComplete = true
	f.AddVirtual(t, "B", "A")
	f.AddPack(t, "A")

	require.NoError(t, q.Push("B", 1))
	req, err := q.Find("B")
	require.NoError(t, err)
	deps := req.Dependencies()
	require.Len(t, deps, 1)
	assert.Equal(t, "A", deps[0].Pack)

	require.NoError(t, drain(t, q))
	assert.Equal(t, model.PackMounted, f.Pack(t, "A").State)
	assert.False(t, q.IsInQueue("B"))
	assert.Zero(t, f.Transport.Downloads(packreqtest.ArchiveURL("B")))
	assert.Zero(t, f.Transport.Downloads(packreqtest.SideFileURL("B")))
	assert.Equal(t, []model.PackState{model.PackRequested}, f.Events.States("B"))
}

func TestScenario_ChecksumMismatch(t *testing.T) {
	q, f := newQueue(t)
	f.Transport.AutoComplete = true
	f.AddPack(t, "A")
	f.Pack(t, "A").CRC32FromDB = 111

	require.NoError(t, q.Push("A", 1))
	err := drain(t, q)
	require.ErrorIs(t, err, errclass.ErrChecksumMismatch)

	assert.Zero(t, q.Len(), "failed request is popped")
	assert.Equal(t, model.PackOtherError, f.Pack(t, "A").State)
	assert.Empty(t, f.FS.Mounted())
}

func TestScenario_DependencyFailureFailsRoot(t *testing.T) {
	q, f := newQueue(t)
	f.Transport.AutoComplete = true
	f.AddPack(t, "R", "D")
	f.AddPack(t, "D")
	f.Transport.FailURL(packreqtest.SideFileURL("D"), model.DownloadErrContentNotFound)

	require.NoError(t, q.Push("R", 1))
	require.NoError(t, drain(t, q))

	d := f.Pack(t, "D")
	assert.Equal(t, model.PackErrorLoading, d.State)
	r := f.Pack(t, "R")
	assert.Equal(t, model.PackOtherError, r.State)
	assert.Equal(t, "can't load (R) pack because dependent (D) pack error: can't load CRC32 file for pack: D", r.OtherErrorMsg)
	assert.Equal(t, []model.PackState{model.PackRequested, model.PackOtherError}, f.Events.States("R"))
	assert.Zero(t, f.Transport.Downloads(packreqtest.SideFileURL("R")))

	evs := f.Events.Events()
	last := evs[len(evs)-1]
	assert.Equal(t, "R", last.Pack.Name, "root event comes after the dependency's")
}

func TestScenario_RootFailurePopsWithoutExtraEvent(t *testing.T) {
	q, f := newQueue(t)
	f.Transport.AutoComplete = true
	f.AddPack(t, "A")
	f.Transport.FailURL(packreqtest.ArchiveURL("A"), model.DownloadErrCouldntResolveHost)

	require.NoError(t, q.Push("A", 1))
	require.NoError(t, drain(t, q))

	assert.Equal(t, model.PackErrorLoading, f.Pack(t, "A").State)
	assert.Equal(t, []model.PackState{
		model.PackRequested, model.PackDownloading, model.PackErrorLoading,
	}, f.Events.States("A"))
}

func TestScenario_PreemptionByHigherPriority(t *testing.T) {
	q, f := newQueue(t)
	f.AddPack(t, "A")
	f.AddPack(t, "C")

	require.NoError(t, q.Push("A", 1))
	require.NoError(t, q.Update())
	running := f.Transport.Running()
	require.Len(t, running, 1)
	assert.Equal(t, packreqtest.SideFileURL("A"), running[0].URL)

	require.NoError(t, q.Push("C", 5))
	assert.Equal(t, "C", q.Active())
	assert.Equal(t, "C", q.Top().Name())
	last, _ := f.Transport.Last(packreqtest.SideFileURL("A"))
	assert.True(t, last.Cancelled)
	a, _ := q.Find("A")
	cur, _ := a.Current()
	assert.Equal(t, model.SubRequestWait, cur.Status)
	assertSingleLoader(t, q)

	require.NoError(t, q.Update())
	running = f.Transport.Running()
	require.Len(t, running, 1)
	assert.Equal(t, packreqtest.SideFileURL("C"), running[0].URL)
	assertSingleLoader(t, q)
}

func TestUpdatePriority_RaiseAboveTop(t *testing.T) {
	q, f := newQueue(t)
	f.AddPack(t, "A")
	f.AddPack(t, "C")

	require.NoError(t, q.Push("A", 1))
	require.NoError(t, q.Push("C", 5))
	require.NoError(t, q.Update())
	require.Len(t, f.Transport.Running(), 1)

	q.UpdatePriority("A", 10)
	assert.Equal(t, "A", q.Top().Name())
	assert.Equal(t, "A", q.Active())
	assert.Equal(t, float32(10), f.Pack(t, "A").Priority)
	last, _ := f.Transport.Last(packreqtest.SideFileURL("C"))
	assert.True(t, last.Cancelled)
	assert.Empty(t, f.Transport.Running())

	require.NoError(t, q.Update())
	running := f.Transport.Running()
	require.Len(t, running, 1)
	assert.Equal(t, packreqtest.SideFileURL("A"), running[0].URL)
}

func TestUpdatePriority_Noops(t *testing.T) {
	q, f := newQueue(t)
	f.AddPack(t, "A")
	require.NoError(t, q.Push("A", 1))
	before := len(f.Events.Events())

	q.UpdatePriority("A", 1)
	q.UpdatePriority("missing", 3)
	assert.Len(t, f.Events.Events(), before)
}

func TestUpdatePriority_LowerKeepsOrder(t *testing.T) {
	q, f := newQueue(t)
	f.AddPack(t, "A")
	f.AddPack(t, "B")
	require.NoError(t, q.Push("A", 5))
	require.NoError(t, q.Push("B", 3))

	q.UpdatePriority("A", 1)
	assert.Equal(t, "A", q.Top().Name(), "priority is never lowered")
	assert.Equal(t, float32(5), f.Pack(t, "A").Priority)
}

func TestTies_FIFO(t *testing.T) {
	q, f := newQueue(t)
	f.Transport.AutoComplete = true
	for _, name := range []string{"A", "B", "C"} {
		f.AddPack(t, name)
	}
	require.NoError(t, q.Push("A", 1))
	require.NoError(t, q.Push("B", 1))
	require.NoError(t, q.Push("C", 1))
	assert.Equal(t, "A", q.Top().Name())
	assert.Equal(t, "A", q.Active())

	var mounted []string
	f.Bus.Subscribe(func(ev events.Event) {
		if ev.Kind == model.ChangeState && ev.Pack.State == model.PackMounted {
			mounted = append(mounted, ev.Pack.Name)
		}
	})
	require.NoError(t, drain(t, q))
	assert.Equal(t, []string{"A", "B", "C"}, mounted)
}

func TestSingleLoaderInvariant(t *testing.T) {
	q, f := newQueue(t)
	f.AddPack(t, "X")
	f.AddPack(t, "A", "X")
	f.AddPack(t, "B")
	f.AddVirtual(t, "V", "B", "X")
	f.AddPack(t, "C")

	step := func(op func()) {
		op()
		assertSingleLoader(t, q)
	}
	update := func() { require.NoError(t, q.Update()) }
	completeRunning := func() {
		for _, task := range f.Transport.Running() {
			require.NoError(t, f.Transport.Complete(task.URL))
		}
	}

	step(func() { require.NoError(t, q.Push("A", 1)) })
	step(update)
	step(func() { require.NoError(t, q.Push("V", 2)) })
	step(update)
	step(completeRunning)
	step(update)
	step(func() { require.NoError(t, q.Push("C", 3)) })
	step(update)
	step(func() { q.UpdatePriority("A", 4) })
	step(update)
	for i := 0; i < 100 && q.Len() > 0; i++ {
		step(completeRunning)
		step(update)
	}
	assert.Zero(t, q.Len())
	for _, name := range []string{"X", "A", "B", "C"} {
		assert.Equal(t, model.PackMounted, f.Pack(t, name).State, name)
	}
	assert.Equal(t, 1, completedDownloads(f, packreqtest.ArchiveURL("X")), "shared dependency fetched once")
}

func TestPreemptVerifiedHolder_SharedPack(t *testing.T) {
	q, f := newQueue(t)
	f.AddPack(t, "A")
	f.AddPack(t, "B", "A")

	require.NoError(t, q.Push("A", 1))
	require.NoError(t, q.Update())
	require.NoError(t, f.Transport.Complete(packreqtest.SideFileURL("A")))
	require.NoError(t, q.Update())
	require.NoError(t, f.Transport.Complete(packreqtest.ArchiveURL("A")))
	require.NoError(t, q.Update())
	reqA, err := q.Find("A")
	require.NoError(t, err)
	cur, _ := reqA.Current()
	require.Equal(t, model.SubRequestCheckCRC32, cur.Status)

	require.NoError(t, q.Push("B", 5))
	assert.Equal(t, "B", q.Top().Name())
	require.NoError(t, q.Update())
	holder, ok := f.Owners.Holder("A")
	require.True(t, ok)
	assert.Equal(t, "B", holder, "the top request takes over the shared pack")

	require.NoError(t, f.Transport.Complete(packreqtest.SideFileURL("A")))
	f.Transport.AutoComplete = true
	require.NoError(t, drain(t, q))
	assert.Equal(t, model.PackMounted, f.Pack(t, "A").State)
	assert.Equal(t, model.PackMounted, f.Pack(t, "B").State)
	assert.Empty(t, f.Owners.Claimed())
	assert.Zero(t, f.Transport.Live())
}

func completedDownloads(f *packreqtest.Fixture, url string) int {
	n := 0
	for _, task := range f.Transport.Tasks() {
		if task.URL == url && !task.Cancelled {
			n++
		}
	}
	return n
}

func TestStopStart(t *testing.T) {
	q, f := newQueue(t)
	f.AddPack(t, "A")
	require.NoError(t, q.Push("A", 1))
	require.NoError(t, q.Update())
	require.Len(t, f.Transport.Running(), 1)

	q.Stop()
	assert.Empty(t, f.Transport.Running())
	assert.True(t, q.Top().IsPaused())

	q.Start()
	assert.False(t, q.Top().IsPaused())
	require.NoError(t, q.Update())
	assert.Len(t, f.Transport.Running(), 1)
}

func TestEmptyQueue(t *testing.T) {
	q, _ := newQueue(t)
	require.NoError(t, q.Update())
	q.Stop()
	q.Start()
	assert.Nil(t, q.Top())
	assert.Empty(t, q.Names())
	_, err := q.Find("A")
	require.ErrorIs(t, err, errclass.ErrNotQueued)
}

func TestRepushAfterFailure(t *testing.T) {
	q, f := newQueue(t)
	f.Transport.AutoComplete = true
	f.AddPack(t, "A")
	f.Transport.FailURL(packreqtest.SideFileURL("A"), model.DownloadErrCouldntConnect)

	require.NoError(t, q.Push("A", 1))
	require.NoError(t, drain(t, q))
	require.Equal(t, model.PackErrorLoading, f.Pack(t, "A").State)

	f.Transport.Serve(packreqtest.SideFileURL("A"), []byte(model.FormatCRC32(f.Pack(t, "A").CRC32FromDB)))
	require.NoError(t, q.Push("A", 1))
	p := f.Pack(t, "A")
	assert.Empty(t, p.OtherErrorMsg)
	assert.Equal(t, model.DownloadErrNone, p.DownloadError)

	require.NoError(t, drain(t, q))
	assert.Equal(t, model.PackMounted, f.Pack(t, "A").State)
}

func TestClose(t *testing.T) {
	q, f := newQueue(t)
	f.AddPack(t, "A")
	require.NoError(t, q.Push("A", 1))
	require.NoError(t, q.Update())

	q.Close()
	assert.Zero(t, q.Len())
	assert.Empty(t, f.Transport.Running())
	assert.Empty(t, f.Owners.Claimed())
}
