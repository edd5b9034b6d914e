package queue_test

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packfetch/packfetch/internal/packreq/packreqtest"
	"github.com/packfetch/packfetch/internal/queue"
	"github.com/packfetch/packfetch/pkg/model"
)

// randomCatalog registers n packs where pack i depends on up to three packs
// with a lower index. Every tenth pack is virtual.
func randomCatalog(t testing.TB, f *packreqtest.Fixture, rng *rand.Rand, n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("pack%03d", i)
		var deps []string
		if i > 0 {
			for range rng.IntN(4) {
				deps = append(deps, names[rng.IntN(i)])
			}
		}
		if i%10 == 9 && len(deps) > 0 {
			f.AddVirtual(t, names[i], deps...)
		} else {
			f.AddPack(t, names[i], deps...)
		}
	}
	return names
}

func TestStress_RandomRequests(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}
	rng := rand.New(rand.NewPCG(7, 42))
	q, f := newQueue(t)
	f.Transport.AutoComplete = true
	names := randomCatalog(t, f, rng, 150)

	requested := map[string]bool{}
	for step := 0; step < 2000; step++ {
		switch r := rng.IntN(10); {
		case r < 2:
			name := names[rng.IntN(len(names))]
			if !q.IsInQueue(name) && f.Pack(t, name).State != model.PackMounted {
				require.NoError(t, q.Push(name, float32(rng.IntN(5))))
				requested[name] = true
			}
		case r < 3 && q.Len() > 0:
			queued := q.Names()
			q.UpdatePriority(queued[rng.IntN(len(queued))], float32(rng.IntN(8)))
		default:
			require.NoError(t, q.Update())
		}
		assertSingleLoader(t, q)
	}
	require.NoError(t, packreqtest.Drive(t, 100000, q.Update, func() bool { return q.Len() == 0 }))

	for name := range requested {
		p := f.Pack(t, name)
		if p.IsVirtual() {
			continue
		}
		assert.Equal(t, model.PackMounted, p.State, name)
	}
	for _, task := range f.Transport.Tasks() {
		if !task.Cancelled {
			assert.Equal(t, model.DownloadErrNone, task.Err, task.URL)
		}
	}
}

func BenchmarkQueue_Drain(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		f := packreqtest.New(b)
		f.Transport.AutoComplete = true
		names := randomCatalog(b, f, rand.New(rand.NewPCG(1, 2)), 50)
		q := queue.New(f.Env)
		b.StartTimer()

		for j, name := range names {
			if err := q.Push(name, float32(j%3)); err != nil {
				b.Fatal(err)
			}
		}
		for q.Len() > 0 {
			if err := q.Update(); err != nil {
				b.Fatal(err)
			}
		}
	}
}
