package packreq_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packfetch/packfetch/internal/packreq"
	"github.com/packfetch/packfetch/internal/packreq/packreqtest"
	"github.com/packfetch/packfetch/pkg/errclass"
	"github.com/packfetch/packfetch/pkg/model"
)

func subPacks(r *packreq.Request) []string {
	var names []string
	for _, s := range r.Dependencies() {
		names = append(names, s.Pack)
	}
	return names
}

func TestClosure_SortedAndFiltered(t *testing.T) {
	f := packreqtest.New(t)
	f.AddPack(t, "R", "C", "B")
	f.AddPack(t, "B", "D")
	f.AddVirtual(t, "D", "E")
	f.AddPack(t, "E")
	f.AddPack(t, "C", "F")
	f.AddPack(t, "F")
	f.Pack(t, "C").State = model.PackMounted

	names, err := packreq.Closure(f.Registry, "R")
	require.NoError(t, err)
	// C is mounted and D is virtual; the walk still reaches their deps.
	assert.Equal(t, []string{"B", "E", "F"}, names)

	req, err := packreq.New(f.Env, "R", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "E", "F", "R"}, subPacks(req))
	for _, s := range req.Dependencies() {
		assert.Equal(t, model.SubRequestWait, s.Status)
		assert.Empty(t, s.TaskID)
	}
}

func TestNew_VirtualRootHasNoArchiveStep(t *testing.T) {
	f := packreqtest.New(t)
	f.AddVirtual(t, "B", "A")
	f.AddPack(t, "A")

	req, err := packreq.New(f.Env, "B", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, subPacks(req))
	assert.Equal(t, "B", req.Name())
	assert.Equal(t, float32(1), req.Priority())
}

func TestNew_VirtualWithoutDependenciesIsDone(t *testing.T) {
	f := packreqtest.New(t)
	f.AddVirtual(t, "V")

	req, err := packreq.New(f.Env, "V", 1)
	require.NoError(t, err)
	assert.True(t, req.IsDone())
	assert.False(t, req.IsError())
	_, ok := req.Current()
	assert.False(t, ok)
	require.NoError(t, req.Update())
}

func TestNew_Diamond(t *testing.T) {
	f := packreqtest.New(t)
	f.AddPack(t, "R", "X", "Y")
	f.AddPack(t, "X", "Z")
	f.AddPack(t, "Y", "Z")
	f.AddPack(t, "Z")

	req, err := packreq.New(f.Env, "R", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "Y", "Z", "R"}, subPacks(req))
}

func TestNew_Cycle(t *testing.T) {
	f := packreqtest.New(t)
	f.AddPack(t, "A", "B")
	f.AddPack(t, "B", "C")
	f.AddPack(t, "C", "A")

	_, err := packreq.New(f.Env, "A", 1)
	require.ErrorIs(t, err, errclass.ErrDependencyCycle)
	assert.Contains(t, err.Error(), "A -> B -> C -> A")
}

func TestNew_SelfCycle(t *testing.T) {
	f := packreqtest.New(t)
	f.AddPack(t, "A", "A")

	_, err := packreq.New(f.Env, "A", 1)
	require.ErrorIs(t, err, errclass.ErrDependencyCycle)
}

func TestNew_UnknownPack(t *testing.T) {
	f := packreqtest.New(t)
	f.AddPack(t, "A", "missing")

	_, err := packreq.New(f.Env, "nope", 1)
	require.ErrorIs(t, err, errclass.ErrPackUnknown)

	_, err = packreq.New(f.Env, "A", 1)
	require.ErrorIs(t, err, errclass.ErrPackUnknown)
}
