package render

import (
	"image"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/state"
)

func TestStatesGetCreatesOnce(t *testing.T) {
	states := NewStates()
	inst := graph.NewInstance(createTestDesc(t, "test/a", 0))

	gs := states.Get(inst)
	require.NotNil(t, gs)
	assert.Same(t, gs, states.Get(inst))
	assert.Equal(t, 1, states.Len())

	found, fgs, ok := states.Lookup(inst.UID)
	require.True(t, ok)
	assert.Same(t, inst, found)
	assert.Same(t, gs, fgs)

	_, _, ok = states.Lookup(uuid.New())
	assert.False(t, ok)
}

func TestStatesDeletionRemovesEntry(t *testing.T) {
	states := NewStates()
	inst := graph.NewInstance(createTestDesc(t, "test/a", 0))
	states.Get(inst)

	inst.Delete()
	assert.Zero(t, states.Len())
	_, _, ok := states.Lookup(inst.UID)
	assert.False(t, ok)

	// deletion is delivered once
	inst.Delete()
	assert.Zero(t, states.Len())
}

func TestStatesNotifyDeletedUnknownPanics(t *testing.T) {
	states := NewStates()
	assert.Panics(t, func() { states.NotifyDeleted(uuid.New()) })
}

func TestStatesFillSortedByStateUID(t *testing.T) {
	states := NewStates()
	a := states.Get(graph.NewInstance(createTestDesc(t, "test/a", 0)))
	b := states.Get(graph.NewInstance(createTestDesc(t, "test/b", 100)))

	var lg state.LinkGraphs
	states.Fill(&lg)
	require.Equal(t, 2, lg.Len())
	assert.Less(t, lg.States[0].UID(), lg.States[1].UID())
	assert.True(t, lg.Contains(a))
	assert.True(t, lg.Contains(b))
}

func TestStatesReleaseRenderResults(t *testing.T) {
	states := NewStates()
	inst := graph.NewInstance(createTestDesc(t, "test/a", 0))
	states.Get(inst)

	released := 0
	tok := inst.Outputs[0].QueueRender()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	require.True(t, tok.Fill(graph.NewResult(img, 7, func() { released++ })))

	assert.Zero(t, states.ReleaseRenderResults(8))
	assert.Zero(t, released)

	assert.Equal(t, 1, states.ReleaseRenderResults(7))
	assert.Equal(t, 1, released)
	assert.Zero(t, states.ReleaseRenderResults(7), "payload released once")
}
