package state

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/substrender/internal/graph"
)

// ============================================================================
// Helpers
// ============================================================================

func createTestDesc(t *testing.T) *graph.Desc {
	t.Helper()
	return &graph.Desc{
		Name: "test/tiles",
		Inputs: []graph.InputDesc{
			{UID: 1, Identifier: "a", Type: graph.InputFloat},
			{UID: 2, Identifier: "b", Type: graph.InputFloat},
			{UID: 3, Identifier: "c", Type: graph.InputFloat},
			{UID: 4, Identifier: "mask", Type: graph.InputImage},
			{UID: 5, Identifier: "seed", Type: graph.InputInt, CacheAlways: true},
		},
		Outputs: []graph.OutputDesc{
			{UID: 10, Identifier: "basecolor"},
			{UID: 11, Identifier: "height"},
		},
	}
}

func setFloat(t *testing.T, inst *graph.Instance, id string, v float32) {
	t.Helper()
	in, err := inst.Input(id)
	require.NoError(t, err)
	require.NoError(t, in.SetValue(v))
}

// push fills a delta for the instance and applies it, returning the delta
func push(t *testing.T, s *GraphState, inst *graph.Instance) *DeltaState {
	t.Helper()
	d := &DeltaState{}
	d.Fill(s, inst)
	s.Apply(d)
	return d
}

func values(s *GraphState) []float32 {
	out := make([]float32, 3)
	for i := 0; i < 3; i++ {
		out[i] = s.Input(i).Value[0]
	}
	return out
}

// applyTo replays a delta on a copy of the snapshot values
func applyTo(vals []float32, d *DeltaState) []float32 {
	out := append([]float32(nil), vals...)
	for _, e := range d.Inputs {
		if e.Index < len(out) && !e.CacheOnly {
			out[e.Index] = e.Modified.Value[0]
		}
	}
	return out
}

func float(v float32) InputState {
	return InputState{Type: graph.InputFloat, Value: [4]float32{v}, ImageIndex: NoImage}
}

func entry(idx int, prev, mod float32) InputEntry {
	return InputEntry{Index: idx, Previous: float(prev), Modified: float(mod)}
}

// ============================================================================
// ImageTable
// ============================================================================

func TestImageTableFreeList(t *testing.T) {
	var tbl ImageTable
	a := graph.NewImageInput(nil)
	b := graph.NewImageInput(nil)
	c := graph.NewImageInput(nil)

	assert.Equal(t, NoImage, tbl.Store(nil))
	assert.Equal(t, 0, tbl.Store(a))
	assert.Equal(t, 1, tbl.Store(b))
	assert.Equal(t, 2, tbl.Store(c))

	tbl.Remove(1)
	tbl.Remove(0)
	assert.Equal(t, 1, tbl.Live())
	assert.Equal(t, 0, tbl.Store(b), "lowest free slot reused")
	assert.Equal(t, 1, tbl.Store(a))
	assert.Equal(t, 3, tbl.Store(a))
	assert.Same(t, c, tbl.Get(2))
	assert.Nil(t, tbl.Get(NoImage))
}

// ============================================================================
// Fill / Apply
// ============================================================================

func TestFillRecordsOnlyChanges(t *testing.T) {
	inst := graph.NewInstance(createTestDesc(t))
	s := NewGraphState(inst)

	d := &DeltaState{}
	d.Fill(s, inst)
	require.Len(t, d.Inputs, 1, "cache-always input is recorded")
	assert.Equal(t, 4, d.Inputs[0].Index)
	assert.True(t, d.Inputs[0].CacheOnly)

	setFloat(t, inst, "b", 2)
	d.Fill(s, inst)
	require.Len(t, d.Inputs, 2)
	assert.Equal(t, 1, d.Inputs[0].Index)
	assert.False(t, d.Inputs[0].CacheOnly)
	assert.Equal(t, float32(0), d.Inputs[0].Previous.Value[0])
	assert.Equal(t, float32(2), d.Inputs[0].Modified.Value[0])

	s.Apply(d)
	assert.Equal(t, []float32{0, 2, 0}, values(s))

	d.Fill(s, inst)
	assert.True(t, d.IsIdentity())
}

func TestFillImageInputs(t *testing.T) {
	inst := graph.NewInstance(createTestDesc(t))
	s := NewGraphState(inst)
	mask, err := inst.Input("mask")
	require.NoError(t, err)

	first := graph.NewImageInput(image.NewGray(image.Rect(0, 0, 1, 1)))
	require.NoError(t, mask.SetImage(first))
	d := push(t, s, inst)
	assert.Same(t, first, d.Image(d.Inputs[0].Modified))
	assert.Nil(t, d.Image(d.Inputs[0].Previous))
	assert.Same(t, first, s.InputImage(3))
	assert.Equal(t, 1, s.LiveImages())

	second := graph.NewImageInput(image.NewGray(image.Rect(0, 0, 1, 1)))
	require.NoError(t, mask.SetImage(second))
	d = push(t, s, inst)
	assert.Same(t, first, d.Image(d.Inputs[0].Previous), "previous pointer captured at fill time")
	assert.Same(t, second, s.InputImage(3))
	assert.Equal(t, 1, s.LiveImages(), "old slot freed on apply")
}

func TestFillOutputFormats(t *testing.T) {
	inst := graph.NewInstance(createTestDesc(t))
	s := NewGraphState(inst)

	f := graph.OutputFormat{Pixel: graph.PixelL8, Width: 8, Height: 8}
	inst.Outputs[1].SetFormat(f)
	d := push(t, s, inst)
	require.Len(t, d.Outputs, 1)
	assert.Equal(t, 1, d.Outputs[0].Index)
	assert.Equal(t, f, d.Outputs[0].Modified)
	assert.Equal(t, f, s.OutputFormat(1))
}

// ============================================================================
// Append modes
// ============================================================================

func TestAppendOverride(t *testing.T) {
	d := &DeltaState{Inputs: []InputEntry{entry(0, 0, 1), entry(2, 0, 5)}}
	src := &DeltaState{Inputs: []InputEntry{entry(0, 1, 0), entry(1, 0, 3), entry(2, 5, 6)}}

	d.Append(src, AppendOverride)

	require.Len(t, d.Inputs, 2, "index 0 returned to its previous value and is dropped")
	assert.Equal(t, entry(1, 0, 3), d.Inputs[0])
	assert.Equal(t, 2, d.Inputs[1].Index)
	assert.Equal(t, float32(0), d.Inputs[1].Previous.Value[0])
	assert.Equal(t, float32(6), d.Inputs[1].Modified.Value[0])
}

func TestAppendReverse(t *testing.T) {
	// accumulator S2 -> S1 on index 0, earlier delta S0 -> S1 on indices 0 and 1
	acc := &DeltaState{Inputs: []InputEntry{entry(0, 2, 1)}}
	earlier := &DeltaState{Inputs: []InputEntry{entry(0, 0, 1), entry(1, 0, 7)}}

	acc.Append(earlier, AppendReverse)

	require.Len(t, acc.Inputs, 2)
	assert.Equal(t, entry(0, 2, 0), acc.Inputs[0])
	assert.Equal(t, entry(1, 7, 0), acc.Inputs[1], "non colliding entry inserted reversed")
}

func TestAppendDefault(t *testing.T) {
	d := &DeltaState{Inputs: []InputEntry{entry(1, 0, 4)}}
	acc := &DeltaState{Inputs: []InputEntry{entry(0, 9, 0), entry(1, 9, 0)}}

	d.Append(acc, AppendDefault)

	require.Len(t, d.Inputs, 2)
	assert.Equal(t, entry(0, 9, 0), d.Inputs[0])
	assert.Equal(t, entry(1, 9, 4), d.Inputs[1], "previous taken from accumulator, modified kept")
}

func TestAppendOutputsOverride(t *testing.T) {
	a := graph.OutputFormat{Pixel: graph.PixelL8, Width: 4, Height: 4}
	d := &DeltaState{Outputs: []OutputEntry{{Index: 0, Modified: a}}}
	src := &DeltaState{Outputs: []OutputEntry{{Index: 0, Previous: a}}}

	d.Append(src, AppendOverride)
	assert.Empty(t, d.Outputs)
	assert.True(t, d.IsIdentity())
}

// Appending deltas that touch disjoint indices is order independent.
func TestAppendDisjointAssociative(t *testing.T) {
	d1 := &DeltaState{Inputs: []InputEntry{entry(0, 0, 1)}}
	d2 := &DeltaState{Inputs: []InputEntry{entry(1, 0, 2)}}
	d3 := &DeltaState{Inputs: []InputEntry{entry(2, 0, 3)}}

	left := d1.Clone()
	left.Append(d2, AppendOverride)
	left.Append(d3, AppendOverride)

	right := d2.Clone()
	right.Append(d3, AppendOverride)
	rightAll := d1.Clone()
	rightAll.Append(right, AppendOverride)

	assert.Equal(t, left.Inputs, rightAll.Inputs)
}

// Replaying a canceled chain through a reversed accumulator lands on the
// same values as the original chain.
func TestReverseThenDefaultRoundTrip(t *testing.T) {
	inst := graph.NewInstance(createTestDesc(t))
	s := NewGraphState(inst)

	s0 := values(s)
	setFloat(t, inst, "a", 1)
	setFloat(t, inst, "b", 1)
	d1 := push(t, s, inst)
	s1 := values(s)
	setFloat(t, inst, "b", 2)
	setFloat(t, inst, "c", 2)
	d2 := push(t, s, inst)
	s2 := values(s)

	// engine saw both canceled jobs: state is S2; accumulate back to S0
	acc := &DeltaState{}
	acc.Append(d2, AppendReverse)
	acc.Append(d1, AppendReverse)
	assert.Equal(t, s0, applyTo(s2, acc))

	// replay d1 corrected by the accumulator, then d2 as is
	r1 := d1.Clone()
	r1.Append(acc, AppendDefault)
	afterR1 := applyTo(s2, r1)
	assert.Equal(t, s1, afterR1)
	assert.Equal(t, s2, applyTo(afterR1, d2))
}

func TestCloneIsIndependent(t *testing.T) {
	d := &DeltaState{Inputs: []InputEntry{entry(0, 0, 1)}}
	c := d.Clone()
	c.Append(&DeltaState{Inputs: []InputEntry{entry(0, 1, 5)}}, AppendOverride)

	assert.Equal(t, float32(1), d.Inputs[0].Modified.Value[0])
	assert.Equal(t, float32(5), c.Inputs[0].Modified.Value[0])
}

// ============================================================================
// GraphBinary / LinkGraphs
// ============================================================================

func TestGraphBinaryTranslateAndResolve(t *testing.T) {
	inst := graph.NewInstance(createTestDesc(t))
	s := NewGraphState(inst)
	b := s.Binary()

	assert.False(t, b.Linked())
	assert.True(t, b.Translate(CollisionOutput, 10, 100))
	assert.False(t, b.Translate(CollisionOutput, 10, 101), "already translated")

	b.Resolve(
		[]UIDIndex{{UID: 1, Index: 4}, {UID: 3, Index: 6}},
		[]UIDIndex{{UID: 11, Index: 0}, {UID: 100, Index: 1}},
	)
	b.MarkLinked()

	assert.Equal(t, uint32(4), b.Inputs[0].Index)
	assert.Equal(t, InvalidIndex, b.Inputs[1].Index)
	assert.Equal(t, uint32(6), b.Inputs[2].Index)
	assert.Equal(t, uint32(1), b.Outputs[0].Index)
	assert.Equal(t, uint32(0), b.Outputs[1].Index)
	assert.True(t, b.Linked())

	b.RecordEngineValue(0, [4]float32{3}, nil)
	b.Reset()
	assert.Equal(t, uint32(10), b.Outputs[0].TranslatedUID)
	assert.Equal(t, InvalidIndex, b.Outputs[0].Index)
	assert.True(t, b.Inputs[0].Engine.Set, "engine values survive a reset")
}

func TestLinkGraphsMerge(t *testing.T) {
	desc := createTestDesc(t)
	a := NewGraphState(graph.NewInstance(desc))
	b := NewGraphState(graph.NewInstance(desc))
	c := NewGraphState(graph.NewInstance(desc))

	var l1, l2 LinkGraphs
	l1.Add(c)
	l1.Add(a)
	l1.Add(a)
	l2.Add(b)
	l2.Add(c)

	l1.Merge(&l2)
	require.Equal(t, 3, l1.Len())
	assert.Equal(t, []*GraphState{a, b, c}, l1.States)
	assert.True(t, l1.Contains(b))
	assert.Less(t, a.UID(), b.UID())
}
