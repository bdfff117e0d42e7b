package graph

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestDesc builds a two-input, two-output graph description
func createTestDesc(t *testing.T) *Desc {
	t.Helper()
	return &Desc{
		Name: "test/bricks",
		Inputs: []InputDesc{
			{UID: 1, Identifier: "color", Type: InputFloat3, Default: [4]float32{1, 0, 0}},
			{UID: 2, Identifier: "mask", Type: InputImage},
		},
		Outputs: []OutputDesc{
			{UID: 10, Identifier: "basecolor", Channel: "basecolor"},
			{UID: 11, Identifier: "roughness", Channel: "roughness"},
		},
	}
}

type recordingObserver struct {
	deleted []uuid.UUID
}

func (r *recordingObserver) NotifyDeleted(uid uuid.UUID) {
	r.deleted = append(r.deleted, uid)
}

func TestNewInstanceDefaults(t *testing.T) {
	inst := NewInstance(createTestDesc(t))

	assert.NotEqual(t, uuid.Nil, inst.UID)
	require.Len(t, inst.Inputs, 2)
	require.Len(t, inst.Outputs, 2)
	assert.Equal(t, [4]float32{1, 0, 0}, inst.Inputs[0].Value())
	for _, o := range inst.Outputs {
		assert.True(t, o.Enabled())
		assert.True(t, o.IsDirty())
	}
}

func TestInputSetValue(t *testing.T) {
	inst := NewInstance(createTestDesc(t))
	color, err := inst.Input("color")
	require.NoError(t, err)

	for _, o := range inst.Outputs {
		o.QueueRender()
		assert.False(t, o.IsDirty())
	}

	require.NoError(t, color.SetValue(0, 1, 0))
	assert.Equal(t, [4]float32{0, 1, 0}, color.Value())
	for _, o := range inst.Outputs {
		assert.True(t, o.IsDirty())
	}

	assert.ErrorIs(t, color.SetValue(1, 2), ErrTypeMismatch)
	assert.ErrorIs(t, color.SetImage(NewImageInput(nil)), ErrTypeMismatch)

	_, err = inst.Input("missing")
	assert.ErrorIs(t, err, ErrUnknownInput)
	_, err = inst.Output("missing")
	assert.ErrorIs(t, err, ErrUnknownOutput)
}

func TestInputSetImageIdentity(t *testing.T) {
	inst := NewInstance(createTestDesc(t))
	mask, err := inst.Input("mask")
	require.NoError(t, err)

	img := NewImageInput(image.NewGray(image.Rect(0, 0, 2, 2)))
	require.NoError(t, mask.SetImage(img))
	assert.Same(t, img, mask.Image())

	inst.Outputs[0].QueueRender()
	require.NoError(t, mask.SetImage(img))
	assert.False(t, inst.Outputs[0].IsDirty(), "same pointer is not a change")
}

func TestRenderTokenFillOnce(t *testing.T) {
	tok := NewRenderToken()
	first := NewResult(nil, 1, nil)

	assert.True(t, tok.Fill(first))
	assert.False(t, tok.Fill(NewResult(nil, 1, nil)))
	assert.False(t, tok.Cancel())
	assert.True(t, tok.IsComputed())
	assert.False(t, tok.IsCanceled())

	got, err := tok.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, got)
}

func TestRenderTokenCancelNeedsAllReferences(t *testing.T) {
	tok := NewRenderToken()
	tok.Retain()

	assert.False(t, tok.Cancel(), "one reference left")
	assert.False(t, tok.IsCanceled())

	assert.True(t, tok.Cancel())
	assert.True(t, tok.IsCanceled())
	assert.False(t, tok.Fill(NewResult(nil, 1, nil)))

	_, err := tok.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTokenCanceled)
}

func TestRenderTokenWaitTimeout(t *testing.T) {
	tok := NewRenderToken()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := tok.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGrabResultKeepsNewest(t *testing.T) {
	inst := NewInstance(createTestDesc(t))
	out := inst.Outputs[0]

	released := 0
	oldTok := out.QueueRender()
	newTok := out.QueueRender()
	pending := out.QueueRender()

	require.True(t, oldTok.Fill(NewResult(image.NewGray(image.Rect(0, 0, 1, 1)), 1, func() { released++ })))
	newest := NewResult(image.NewGray(image.Rect(0, 0, 1, 1)), 1, func() { released++ })
	require.True(t, newTok.Fill(newest))

	got := out.GrabResult()
	assert.Same(t, newest, got)
	assert.Equal(t, 1, released, "older result is released")
	assert.Equal(t, 1, out.PendingTokens(), "pending token stays registered")

	assert.Nil(t, out.GrabResult())
	require.True(t, pending.Fill(NewResult(nil, 1, nil)))
	assert.NotNil(t, out.GrabResult())
	assert.Equal(t, 0, out.PendingTokens())
}

func TestGrabResultDropsCanceled(t *testing.T) {
	inst := NewInstance(createTestDesc(t))
	out := inst.Outputs[0]

	tok := out.QueueRender()
	require.True(t, tok.Cancel())

	assert.Nil(t, out.GrabResult())
	assert.Equal(t, 0, out.PendingTokens())
}

func TestOutputReleaseResults(t *testing.T) {
	inst := NewInstance(createTestDesc(t))
	out := inst.Outputs[0]

	released := 0
	a := out.QueueRender()
	b := out.QueueRender()
	require.True(t, a.Fill(NewResult(image.NewGray(image.Rect(0, 0, 1, 1)), 7, func() { released++ })))
	require.True(t, b.Fill(NewResult(image.NewGray(image.Rect(0, 0, 1, 1)), 8, func() { released++ })))

	assert.Equal(t, 1, out.ReleaseResults(7))
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, out.ReleaseResults(7), "already released")
}

func TestRequeueIsIdempotent(t *testing.T) {
	inst := NewInstance(createTestDesc(t))
	out := inst.Outputs[0]

	tok := out.QueueRender()
	out.Requeue(tok)
	assert.Equal(t, 1, out.PendingTokens())

	foreign := NewRenderToken()
	out.Requeue(foreign)
	assert.Equal(t, 2, out.PendingTokens())
}

func TestInstanceDeleteNotifiesObservers(t *testing.T) {
	inst := NewInstance(createTestDesc(t))
	obs := &recordingObserver{}
	other := &recordingObserver{}

	inst.Plug(obs)
	inst.Plug(obs)
	inst.Plug(other)
	inst.Unplug(other)

	inst.Delete()
	inst.Delete()

	assert.True(t, inst.IsDeleted())
	assert.Equal(t, []uuid.UUID{inst.UID}, obs.deleted)
	assert.Empty(t, other.deleted)
}

func TestOutputFormatOverrideFlagsDirty(t *testing.T) {
	inst := NewInstance(createTestDesc(t))
	out := inst.Outputs[1]
	out.QueueRender()

	f := OutputFormat{Pixel: PixelL8, Width: 16, Height: 16}
	out.SetFormat(f)
	assert.True(t, out.IsDirty())
	assert.Equal(t, f, out.Format())

	out.QueueRender()
	out.SetFormat(f)
	assert.False(t, out.IsDirty())
}

func TestParseHelpers(t *testing.T) {
	typ, err := ParseInputType("Float3")
	require.NoError(t, err)
	assert.Equal(t, InputFloat3, typ)
	assert.Equal(t, 3, typ.Components())

	_, err = ParseInputType("matrix")
	assert.Error(t, err)

	pf, err := ParsePixelFormat("gray")
	require.NoError(t, err)
	assert.Equal(t, PixelL8, pf)
	assert.True(t, OutputFormat{}.IsZero())
}
