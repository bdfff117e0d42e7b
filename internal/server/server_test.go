package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/substrender/internal/controller"
	"github.com/ChuLiYu/substrender/internal/native/soft"
	"github.com/ChuLiYu/substrender/internal/render"
	"github.com/ChuLiYu/substrender/internal/scene"
	"github.com/ChuLiYu/substrender/pkg/types"
)

const testScene = `
graphs:
  - name: wood
    inputs:
      - {id: level, uid: 1, type: float}
      - {id: tint, uid: 2, type: float3, default: [1, 1, 1]}
    outputs:
      - {id: basecolor, uid: 10}
instances:
  - {name: a, graph: wood}
  - {name: b, graph: wood, values: {level: [0.5]}}
`

type fixture struct {
	client *Client
	ctrl   *controller.Controller
	scene  *scene.Scene
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sc, err := scene.Parse([]byte(testScene), "")
	require.NoError(t, err)

	f := &fixture{scene: sc}
	r := render.NewRenderer(soft.New())
	f.ctrl = controller.NewController(r, controller.Config{}, nil)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	RegisterRenderServiceServer(gs, NewServer(f.ctrl, sc))
	go func() { _ = gs.Serve(lis) }()

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	f.client = client

	t.Cleanup(func() {
		client.Close()
		gs.Stop()
		f.ctrl.Stop()
		r.Close()
	})
	return f
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPushRunFlush(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	pushed, err := f.client.Push(ctx, nil, nil)
	require.NoError(t, err)
	assert.True(t, pushed)

	uid, err := f.client.Run(ctx, types.RunAsynchronous)
	require.NoError(t, err)
	assert.NotZero(t, uid)

	require.NoError(t, f.client.Flush(ctx))
	pending, err := f.client.IsPending(ctx, uid)
	require.NoError(t, err)
	assert.False(t, pending)

	a, ok := f.scene.Find("a")
	require.True(t, ok)
	res := a.Outputs[0].GrabResult()
	require.NotNil(t, res)
	assert.NotNil(t, res.Image)
	res.Release()

	// nothing dirty left
	pushed, err = f.client.Push(ctx, []string{"a"}, nil)
	require.NoError(t, err)
	assert.False(t, pushed)
	uid, err = f.client.Run(ctx, types.RunDefault)
	require.NoError(t, err)
	assert.Zero(t, uid)
}

func TestPushAppliesValues(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	pushed, err := f.client.Push(ctx, []string{"a"}, map[string]map[string][]float32{
		"a": {"level": {0.25}, "tint": {0.5, 0.25, 0}},
	})
	require.NoError(t, err)
	assert.True(t, pushed)

	a, _ := f.scene.Find("a")
	level, err := a.Input("level")
	require.NoError(t, err)
	assert.Equal(t, [4]float32{0.25}, level.Value())
	tint, err := a.Input("tint")
	require.NoError(t, err)
	assert.Equal(t, [4]float32{0.5, 0.25, 0}, tint.Value())

	uid, err := f.client.Run(ctx, types.RunDefault)
	require.NoError(t, err)
	assert.NotZero(t, uid)
}

func TestPushErrors(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	_, err := f.client.Push(ctx, []string{"nope"}, nil)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = f.client.Push(ctx, []string{"a"}, map[string]map[string][]float32{"a": {"tint": {1}}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = f.client.Push(ctx, []string{"a"}, map[string]map[string][]float32{"a": {"missing": {1}}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.Invoke(testContext(t), "Run", map[string]any{"flags": "sideways"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCancelHeldJob(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	f.ctrl.Renderer().Hold()
	_, err := f.client.Push(ctx, nil, nil)
	require.NoError(t, err)
	uid, err := f.client.Run(ctx, types.RunAsynchronous)
	require.NoError(t, err)

	pending, err := f.client.IsPending(ctx, uid)
	require.NoError(t, err)
	assert.True(t, pending)

	canceled, err := f.client.Cancel(ctx, uid)
	require.NoError(t, err)
	assert.True(t, canceled)
	canceled, err = f.client.Cancel(ctx, 0)
	require.NoError(t, err)
	assert.False(t, canceled, "already canceled")

	require.NoError(t, f.client.Flush(ctx))
	pending, err = f.client.IsPending(ctx, uid)
	require.NoError(t, err)
	assert.False(t, pending)

	_, err = f.client.IsPending(ctx, 0)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSetOptionsAndStatus(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	desc, err := f.client.SetOptions(ctx, types.RenderOptions{MemoryBudget: 64 << 20, CoresCount: 2})
	require.NoError(t, err)
	assert.Equal(t, "64 MiB / 2 cores", desc)

	resp, err := f.client.Invoke(ctx, "SetOptions", map[string]any{"memory_budget": "128 MiB"})
	require.NoError(t, err)
	assert.Equal(t, "128 MiB / 2 cores", resp["options"])

	_, err = f.client.Invoke(ctx, "SetOptions", map[string]any{"memory_budget": "lots"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = f.client.Invoke(ctx, "SetOptions", map[string]any{"cores": 0})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	st, err := f.client.Status(ctx)
	require.NoError(t, err)
	rs, ok := st["renderer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "128 MiB", rs["memory_budget"])
	assert.Equal(t, float64(2), rs["cores"])
	assert.Contains(t, rs, "instances")
	cs, ok := st["controller"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, cs, "queued")
}
