// ============================================================================
// Substrender 端到端測試套件
// ============================================================================
//
// Package: test/integration
// 文件: pipeline_test.go
// 功能: 場景 → Controller → Renderer → 軟體引擎的完整流程
//
// TestEndToEndBatchRender:
//   - 載入 6 個實例、2 種圖的場景
//   - 以 BatchSize=2、ResetAfterBatch 分批非同步渲染
//   - 驗證每個啟用的輸出都恰好交付一次，停用的輸出沒有交付
//
// TestHardResourcesSwitchMidRender:
//   - 任務排入後、處理前切換硬體資源
//   - 驗證引擎原地切換後算完所有輸出
//
// ============================================================================

package integration

import (
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/substrender/internal/controller"
	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/native/soft"
	"github.com/ChuLiYu/substrender/internal/render"
	"github.com/ChuLiYu/substrender/internal/scene"
	"github.com/ChuLiYu/substrender/pkg/types"
)

const integrationScene = `
graphs:
  - name: wood
    inputs:
      - {id: level, uid: 1, type: float}
      - {id: tint, uid: 2, type: float3, default: [0.6, 0.4, 0.2]}
    outputs:
      - {id: basecolor, uid: 10, format: {width: 32, height: 32}}
      - {id: roughness, uid: 11, format: {pixel: l8}}
  - name: metal
    inputs:
      - {id: rust, uid: 1, type: float}
      - {id: tiles, uid: 3, type: int, default: [6]}
    outputs:
      - {id: basecolor, uid: 10}
      - {id: metallic, uid: 13}
instances:
  - {name: wood/a, graph: wood}
  - {name: wood/b, graph: wood, values: {level: [0.25]}}
  - {name: wood/c, graph: wood, disabled: [roughness]}
  - {name: metal/a, graph: metal}
  - {name: metal/b, graph: metal, values: {rust: [0.75]}}
  - {name: metal/c, graph: metal, values: {tiles: [2]}}
`

func loadScene(t testing.TB) *scene.Scene {
	t.Helper()
	sc, err := scene.Parse([]byte(integrationScene), "")
	require.NoError(t, err)
	return sc
}

type delivery struct {
	mu    sync.Mutex
	count map[*graph.Output]int
}

func (d *delivery) consume(_ *graph.Instance, out *graph.Output, res *graph.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res.Image != nil {
		d.count[out]++
	}
}

func waitIdle(t *testing.T, ctrl *controller.Controller, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !ctrl.Idle() {
		if time.Now().After(deadline) {
			t.Fatalf("controller not idle after %s: %v", timeout, ctrl.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEndToEndBatchRender(t *testing.T) {
	sc := loadScene(t)
	r := render.NewRenderer(soft.New())
	defer r.Close()

	d := &delivery{count: map[*graph.Output]int{}}
	ctrl := controller.NewController(r, controller.Config{
		BatchSize:       2,
		TickInterval:    5 * time.Millisecond,
		ResetAfterBatch: true,
	}, d.consume)
	require.NoError(t, ctrl.Start())
	defer ctrl.Stop()

	require.Equal(t, len(sc.Instances), ctrl.RenderAsync(sc.Graphs()...))
	waitIdle(t, ctrl, 10*time.Second)

	completed, pending := ctrl.Progress()
	require.Equal(t, len(sc.Instances), completed)
	require.Equal(t, len(sc.Instances), pending)

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, inst := range sc.Instances {
		for _, out := range inst.Instance.Outputs {
			if out.Enabled() {
				require.Equal(t, 1, d.count[out], "%s/%s", inst.Name, out.Desc.Identifier)
			} else {
				require.Zero(t, d.count[out], "%s/%s is disabled", inst.Name, out.Desc.Identifier)
			}
		}
	}
}

func TestHardResourcesSwitchMidRender(t *testing.T) {
	sc := loadScene(t)
	r := render.NewRenderer(soft.New())
	defer r.Close()
	before := r.Stats().EngineUID

	r.Hold()
	require.True(t, r.PushList(sc.Graphs()))
	uid := r.Run(types.RunAsynchronous)
	require.NotZero(t, uid)

	opts := types.RenderOptions{MemoryBudget: 32 << 20, CoresCount: 1}
	r.SetOptions(opts)
	r.Resume()
	r.Flush()
	require.False(t, r.IsPending(uid))

	st := r.Stats()
	require.Equal(t, uint64(32<<20), st.Hard.MemoryBudget)
	require.Equal(t, 1, st.Hard.Cores())
	require.Equal(t, before, st.EngineUID, "hard resources switch in place")

	for _, inst := range sc.Instances {
		for _, out := range inst.Instance.Outputs {
			res := out.GrabResult()
			if !out.Enabled() {
				require.Nil(t, res)
				continue
			}
			require.NotNil(t, res, "%s/%s", inst.Name, out.Desc.Identifier)
			require.False(t, res.Image.Bounds().Empty())
			res.Release()
		}
	}
}

// samePixels 逐像素比較兩張影像
func samePixels(a, b image.Image) bool {
	if a.Bounds() != b.Bounds() {
		return false
	}
	bounds := a.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r1, g1, b1, a1 := a.At(x, y).RGBA()
			r2, g2, b2, a2 := b.At(x, y).RGBA()
			if r1 != r2 || g1 != g2 || b1 != b2 || a1 != a2 {
				return false
			}
		}
	}
	return true
}
