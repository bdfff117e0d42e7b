// ============================================================================
// Substrender Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: System-level throughput, replace and cancel behavior under load
//
// TestSceneThroughput:
//   - build a scene with 40 instances
//   - render it through the controller in async batches
//   - target: >= 5 instances/s
//
// TestReplaceDragConverges:
//   - simulate a slider drag: 60 pushes, each run with Async|Replace|First
//   - the final output must match a fresh render of the final value
//
// TestCancelAllUnderLoad:
//   - queue 30 async jobs, cancel them all while rendering
//   - flush must return quickly and the renderer must stay usable
//
// ============================================================================

package integration

import (
	"fmt"
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

// generateScene builds a scene with count instances of one graph
func generateScene(t testing.TB, count int) *scene.Scene {
	t.Helper()
	f := &scene.File{
		Graphs: []scene.GraphSpec{{
			Name: "tile",
			Inputs: []scene.InputSpec{
				{Identifier: "level", UID: 1, Type: "float"},
				{Identifier: "tiles", UID: 2, Type: "int", Default: []float32{4}},
			},
			Outputs: []scene.OutputSpec{
				{Identifier: "basecolor", UID: 10, Format: scene.FormatSpec{Width: 16, Height: 16}},
				{Identifier: "height", UID: 11, Format: scene.FormatSpec{Pixel: "l8"}},
			},
		}},
	}
	for i := 0; i < count; i++ {
		f.Instances = append(f.Instances, scene.InstanceSpec{
			Name:   fmt.Sprintf("tile/%03d", i),
			Graph:  "tile",
			Values: map[string][]float32{"level": {float32(i) / float32(count)}},
		})
	}
	sc, err := scene.Build(f, "")
	require.NoError(t, err)
	return sc
}

// TestSceneThroughput tests controller throughput
func TestSceneThroughput(t *testing.T) {
	const total = 40
	sc := generateScene(t, total)

	r := render.NewRenderer(soft.New())
	defer r.Close()

	d := &delivery{count: map[*graph.Output]int{}}
	ctrl := controller.NewController(r, controller.Config{TickInterval: 2 * time.Millisecond}, d.consume)
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Failed to start controller: %v", err)
	}
	defer ctrl.Stop()

	startTime := time.Now()
	ctrl.RenderAsync(sc.Graphs()...)
	waitIdle(t, ctrl, 30*time.Second)
	elapsedTime := time.Since(startTime)

	completed, _ := ctrl.Progress()
	throughput := float64(completed) / elapsedTime.Seconds()

	t.Logf("=== Performance Test Results ===")
	t.Logf("Total instances: %d", total)
	t.Logf("Completed: %d", completed)
	t.Logf("Elapsed time: %v", elapsedTime)
	t.Logf("Throughput: %.2f instances/second", throughput)
	t.Logf("Status: %v", ctrl.Status())
	t.Logf("================================")

	if completed != total {
		t.Errorf("Completed %d/%d instances", completed, total)
	}
	expectedThroughput := 5.0
	if throughput < expectedThroughput {
		t.Errorf("⚠️  Throughput %.2f instances/s is below target of %.2f instances/s", throughput, expectedThroughput)
	} else {
		t.Logf("✅ Throughput target met: %.2f instances/s >= %.2f instances/s", throughput, expectedThroughput)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, inst := range sc.Instances {
		for _, out := range inst.Instance.Outputs {
			if d.count[out] != 1 {
				t.Errorf("%s/%s delivered %d times", inst.Name, out.Desc.Identifier, d.count[out])
			}
		}
	}
}

// TestReplaceDragConverges checks that replaced jobs leave only the latest value
func TestReplaceDragConverges(t *testing.T) {
	sc := generateScene(t, 1)
	inst := sc.Instances[0].Instance
	level, err := inst.Input("level")
	require.NoError(t, err)

	r := render.NewRenderer(soft.New())
	defer r.Close()

	const steps = 60
	var last types.JobUID
	startTime := time.Now()
	for i := 0; i <= steps; i++ {
		require.NoError(t, level.SetValue(float32(i)/steps))
		r.Push(inst)
		last = r.Run(types.RunAsynchronous | types.RunReplace | types.RunFirst)
		require.NotZero(t, last)
	}
	r.Flush()
	t.Logf("Drag of %d steps processed in %v (%d jobs)", steps+1, time.Since(startTime), r.Stats().ProcessedJobs)
	require.False(t, r.IsPending(last))

	// reference: a fresh instance rendered once with the final value
	ref := generateScene(t, 1).Instances[0].Instance
	refLevel, err := ref.Input("level")
	require.NoError(t, err)
	require.NoError(t, refLevel.SetValue(1))
	r2 := render.NewRenderer(soft.New())
	defer r2.Close()
	r2.Push(ref)
	require.NotZero(t, r2.Run(types.RunDefault))

	for i, out := range inst.Outputs {
		got := out.GrabResult()
		want := ref.Outputs[i].GrabResult()
		require.NotNil(t, got, out.Desc.Identifier)
		require.NotNil(t, want, out.Desc.Identifier)
		require.True(t, samePixels(got.Image, want.Image), "%s does not match the final value", out.Desc.Identifier)
		got.Release()
		want.Release()
	}
}

// TestCancelAllUnderLoad tests that canceling a long chain drains quickly
func TestCancelAllUnderLoad(t *testing.T) {
	sc := generateScene(t, 30)
	r := render.NewRenderer(soft.New())
	defer r.Close()

	var uids []types.JobUID
	for _, inst := range sc.Instances {
		r.Push(inst.Instance)
		uids = append(uids, r.Run(types.RunAsynchronous))
	}
	r.CancelAll()

	startTime := time.Now()
	r.Flush()
	drainTime := time.Since(startTime)
	t.Logf("Canceled chain drained in %v", drainTime)
	if drainTime > 3*time.Second {
		t.Errorf("❌ Drain time %v exceeds 3s target", drainTime)
	}
	for _, uid := range uids {
		require.False(t, r.IsPending(uid))
	}

	// renderer is still usable
	target := sc.Instances[len(sc.Instances)-1].Instance
	level, err := target.Input("level")
	require.NoError(t, err)
	require.NoError(t, level.SetValue(0.5))
	require.True(t, r.Push(target))
	require.NotZero(t, r.Run(types.RunDefault))
	for _, out := range target.Outputs {
		res := out.GrabResult()
		require.NotNil(t, res, out.Desc.Identifier)
		res.Release()
	}
}
