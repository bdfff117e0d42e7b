package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/substrender/internal/controller"
	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/native/soft"
	"github.com/ChuLiYu/substrender/internal/render"
	"github.com/ChuLiYu/substrender/internal/scene"
	"github.com/ChuLiYu/substrender/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <drag|batch> [scene.yaml]")
		os.Exit(1)
	}

	mode := os.Args[1]
	scenePath := "configs/scene.yaml"
	if len(os.Args) > 2 {
		scenePath = os.Args[2]
	}

	sc, err := scene.Load(scenePath)
	if err != nil {
		log.Fatalf("Failed to load scene: %v", err)
	}
	fmt.Printf("✓ Scene loaded: %d graphs, %d instances\n", len(sc.Descs), len(sc.Instances))

	r := render.NewRenderer(soft.New())
	defer r.Close()

	switch mode {
	case "drag":
		drag(r, sc)
	case "batch":
		batch(r, sc)
	default:
		log.Fatalf("Unknown mode %q", mode)
	}
}

// drag 模擬拖動滑桿：每一步都以 Replace|First 取代尚未算完的任務
func drag(r *render.Renderer, sc *scene.Scene) {
	inst := sc.Instances[0].Instance
	level, err := inst.Input(inst.Desc.Inputs[0].Identifier)
	if err != nil {
		log.Fatalf("No input to drag: %v", err)
	}

	var delivered int
	r.SetRenderCallbacks(render.CallbacksFunc(func(_ types.JobUID, _ *graph.Instance, out *graph.Output) {
		if res := out.GrabResult(); res != nil {
			delivered++
			res.Release()
		}
	}))

	const steps = 50
	start := time.Now()
	var last types.JobUID
	for i := 0; i <= steps; i++ {
		if err := level.SetValue(float32(i) / steps); err != nil {
			log.Fatalf("SetValue failed: %v", err)
		}
		r.Push(inst)
		last = r.Run(types.RunAsynchronous | types.RunReplace | types.RunFirst)
		time.Sleep(2 * time.Millisecond)
	}
	r.Flush()

	st := r.Stats()
	fmt.Printf("\n📊 Drag finished in %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("  Steps:       %d\n", steps+1)
	fmt.Printf("  Last job:    %d (pending=%v)\n", last, r.IsPending(last))
	fmt.Printf("  Processed:   %d\n", st.ProcessedJobs)
	fmt.Printf("  Delivered:   %d outputs\n", delivered)
	fmt.Printf("  Engine:      %s\n", st.Options)
	fmt.Printf("\n💡 Replaced jobs never deliver; only the latest value reaches the outputs.\n")
}

// batch 透過 Controller 分批渲染整個場景，Ctrl+C 取消
func batch(r *render.Renderer, sc *scene.Scene) {
	var consumed int
	ctrl := controller.NewController(r, controller.Config{BatchSize: 2}, func(_ *graph.Instance, _ *graph.Output, _ *graph.Result) {
		consumed++
	})
	if err := ctrl.Start(); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	n := ctrl.RenderAsync(sc.Graphs()...)
	fmt.Printf("✓ Controller started, %d instances queued\n", n)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !ctrl.Idle() {
		select {
		case <-sigChan:
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			ctrl.Stop()
			fmt.Println("✓ Controller stopped")
			return
		case <-ticker.C:
			completed, pending := ctrl.Progress()
			fmt.Printf("📊 Status: Completed=%d/%d\n", completed, pending)
		}
	}

	ctrl.Stop()
	completed, pending := ctrl.Progress()
	fmt.Printf("\n📊 Final Status:\n")
	fmt.Printf("  Instances: %d/%d\n", completed, pending)
	fmt.Printf("  Outputs:   %d\n", consumed)
}
