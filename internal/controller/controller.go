// ============================================================================
// Substrender 控制器 - 宿主端渲染協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 宿主端的非同步渲染佇列、分批排程與輸出回收
//
// 架構設計:
//   Controller 站在 Renderer 的「使用者執行緒」這一側，負責：
//   - AsyncQueue: 等待渲染的實例（唯一插入）
//   - CurrentBatch: 目前交給 Renderer 的一批實例（上限 BatchSize）
//   - OutputQueue: 渲染回呼收集到的完成輸出
//   - Consumer: 宿主提供的結果處理函式（寫檔、更新紋理...）
//
// Tick 流程（tickLoop 每 TickInterval 一次，也可由測試直接呼叫）:
//   1. 取出 OutputQueue 中完成的輸出，GrabResult 後交給 Consumer
//   2. 目前這批的任務不再 pending 且輸出佇列已空：
//      這批完成；ResetAfterBatch 時 Reset Renderer 以回收引擎記憶體
//   3. 沒有進行中的批次時，從 AsyncQueue 取最多 BatchSize 個實例推入，
//      以 Async|Replace|First|PreserveRun 啟動
//
// 並發安全:
//   - mu 保護佇列，也用來序列化對實例輸入值的修改（Update）與 push
//   - Renderer 本身是執行緒安全的；Reset 不在 mu 之內呼叫
//   - stopCh + loopWg 用於優雅關閉 tick 循環
//
// ============================================================================

package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/render"
	"github.com/ChuLiYu/substrender/pkg/types"
)

var log = slog.Default()

// ErrStopped Controller 已停止
var ErrStopped = errors.New("controller stopped")

// 預設設定
const (
	DefaultBatchSize    = 4
	DefaultTickInterval = 50 * time.Millisecond
)

// AsyncRunFlags 分批渲染使用的 run 旗標
const AsyncRunFlags = types.RunAsynchronous | types.RunReplace | types.RunFirst | types.RunPreserveRun

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	BatchSize         int           // 同時交給 Renderer 的實例數上限
	TickInterval      time.Duration // tick 間隔
	MaxOutputsPerTick int           // 節流時每次 tick 最多處理的輸出數
	Throttle          bool          // 是否節流輸出處理
	ResetAfterBatch   bool          // 每批完成後 Reset Renderer
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.MaxOutputsPerTick <= 0 {
		c.MaxOutputsPerTick = DefaultMaxOutputsPerTick
	}
	return c
}

// Consumer 處理一個完成的輸出；res 在返回後會被釋放
type Consumer func(inst *graph.Instance, out *graph.Output, res *graph.Result)

// Controller 宿主端渲染協調器
type Controller struct {
	renderer *render.Renderer
	outputs  *OutputQueue
	consume  Consumer
	config   Config

	mu        sync.Mutex
	async     []*graph.Instance
	current   []*graph.Instance
	runID     types.JobUID
	pending   int // 曾經排入的實例數
	completed int // 已完成的實例數
	consumed  int // 已交給 Consumer 的結果數
	batches   int

	stopCh    chan struct{}
	started   bool
	stopped   bool
	startTime time.Time
	loopWg    sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立 Controller，並把 Renderer 的回呼設為它的輸出佇列
func NewController(r *render.Renderer, config Config, consume Consumer) *Controller {
	config = config.withDefaults()
	c := &Controller{
		renderer: r,
		outputs:  NewOutputQueue(config.MaxOutputsPerTick),
		consume:  consume,
		config:   config,
		stopCh:   make(chan struct{}),
	}
	r.SetRenderCallbacks(c.outputs)
	return c
}

// BatchSize 每批最多的實例數
func (c *Controller) BatchSize() int { return c.config.BatchSize }

// Renderer 底層的 Renderer
func (c *Controller) Renderer() *render.Renderer { return c.renderer }

// Outputs 完成輸出佇列
func (c *Controller) Outputs() *OutputQueue { return c.outputs }

// Start 啟動 tick 循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return nil
	}
	c.started = true
	c.startTime = time.Now()

	c.loopWg.Add(1)
	go c.tickLoop()

	log.Info("Controller started",
		"batch_size", c.config.BatchSize,
		"tick", c.config.TickInterval,
		"reset_after_batch", c.config.ResetAfterBatch)
	return nil
}

// tickLoop 定期執行 Tick
func (c *Controller) tickLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Tick loop stopped")
			return

		case <-ticker.C:
			// 再次檢查是否已停止（ticker 與 stop 同時就緒時 select 隨機選擇）
			select {
			case <-c.stopCh:
				log.Info("Tick loop stopped")
				return
			default:
			}
			c.Tick()
		}
	}
}

// Tick 執行一次：回收輸出、結束完成的批次、推送下一批
func (c *Controller) Tick() {
	c.drainOutputs()

	if c.finishBatch() && c.config.ResetAfterBatch {
		// 每批結束後重建引擎以釋放記憶體
		c.renderer.Reset()
	}

	c.pushBatch()
}

// drainOutputs 把完成的輸出交給 Consumer
func (c *Controller) drainOutputs() {
	for _, co := range c.outputs.ComputedOutputs(c.config.Throttle) {
		res := co.Output.GrabResult()
		if res == nil {
			continue
		}
		if c.consume != nil {
			c.consume(co.Instance, co.Output, res)
		}
		res.Release()

		c.mu.Lock()
		c.consumed++
		c.mu.Unlock()
	}
}

// finishBatch 目前批次完成時清空它；返回是否有批次剛結束
func (c *Controller) finishBatch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.current) == 0 || c.runID == 0 {
		return false
	}
	if c.renderer.IsPending(c.runID) || !c.outputs.IsEmpty() {
		return false
	}

	log.Debug("Batch completed", "job", c.runID, "instances", len(c.current))
	c.completed += len(c.current)
	c.batches++
	c.current = nil
	c.runID = 0
	return true
}

// pushBatch 沒有進行中的批次時推送下一批
func (c *Controller) pushBatch() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.async) == 0 || len(c.current) > 0 {
		return
	}

	for len(c.async) > 0 && len(c.current) < c.config.BatchSize {
		inst := c.async[0]
		c.async[0] = nil
		c.async = c.async[1:]
		if !contains(c.current, inst) && !inst.IsDeleted() {
			c.current = append(c.current, inst)
		}
	}

	if !c.renderer.PushList(c.current) {
		// 沒有任何輸出需要計算，直接算完成
		c.completed += len(c.current)
		c.current = nil
		return
	}

	c.runID = c.renderer.Run(AsyncRunFlags)
	if c.runID == 0 {
		c.completed += len(c.current)
		c.current = nil
		return
	}
	log.Debug("Batch pushed", "job", c.runID, "instances", len(c.current), "queued", len(c.async))
}

// ============================================================================
// 公開方法
// ============================================================================

// RenderAsync 把實例排入非同步佇列（已在佇列中的忽略）；返回新排入的數量
func (c *Controller) RenderAsync(insts ...*graph.Instance) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, inst := range insts {
		if inst == nil || inst.IsDeleted() || contains(c.async, inst) {
			continue
		}
		c.async = append(c.async, inst)
		n++
	}
	c.pending += n
	return n
}

// RenderSync 同步渲染實例並直接把結果交給 Consumer
//
// 回呼仍然是輸出佇列：排在前面的非同步批次照常收集，
// 這次同步任務排入的輸出則在返回前丟棄。
func (c *Controller) RenderSync(insts []*graph.Instance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}

	c.pending += len(insts)
	c.completed += len(insts)
	if !c.renderer.PushList(insts) {
		return nil
	}
	uid := c.renderer.Run(types.RunDefault)
	if uid == 0 {
		return fmt.Errorf("nothing scheduled for %d instances", len(insts))
	}
	c.outputs.Discard(uid)

	for _, inst := range insts {
		for _, out := range inst.Outputs {
			res := out.GrabResult()
			if res == nil {
				continue
			}
			if c.consume != nil {
				c.consume(inst, out, res)
			}
			res.Release()
			c.consumed++
		}
	}
	return nil
}

// Update 在 Controller 的鎖內修改實例（避免與 tick 的 push 同時讀寫輸入值）
func (c *Controller) Update(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn()
}

// Remove 從佇列中移除實例（實例被刪除前呼叫）
func (c *Controller) Remove(inst *graph.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.async = without(c.async, inst)
	c.current = without(c.current, inst)
}

// Idle 佇列、批次與輸出佇列都已清空
func (c *Controller) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.async) == 0 && len(c.current) == 0 && c.outputs.IsEmpty()
}

// Status 取得狀態
func (c *Controller) Status() map[string]interface{} {
	c.mu.Lock()
	status := map[string]interface{}{
		"queued":    len(c.async),
		"batch":     len(c.current),
		"run_id":    uint32(c.runID),
		"pending":   c.pending,
		"completed": c.completed,
		"consumed":  c.consumed,
		"batches":   c.batches,
		"outputs":   c.outputs.Len(),
	}
	if c.started {
		status["uptime"] = time.Since(c.startTime).Round(time.Millisecond).String()
	}
	c.mu.Unlock()
	return status
}

// Progress 已完成與曾經排入的實例數
func (c *Controller) Progress() (completed, pending int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed, c.pending
}

// Stop 停止 tick 循環並取消所有渲染
//
// 關閉順序：
//  1. close(stopCh) → tick 循環返回
//  2. loopWg.Wait() → 確保不會再有 push
//  3. CancelAll + Flush → 渲染執行緒處理完被取消的任務鏈
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	c.mu.Unlock()

	log.Info("Stopping controller...")
	close(c.stopCh)
	c.loopWg.Wait()

	c.renderer.CancelAll()
	c.renderer.Flush()

	c.mu.Lock()
	c.async = nil
	c.current = nil
	c.runID = 0
	c.mu.Unlock()

	log.Info("Controller stopped")
}

func contains(list []*graph.Instance, inst *graph.Instance) bool {
	for _, e := range list {
		if e == inst {
			return true
		}
	}
	return false
}

func without(list []*graph.Instance, inst *graph.Instance) []*graph.Instance {
	kept := list[:0]
	for _, e := range list {
		if e != inst {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(list); i++ {
		list[i] = nil
	}
	return kept
}
