// ============================================================================
// Substrender Render - 引擎包裝 (Engine)
// ============================================================================
//
// Package: internal/render
// 文件: engine.go
// 功能: 持有原生 linker 與計算 handle，負責 link、硬體資源切換與紋理歸還
//
// 執行緒:
//   Link / SetOptions / Stop / ClearCache 可能來自使用者或渲染執行緒，
//   handle 的替換與修改一律在 mu 之下。Compute 本身不持有 mu，
//   因此 Stop 可以在計算途中打斷它。
//
// Link:
//   1. 合併視窗內所有任務的 link 快照
//   2. 停用所有輸出，逐一推入組件（推入前先 Reset 該狀態的翻譯表），
//      記錄要重新啟用的翻譯後輸出 UID
//   3. 由 binary 建立新 handle，舊 handle 的快取先轉移再釋放
//   4. 以 sorted-merge join 解析每個狀態的引擎索引
//   5. 引擎已確認過的輸入值排入「還原」清單，下一次計算最先推送
//
// 紋理歸還:
//   EnqueueRelease 可由任何執行緒呼叫；真正的 Release 只在渲染執行緒的
//   ReleaseTextures 中發生。ReleaseEngine 之後改為立即歸還。
//
// ============================================================================

package render

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/metrics"
	"github.com/ChuLiYu/substrender/internal/native"
	"github.com/ChuLiYu/substrender/internal/state"
	"github.com/ChuLiYu/substrender/pkg/types"
)

var (
	// ErrLinkFailed link 步驟失敗
	ErrLinkFailed = errors.New("link failed")
	// ErrNoHandle 尚未 link 出任何 handle
	ErrNoHandle = errors.New("no engine handle")
)

var engineUIDs atomic.Uint64

// restoreInput 重新 link 後要推回新 handle 的輸入值
type restoreInput struct {
	index uint32
	value native.InputValue
	done  bool
}

// Engine 原生引擎包裝
type Engine struct {
	uid     uint64
	lib     native.Library
	metrics *metrics.Collector

	mu      sync.Mutex
	linker  native.Linker
	handle  native.Handle
	hard    native.HardResources
	linked  []*state.GraphState
	linking *state.GraphState
	restore []*restoreInput

	relMu    sync.Mutex
	releases []native.Texture
	released bool
}

var (
	_ native.Callbacks       = (*Engine)(nil)
	_ native.LinkerCallbacks = (*Engine)(nil)
)

// NewEngine 建立引擎包裝；linker 與 handle 在第一次 link 時才建立
func NewEngine(lib native.Library, opts types.RenderOptions, m *metrics.Collector) *Engine {
	e := &Engine{
		uid:     engineUIDs.Add(1),
		lib:     lib,
		metrics: m,
		hard:    hardFor(opts),
	}
	m.SetHardResources(e.hard.MemoryBudget, e.hard.Cores())
	return e
}

func hardFor(opts types.RenderOptions) native.HardResources {
	return native.HardResources{
		CoreMask:     native.CoreMaskFor(opts.CoresCount),
		MemoryBudget: opts.MemoryBudget,
	}
}

// UID 引擎識別碼，結果以此標記所屬引擎
func (e *Engine) UID() uint64 { return e.uid }

// HardResources 目前設定的硬體資源
func (e *Engine) HardResources() native.HardResources {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hard
}

// HasHandle 是否已有 handle
func (e *Engine) HasHandle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle != nil
}

// HasPendingRender handle 佇列中是否還有未計算的推送
func (e *Engine) HasPendingRender() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle != nil && e.handle.State()&native.StateRenderPending != 0
}

// Link 把 [first, last] 視窗內任務的圖 link 成新的 handle
func (e *Engine) Link(first, last *Job) error {
	var graphs state.LinkGraphs
	for j := first; j != nil; j = j.Next() {
		graphs.Merge(&j.linkGraphs)
		if j == last {
			break
		}
	}

	start := time.Now()
	err := e.link(&graphs)
	e.metrics.RecordLink(time.Since(start).Seconds(), err)
	if err != nil {
		return err
	}
	log.Info("Linked render graphs",
		"engine", e.uid,
		"graphs", graphs.Len(),
		"duration", time.Since(start))
	return nil
}

func (e *Engine) link(graphs *state.LinkGraphs) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if err != nil && e.linker != nil {
			e.linker.Release()
			e.linker = nil
		}
	}()

	for _, s := range e.linked {
		s.Binary().Reset()
	}
	e.linked = nil

	if e.linker == nil {
		linker, err := e.lib.NewLinker(e)
		if err != nil {
			return fmt.Errorf("%w: create linker: %v", ErrLinkFailed, err)
		}
		e.linker = linker
	}

	e.linker.EnableOutputs(nil)
	var enabled []uint32
	for _, s := range graphs.States {
		b := s.Binary()
		b.Reset()
		e.linking = s
		err := e.linker.PushAssembly(s.LinkData())
		e.linking = nil
		if err != nil {
			return fmt.Errorf("%w: push %s: %v", ErrLinkFailed, s.Desc().Name, err)
		}
		for i := range b.Outputs {
			bo := &b.Outputs[i]
			enabled = append(enabled, bo.TranslatedUID)
			if bo.Format.IsZero() {
				continue
			}
			if err := e.linker.SetOutputFormat(bo.TranslatedUID, bo.Format); err != nil {
				return fmt.Errorf("%w: format %s: %v", ErrLinkFailed, s.Desc().Name, err)
			}
		}
	}
	e.linker.EnableOutputs(enabled)

	binary, err := e.linker.Link()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLinkFailed, err)
	}
	handle, err := e.lib.NewHandle(binary, e.hard, e)
	if err != nil {
		return fmt.Errorf("%w: create handle: %v", ErrLinkFailed, err)
	}
	if e.handle != nil {
		handle.TransferCache(e.handle)
		e.handle.Release()
	}
	e.handle = handle

	desc := handle.Desc()
	e.restore = nil
	for _, s := range graphs.States {
		b := s.Binary()
		b.Resolve(desc.Inputs, desc.Outputs)
		b.MarkLinked()
		for i := range b.Inputs {
			bi := &b.Inputs[i]
			if !bi.Engine.Set || bi.Index == state.InvalidIndex {
				continue
			}
			e.restore = append(e.restore, &restoreInput{
				index: bi.Index,
				value: native.InputValue{
					Type:  s.Desc().Inputs[i].Type,
					Value: bi.Engine.Value,
					Image: bi.Engine.Image,
				},
			})
		}
	}
	e.linked = append(e.linked, graphs.States...)
	return nil
}

// UIDCollision linker 回呼：改寫正在推入的狀態的翻譯表
func (e *Engine) UIDCollision(kind state.CollisionKind, previous, translated uint32) {
	if e.linking == nil {
		return
	}
	e.linking.Binary().Translate(kind, previous, translated)
}

// SetOptions 切換硬體資源；返回新設定是否會在目前的計算中生效
// 返回 false 時呼叫端需要安排一次空的計算
func (e *Engine) SetOptions(opts types.RenderOptions) bool {
	hr := hardFor(opts)
	e.mu.Lock()
	defer e.mu.Unlock()
	if hr == e.hard {
		return true
	}
	e.hard = hr
	e.metrics.SetHardResources(hr.MemoryBudget, hr.Cores())
	log.Info("Switching hard resources",
		"engine", e.uid,
		"memory_budget", humanize.IBytes(hr.MemoryBudget),
		"cores", hr.Cores())
	if e.handle == nil {
		return true
	}
	e.handle.SwitchHardResources(hr)
	return e.handle.State()&native.StateRenderPending != 0
}

// ApplyOptions 沒有計算在排隊時，以一次空計算讓待生效的硬體資源生效
func (e *Engine) ApplyOptions() {
	e.mu.Lock()
	h := e.handle
	e.mu.Unlock()
	if h == nil || h.State()&native.StateRenderPending != 0 {
		return
	}
	if err := h.Compute(); err != nil {
		log.Warn("Empty compute failed", "engine", e.uid, "error", err)
	}
}

// ClearCache 以記憶體預算 0 跑一次空計算清掉快取，重建 linker，再恢復預算
// 呼叫端必須確保沒有計算在進行
func (e *Engine) ClearCache() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle != nil {
		e.handle.Flush()
		e.handle.SwitchHardResources(native.HardResources{CoreMask: e.hard.CoreMask})
		if err := e.handle.Compute(); err != nil {
			return fmt.Errorf("cold run: %w", err)
		}
		e.handle.SwitchHardResources(e.hard)
	}
	if e.linker != nil {
		e.linker.Release()
		e.linker = nil
	}
	linker, err := e.lib.NewLinker(e)
	if err != nil {
		return fmt.Errorf("recreate linker: %w", err)
	}
	e.linker = linker
	log.Info("Engine cache cleared", "engine", e.uid)
	return nil
}

// Stop 請求進行中的計算儘早返回；沒有 handle 時無效
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != nil {
		e.handle.Stop()
	}
}

// ReleaseEngine 釋放 handle 與 linker；呼叫端必須確保沒有計算在進行
func (e *Engine) ReleaseEngine() {
	e.mu.Lock()
	if e.handle != nil {
		e.handle.Release()
		e.handle = nil
	}
	if e.linker != nil {
		e.linker.Release()
		e.linker = nil
	}
	for _, s := range e.linked {
		s.Binary().Reset()
	}
	e.linked = nil
	e.restore = nil
	e.mu.Unlock()

	e.relMu.Lock()
	e.released = true
	e.relMu.Unlock()
	e.ReleaseTextures()
	log.Debug("Engine released", "engine", e.uid)
}

// EnqueueRelease 排入待歸還的紋理；可由任何執行緒呼叫
func (e *Engine) EnqueueRelease(tex native.Texture) {
	e.relMu.Lock()
	if e.released {
		e.relMu.Unlock()
		tex.Release()
		e.metrics.RecordTexturesReleased(1)
		return
	}
	e.releases = append(e.releases, tex)
	e.relMu.Unlock()
}

// ReleaseTextures 歸還所有排隊中的紋理；只在渲染執行緒上呼叫
func (e *Engine) ReleaseTextures() int {
	e.relMu.Lock()
	pending := e.releases
	e.releases = nil
	e.relMu.Unlock()

	for _, tex := range pending {
		tex.Release()
	}
	e.metrics.RecordTexturesReleased(len(pending))
	return len(pending)
}

// OutputCompleted 原生回呼：取出紋理，交給對應的 PushIO
func (e *Engine) OutputCompleted(h native.Handle, index uint32, userData any) {
	pio, ok := userData.(*PushIO)
	if !ok {
		return
	}
	tex, err := h.Texture(index)
	if err != nil {
		log.Warn("Output completed without texture", "engine", e.uid, "index", index, "error", err)
		return
	}
	result := graph.NewResult(tex.Image(), e.uid, func() { e.EnqueueRelease(tex) })
	if !pio.callbackOutputComplete(index, result) {
		result.Release()
		return
	}
	e.metrics.RecordOutputComputed()
}

// JobCompleted 原生回呼：一個推送完成
func (e *Engine) JobCompleted(_ native.Handle, userData any) {
	switch v := userData.(type) {
	case *inputPush:
		v.binary.RecordEngineValue(v.index, v.value, v.image)
		v.pio.callbackJobComplete()
	case *PushIO:
		v.callbackJobComplete()
	case *restoreInput:
		v.done = true
	}
}

// newComputation 開始一次計算；沒有 handle 時返回 nil
// flush 時先丟棄 handle 佇列，並重新推送尚未確認的還原值
func (e *Engine) newComputation(pass uint64, flush bool) *Computation {
	e.mu.Lock()
	h := e.handle
	var restore []*restoreInput
	if flush {
		kept := e.restore[:0]
		for _, r := range e.restore {
			if !r.done {
				kept = append(kept, r)
			}
		}
		e.restore = kept
		restore = append(restore, kept...)
	}
	e.mu.Unlock()
	if h == nil {
		return nil
	}

	c := &Computation{engine: e, handle: h, pass: pass}
	if flush {
		h.Flush()
		for _, r := range restore {
			if err := h.PushInput(r.index, r.value, r); err != nil {
				log.Warn("Restore input failed", "engine", e.uid, "index", r.index, "error", err)
			}
		}
	}
	return c
}
