// ============================================================================
// Substrender Soft Engine - 純 Go 程序化材質引擎
// ============================================================================
//
// Package: internal/native/soft
// 文件: library.go
// 功能: native.Library 的純 Go 實作，供伺服器、CLI 與測試使用
//
// 特性:
//   - Linker: 多組件 link，UID 碰撞時重新指派並回呼
//   - Handle: 佇列式推送、呼叫端 goroutine 上的 Compute、可中途 Stop
//   - 輸出以 worker pool 平行產生（worker 數 = core mask 的核心數）
//   - 位元組預算的 LRU 輸出快取，relink 時可轉移；預算為 0 時清空
//   - 紋理引用計數，歸還時記入 allocator 統計（對應原生的 malloc/free 掛鉤）
//
// 不支援:
//   影像鎖定、輸出接回輸入、輸入融合等進階原生功能。
//
// ============================================================================

package soft

import (
	"github.com/ChuLiYu/substrender/internal/native"
)

// Option 設定 Library
type Option func(*Library)

// WithBeforeOutput 在每個輸出開始計算前呼叫 fn（在 Compute 的 goroutine 上）
// fn 可以阻塞，用來讓測試把計算卡在中途
func WithBeforeOutput(fn func(outputUID uint32)) Option {
	return func(l *Library) { l.beforeOutput = fn }
}

// WithInputHook 每個輸入推送被套用時呼叫 fn（在 Compute 的 goroutine 上）
func WithInputHook(fn func(inputUID uint32, v native.InputValue)) Option {
	return func(l *Library) { l.inputHook = fn }
}

// Library 軟體引擎
type Library struct {
	beforeOutput func(outputUID uint32)
	inputHook    func(inputUID uint32, v native.InputValue)
	alloc        allocator
}

var _ native.Library = (*Library)(nil)

// New 建立軟體引擎
func New(opts ...Option) *Library {
	l := &Library{}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewLinker 建立 linker
func (l *Library) NewLinker(cb native.LinkerCallbacks) (native.Linker, error) {
	return newLinker(cb), nil
}

// NewHandle 由 binary 建立 handle
func (l *Library) NewHandle(binary []byte, hr native.HardResources, cb native.Callbacks) (native.Handle, error) {
	return newHandle(l, binary, hr, cb)
}

// Stats 記憶體統計
func (l *Library) Stats() Stats {
	return l.alloc.stats()
}
