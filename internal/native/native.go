// ============================================================================
// Substrender Native - 原生計算引擎介面
// ============================================================================
//
// Package: internal/native
// 文件: native.go
// 功能: 渲染器與原生計算函式庫之間的邊界
//
// 生命週期:
//   Library.NewLinker()  ─┬─ PushAssembly() × N   （每個圖一次，UID 碰撞經回呼通知）
//                         ├─ SetOutputFormat()     （翻譯後 UID）
//                         ├─ EnableOutputs()
//                         └─ Link() → binary
//   Library.NewHandle(binary)
//     ├─ TransferCache(old)     接手舊 handle 的輸出快取
//     ├─ PushInput / PushOutputs（每次推送都帶 userData，完成時回呼）
//     ├─ Flush()                丟棄尚未計算的佇列
//     ├─ Compute()              在呼叫端 goroutine 上執行，回呼也在此 goroutine
//     └─ Stop()                 任何 goroutine 皆可呼叫，讓 Compute 儘早返回
//
// 回呼順序:
//   每個輸入推送完成時 JobCompleted 一次；
//   每個輸出推送：每個輸出 OutputCompleted 一次，然後 JobCompleted 一次。
//
// ============================================================================

package native

import (
	"errors"
	"image"
	"math/bits"

	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/state"
)

var (
	// ErrInvalidAssembly 組件資料無法解析
	ErrInvalidAssembly = errors.New("invalid assembly")
	// ErrInvalidBinary link 結果無法解析
	ErrInvalidBinary = errors.New("invalid linked binary")
	// ErrReleased 物件已釋放
	ErrReleased = errors.New("native object released")
	// ErrNoSuchOutput 引擎沒有這個輸出索引
	ErrNoSuchOutput = errors.New("no such output")
)

// HardResources 硬體資源設定
type HardResources struct {
	CoreMask     uint64
	MemoryBudget uint64
}

// CoreMaskFor 使用前 n 個核心的遮罩
func CoreMaskFor(n int) uint64 {
	if n <= 0 {
		n = 1
	}
	if n >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(n)) - 1
}

// Cores 遮罩中的核心數
func (h HardResources) Cores() int {
	n := bits.OnesCount64(h.CoreMask)
	if n == 0 {
		return 1
	}
	return n
}

// HandleState handle 狀態旗標
type HandleState uint32

// 定義 handle 狀態旗標
const (
	// StateRenderPending 佇列中還有尚未計算的推送，或正在計算
	StateRenderPending HandleState = 1 << iota
)

// InputValue 推送給引擎的輸入值
type InputValue struct {
	Type  graph.InputType
	Value [4]float32
	Image *graph.ImageInput
}

// Desc 已 link 的 handle 描述；UID 為翻譯後的 UID，依 UID 遞增排序
type Desc struct {
	Inputs  []state.UIDIndex
	Outputs []state.UIDIndex
}

// Texture 引擎產生的紋理，持有者用完要 Release
type Texture interface {
	Image() image.Image
	Bytes() int
	Release()
}

// Callbacks 計算回呼
type Callbacks interface {
	OutputCompleted(h Handle, index uint32, userData any)
	JobCompleted(h Handle, userData any)
}

// LinkerCallbacks linker 回呼
type LinkerCallbacks interface {
	UIDCollision(kind state.CollisionKind, previous, translated uint32)
}

// Linker 將多個組件 link 成一個 binary
type Linker interface {
	PushAssembly(data []byte) error
	SetOutputFormat(uid uint32, f graph.OutputFormat) error
	// EnableOutputs 只啟用給定的輸出；nil 停用全部
	EnableOutputs(uids []uint32)
	Link() ([]byte, error)
	Release()
}

// Handle 已 link 的計算實體
type Handle interface {
	TransferCache(from Handle)
	SwitchHardResources(h HardResources)
	PushInput(index uint32, v InputValue, userData any) error
	PushOutputs(indices []uint32, userData any) error
	Flush()
	Compute() error
	Stop()
	State() HandleState
	Desc() Desc
	// Texture 返回輸出最近一次的結果，呼叫端持有一個引用
	Texture(index uint32) (Texture, error)
	Release()
}

// Library 原生函式庫
type Library interface {
	NewLinker(cb LinkerCallbacks) (Linker, error)
	NewHandle(binary []byte, hr HardResources, cb Callbacks) (Handle, error)
}
