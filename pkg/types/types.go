// Package types 定義了 substrender 系統中跨套件共用的值型別
package types

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// JobUID 渲染任務唯一識別碼，0 代表「沒有任務被排入」
type JobUID uint32

// RunFlags run() 的行為旗標，可以用位元 OR 組合
type RunFlags uint32

// 定義 run 旗標常數
const (
	RunDefault      RunFlags = 0      // 同步執行：呼叫端阻塞直到本批任務完成
	RunAsynchronous RunFlags = 1 << 0 // 非同步執行：立即返回
	RunReplace      RunFlags = 1 << 1 // 取消執行中的任務，新任務已涵蓋的輸出不再重算
	RunFirst        RunFlags = 1 << 2 // 取消執行中的任務，新任務排在重播任務之前
	RunPreserveRun  RunFlags = 1 << 3 // 正在計算中的任務不被取消
)

// Has 檢查是否設定了指定旗標
func (f RunFlags) Has(flag RunFlags) bool {
	return f&flag == flag && flag != 0
}

func (f RunFlags) String() string {
	if f == RunDefault {
		return "default"
	}
	var parts []string
	names := []struct {
		flag RunFlags
		name string
	}{
		{RunAsynchronous, "async"},
		{RunReplace, "replace"},
		{RunFirst, "first"},
		{RunPreserveRun, "preserve"},
	}
	for _, n := range names {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseRunFlags 將 "async|replace" 之類的字串轉為旗標
func ParseRunFlags(s string) (RunFlags, error) {
	var f RunFlags
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "", "default":
		case "async", "asynchronous":
			f |= RunAsynchronous
		case "replace":
			f |= RunReplace
		case "first":
			f |= RunFirst
		case "preserve", "preserverun":
			f |= RunPreserveRun
		default:
			return 0, fmt.Errorf("unknown run flag %q", part)
		}
	}
	return f, nil
}

// RenderState 渲染執行緒目前的狀態，與 Job 狀態互相獨立
type RenderState int32

// 定義渲染執行緒狀態常數
const (
	RenderIdle    RenderState = iota // 閒置：沒有渲染執行緒在跑（或 process callback 已返回）
	RenderWait                       // 等待：渲染執行緒阻塞在條件變數上
	RenderOnGoing                    // 進行中：正在 link / compute
)

func (s RenderState) String() string {
	switch s {
	case RenderIdle:
		return "idle"
	case RenderWait:
		return "wait"
	case RenderOnGoing:
		return "ongoing"
	}
	return fmt.Sprintf("RenderState(%d)", int32(s))
}

// 預設硬體資源設定
const (
	DefaultMemoryBudget uint64 = 512 * humanize.MiByte
	DefaultCoresCount          = 4
)

// RenderOptions 引擎硬體資源設定（記憶體預算 + CPU 核心數）
type RenderOptions struct {
	MemoryBudget uint64 `yaml:"memory_budget" json:"memory_budget"` // 位元組
	CoresCount   int    `yaml:"cores" json:"cores"`                 // 使用的 CPU 核心數
}

// DefaultRenderOptions 返回預設設定
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{
		MemoryBudget: DefaultMemoryBudget,
		CoresCount:   DefaultCoresCount,
	}
}

func (o RenderOptions) String() string {
	return fmt.Sprintf("%s / %d cores", humanize.IBytes(o.MemoryBudget), o.CoresCount)
}
