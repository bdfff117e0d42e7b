package worker

import (
	"context"
	"time"
)

// TaskFunc 任務的實際計算邏輯
type TaskFunc func(ctx context.Context) (any, error)

// Task 代表要執行的任務
type Task struct {
	ID      uint64        // 任務唯一識別碼（由提交者決定）
	Run     TaskFunc      // 計算邏輯
	Timeout time.Duration // 執行超時時間，0 代表不限
}

// Result 代表任務執行結果
type Result struct {
	TaskID   uint64        // 任務 ID
	Value    any           // 計算結果
	Err      error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}

// Success 是否成功
func (r Result) Success() bool { return r.Err == nil }
