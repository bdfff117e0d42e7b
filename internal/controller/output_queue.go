package controller

import (
	"sync"

	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/render"
	"github.com/ChuLiYu/substrender/pkg/types"
)

// DefaultMaxOutputsPerTick 節流時每次最多取出的輸出數
const DefaultMaxOutputsPerTick = 8

// ComputedOutput 一個已計算完成、等待宿主取走結果的輸出
type ComputedOutput struct {
	JobUID   types.JobUID
	Instance *graph.Instance
	Output   *graph.Output
}

// OutputQueue 收集渲染回呼中完成的輸出
//
// 回呼在渲染 goroutine 上執行，宿主在自己的 tick 中呼叫 ComputedOutputs 取走。
// 同一個輸出在取走之前只排一次，取結果時 GrabResult 會拿到最新的那個。
type OutputQueue struct {
	mu      sync.Mutex
	entries []ComputedOutput
	queued  map[*graph.Output]bool
	max     int
}

var _ render.Callbacks = (*OutputQueue)(nil)

// NewOutputQueue 建立輸出佇列；maxPerTick <= 0 時使用預設值
func NewOutputQueue(maxPerTick int) *OutputQueue {
	if maxPerTick <= 0 {
		maxPerTick = DefaultMaxOutputsPerTick
	}
	return &OutputQueue{
		queued: make(map[*graph.Output]bool),
		max:    maxPerTick,
	}
}

// OutputComputed 實作 render.Callbacks
func (q *OutputQueue) OutputComputed(jobUID types.JobUID, inst *graph.Instance, out *graph.Output) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[out] {
		return
	}
	q.queued[out] = true
	q.entries = append(q.entries, ComputedOutput{JobUID: jobUID, Instance: inst, Output: out})
}

// ComputedOutputs 取出已完成的輸出；throttle 時最多取 maxPerTick 個，其餘留到下次
func (q *OutputQueue) ComputedOutputs(throttle bool) []ComputedOutput {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.entries)
	if throttle && n > q.max {
		n = q.max
	}
	out := make([]ComputedOutput, n)
	copy(out, q.entries[:n])
	for _, e := range out {
		delete(q.queued, e.Output)
	}
	rest := copy(q.entries, q.entries[n:])
	for i := rest; i < len(q.entries); i++ {
		q.entries[i] = ComputedOutput{}
	}
	q.entries = q.entries[:rest]
	return out
}

// Discard 丟棄某個任務排入的輸出（結果已由呼叫端直接取走）
func (q *OutputQueue) Discard(jobUID types.JobUID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0]
	n := 0
	for _, e := range q.entries {
		if e.JobUID == jobUID {
			delete(q.queued, e.Output)
			n++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = ComputedOutput{}
	}
	q.entries = kept
	return n
}

// IsEmpty 是否沒有等待取走的輸出
func (q *OutputQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) == 0
}

// Len 等待取走的輸出數
func (q *OutputQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
