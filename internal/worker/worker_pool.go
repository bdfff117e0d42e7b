// ============================================================================
// Substrender Worker Pool - 並發計算執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期，供軟體引擎平行產生紋理
//
// 用法:
//   每個 soft.Handle 持有一個 Pool，worker 數 = core mask 的核心數。
//   一次計算中所有未命中快取的輸出組成一批 Task，交給 RunAll 平行產生，
//   結果依提交順序返回；切換硬體資源時整個 Pool 重建。
//
//   Submit / ReceiveResult 是較低階的單一任務介面，RunAll 以它們實作，
//   並以不超過緩衝大小的批次提交，避免提交端與 worker 互相阻塞。
//
// 錯誤:
//   - ErrPoolNotStarted / ErrPoolClosed: 提交時機不對
//   - 任務 panic 與逾時由 Worker 轉成 Result.Err
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers    []*Worker      // Worker 列表
	bufferSize int            // 通道緩衝大小
	taskCh     chan Task      // 任務通道
	resultCh   chan Result    // 結果通道
	stopCh     chan struct{}  // 停止訊號
	wg         sync.WaitGroup // 等待所有 Worker 完成
	started    bool           // 是否已啟動
	stopped    bool           // 是否已停止
	mu         sync.Mutex     // 保護 started / stopped
	batchMu    sync.Mutex     // RunAll 互斥，避免結果交錯
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Pool{
		workers:    make([]*Worker, 0),
		bufferSize: bufferSize,
		taskCh:     make(chan Task, bufferSize),
		resultCh:   make(chan Result, bufferSize),
		stopCh:     make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started") // 防止重複啟動
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	taskCh := p.taskCh
	stopCh := p.stopCh
	p.mu.Unlock()

	select {
	case <-stopCh:
		return ErrPoolClosed
	default:
	}
	select {
	case taskCh <- task:
		return nil
	case <-stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// RunAll 執行一批任務並依提交順序返回結果；任務 ID 會被改寫為批次內的位置
func (p *Pool) RunAll(tasks []Task) ([]Result, error) {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()

	results := make([]Result, len(tasks))
	for start := 0; start < len(tasks); start += p.bufferSize {
		end := start + p.bufferSize
		if end > len(tasks) {
			end = len(tasks)
		}
		for i := start; i < end; i++ {
			task := tasks[i]
			task.ID = uint64(i)
			if err := p.Submit(task); err != nil {
				return nil, err
			}
		}
		for i := start; i < end; i++ {
			r, err := p.ReceiveResult()
			if err != nil {
				return nil, err
			}
			results[r.TaskID] = r
		}
	}
	return results, nil
}

// Stop 優雅地關閉 Worker Pool
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	// taskCh 不關閉：Submit 可能仍在送出，worker 以 stopCh 結束
	close(p.stopCh)

	p.wg.Wait() // 等待所有 Worker 完成

	close(p.resultCh)
}

// Size 返回 Worker 數量
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
