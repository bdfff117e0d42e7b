// ============================================================================
// Substrender Render - 渲染任務 (Job)
// ============================================================================
//
// Package: internal/render
// 文件: job.go
// 功能: 兩次 Run() 之間推送的一批 PushIO，以及任務鏈
//
// 狀態轉換:
//   Setup ──Activate()──▶ Pending ──Pull()──▶ Computing ──▶ Done
//
// 任務鏈:
//   next 以 atomic.Pointer 發布。多個任務一起啟用時必須由尾到頭：
//   渲染執行緒看到某個 next 時，它指向的任務一定已經是 Pending。
//   任務物件由使用者執行緒持有（Renderer.jobs），渲染執行緒只沿 next 走。
//
// 同一個 GraphState 在一批中被推送多次時，第 k 次推送進第 k 個 PushIO，
// 保持同一實例上編輯的先後順序。
//
// ============================================================================

package render

import (
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/state"
	"github.com/ChuLiYu/substrender/pkg/types"
)

// JobState 任務狀態
type JobState int32

// 定義任務狀態常數
const (
	JobSetup JobState = iota
	JobPending
	JobComputing
	JobDone
)

func (s JobState) String() string {
	switch s {
	case JobSetup:
		return "setup"
	case JobPending:
		return "pending"
	case JobComputing:
		return "computing"
	case JobDone:
		return "done"
	default:
		return "unknown"
	}
}

// Job 渲染任務
type Job struct {
	uid       types.JobUID
	callbacks Callbacks
	created   time.Time

	state    atomic.Int32
	canceled atomic.Bool
	next     atomic.Pointer[Job]

	pushIOs    []*PushIO
	usage      map[uint32]int
	linkGraphs state.LinkGraphs
	engine     *Engine
}

func newJob(uid types.JobUID, cb Callbacks) *Job {
	return &Job{
		uid:       uid,
		callbacks: cb,
		created:   time.Now(),
		usage:     make(map[uint32]int),
	}
}

// UID 任務識別碼
func (j *Job) UID() types.JobUID { return j.uid }

// State 目前狀態
func (j *Job) State() JobState { return JobState(j.state.Load()) }

// IsCanceled 是否已取消
func (j *Job) IsCanceled() bool { return j.canceled.Load() }

// Next 鏈上的下一個任務
func (j *Job) Next() *Job { return j.next.Load() }

// IsEmpty 沒有任何 PushIO
func (j *Job) IsEmpty() bool { return len(j.pushIOs) == 0 }

// Push 推送一個實例；沒有輸出需要計算時返回 false
func (j *Job) Push(gs *state.GraphState, inst *graph.Instance) bool {
	seq := j.usage[gs.UID()]
	if seq < len(j.pushIOs) {
		if !j.pushIOs[seq].Push(gs, inst) {
			return false
		}
		j.usage[gs.UID()] = seq + 1
		return true
	}

	pio := newPushIO(j)
	if !pio.Push(gs, inst) {
		return false
	}
	j.pushIOs = append(j.pushIOs, pio)
	j.usage[gs.UID()] = seq + 1
	return true
}

// SnapshotStates 擷取 link 時要用的圖快照；必須在 Activate 之前
func (j *Job) SnapshotStates(states *States) {
	states.Fill(&j.linkGraphs)
}

// Activate Setup → Pending，並接在 previous 之後
func (j *Job) Activate(previous *Job) {
	j.state.Store(int32(JobPending))
	if previous != nil {
		previous.next.Store(j)
	}
}

// Cancel 取消此任務；cancelList 時連同鏈上後續任務（由尾到頭）
// 返回是否有任務真的從未取消變成取消
func (j *Job) Cancel(cancelList bool) bool {
	return j.cancel(cancelList) > 0
}

func (j *Job) cancel(cancelList bool) int {
	chain := []*Job{j}
	if cancelList {
		for n := j.Next(); n != nil; n = n.Next() {
			chain = append(chain, n)
		}
	}

	n := 0
	for i := len(chain) - 1; i >= 0; i-- {
		job := chain[i]
		if !job.canceled.CompareAndSwap(false, true) {
			continue
		}
		for _, pio := range job.pushIOs {
			pio.cancel()
		}
		n++
	}
	return n
}

// Pull 把本任務在本輪視窗內的 PushIO 推進計算；遇到視窗外的 PushIO 返回 false
func (j *Job) Pull(c *Computation) bool {
	j.state.Store(int32(JobComputing))
	j.engine = c.engine
	inputsOnly := j.IsCanceled()
	for _, pio := range j.pushIOs {
		if !pio.pull(c, inputsOnly) {
			return false
		}
	}
	return true
}

// IsComplete 由尾到頭找第一個能判定的 PushIO；全部無法判定（或沒有 PushIO）視為完成
func (j *Job) IsComplete() bool {
	inputsOnly := j.IsCanceled()
	for i := len(j.pushIOs) - 1; i >= 0; i-- {
		switch j.pushIOs[i].isComplete(inputsOnly) {
		case completeYes:
			return true
		case completeNo:
			return false
		}
	}
	return true
}

// needsResume 第一個未完成的 PushIO 是否已在本輪推送（且任務未取消）
func (j *Job) needsResume(pass uint64) bool {
	if j.IsCanceled() {
		return false
	}
	for _, pio := range j.pushIOs {
		if pio.isComplete(false) == completeYes {
			continue
		}
		return pio.needsResume(pass)
	}
	return true
}

// abandon 放棄所有 PushIO（引擎失敗時）
func (j *Job) abandon() {
	for _, pio := range j.pushIOs {
		pio.abandon()
	}
}

// outputCount 請求的輸出總數
func (j *Job) outputCount() int {
	n := 0
	for _, pio := range j.pushIOs {
		n += pio.outputCount()
	}
	return n
}
