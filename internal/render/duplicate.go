// ============================================================================
// Substrender Render - 重播 (DuplicateJob)
// ============================================================================
//
// Package: internal/render
// 文件: duplicate.go
// 功能: 取消並取代時，把被取消的任務重建成新任務，維持輸入狀態一致
//
// 累積器（每個實例一個 DeltaState）:
//   prepend(d)  AppendReverse：由最後一個被取消的任務往前併入，
//               結果描述「目前狀態 → 被取消鏈開始前的狀態」
//   append(d)   AppendOverride：整個被剪掉的實例把它的差異併回累積器，
//               回到恆等時移除條目
//   fix(d)      AppendDefault：把累積器接到重播差異之前並移除條目，
//               第一個存活的重播單元因此從目前狀態倒回正確的起點
//
// 流程（Renderer.Run 取消並取代時）:
//   1. 新任務排在最前時，新任務先 prepend（它是最新的差異）
//   2. 被取消的任務由尾到頭、每個任務的 PushIO 由尾到頭 prepend
//   3. 依序複製每個被取消的任務，剪掉已刪除的實例、已計算或被過濾的輸出
//   4. 新任務排在最後時，新任務的差異也要 fix；仍存活實例的剩餘差異
//      成為新任務第一個 PushIO 裡只推輸入的條目，之後累積器必須為空
//   5. 新任務排在最前時，重播差異（含 CacheOnly 條目）立即寫入 GraphState；
//      剩餘差異再接上新任務的差異，成為最後一個重播任務尾端只推輸入的單元，
//      引擎與 GraphState 最後回到新任務推送後的狀態
//
// 被取消的原任務仍留在鏈上、只推輸入，所以重播開始時引擎已在
// 「被取消鏈結束」的狀態，累積器的倒回正是從這個狀態出發。
//
// ============================================================================

package render

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ChuLiYu/substrender/internal/state"
)

// OutputsFilter 新任務已涵蓋的輸出，重播時不再計算
type OutputsFilter struct {
	outputs map[uuid.UUID]map[int]struct{}
}

// NewOutputsFilter 收集任務請求的所有輸出
func NewOutputsFilter(job *Job) *OutputsFilter {
	f := &OutputsFilter{outputs: make(map[uuid.UUID]map[int]struct{})}
	for _, pio := range job.pushIOs {
		for _, pi := range pio.instances {
			set, ok := f.outputs[pi.uid]
			if !ok {
				set = make(map[int]struct{})
				f.outputs[pi.uid] = set
			}
			for _, o := range pi.outputs {
				set[o.index] = struct{}{}
			}
		}
	}
	return f
}

// Contains 輸出是否被過濾；nil filter 不過濾任何輸出
func (f *OutputsFilter) Contains(uid uuid.UUID, index int) bool {
	if f == nil {
		return false
	}
	_, ok := f.outputs[uid][index]
	return ok
}

// DuplicateJob 一次取消並取代的重播上下文
type DuplicateJob struct {
	linkGraphs *state.LinkGraphs
	filter     *OutputsFilter
	states     *States
	newFirst   bool
	deltas     map[uuid.UUID]*state.DeltaState
	order      []uuid.UUID
}

// NewDuplicateJob 建立重播上下文
func NewDuplicateJob(linkGraphs *state.LinkGraphs, filter *OutputsFilter, states *States, newFirst bool) *DuplicateJob {
	return &DuplicateJob{
		linkGraphs: linkGraphs,
		filter:     filter,
		states:     states,
		newFirst:   newFirst,
		deltas:     make(map[uuid.UUID]*state.DeltaState),
	}
}

func (d *DuplicateJob) track(uid uuid.UUID, delta *state.DeltaState) {
	if _, ok := d.deltas[uid]; !ok {
		d.order = append(d.order, uid)
	}
	d.deltas[uid] = delta
}

func (d *DuplicateJob) erase(uid uuid.UUID) {
	delete(d.deltas, uid)
}

// Append 以 AppendOverride 併入累積器，回到恆等時移除
func (d *DuplicateJob) Append(uid uuid.UUID, delta *state.DeltaState) {
	acc, ok := d.deltas[uid]
	if !ok {
		d.track(uid, delta.Clone())
		return
	}
	acc.Append(delta, state.AppendOverride)
	if acc.IsIdentity() {
		d.erase(uid)
	}
}

// Prepend 以 AppendReverse 併入累積器（不存在時建立）
func (d *DuplicateJob) Prepend(uid uuid.UUID, delta *state.DeltaState) {
	acc, ok := d.deltas[uid]
	if !ok {
		acc = &state.DeltaState{}
		d.track(uid, acc)
	}
	acc.Append(delta, state.AppendReverse)
}

// Fix 把累積器以 AppendDefault 併入 delta 並移除累積器條目
func (d *DuplicateJob) Fix(uid uuid.UUID, delta *state.DeltaState) {
	acc, ok := d.deltas[uid]
	if !ok {
		return
	}
	delta.Append(acc, state.AppendDefault)
	d.erase(uid)
}

// HasDelta 累積器是否還有任何非恆等的差異
func (d *DuplicateJob) HasDelta() bool {
	for _, acc := range d.deltas {
		if !acc.IsIdentity() {
			return true
		}
	}
	return false
}

// prependJob 由尾到頭把任務的差異 prepend
func (d *DuplicateJob) prependJob(job *Job) {
	for i := len(job.pushIOs) - 1; i >= 0; i-- {
		for _, pi := range job.pushIOs[i].instances {
			d.Prepend(pi.uid, pi.delta)
		}
	}
}

// duplicateJob 重建被取消的任務；沿用原任務 UID 與回呼，link 快照用新任務的
// 全部單元都被剪掉時返回 nil
func (d *DuplicateJob) duplicateJob(src *Job) *Job {
	dup := newJob(src.uid, src.callbacks)
	dup.created = src.created
	dup.linkGraphs.Merge(d.linkGraphs)
	for _, pio := range src.pushIOs {
		if np := d.duplicatePushIO(dup, pio); np != nil {
			dup.pushIOs = append(dup.pushIOs, np)
		}
	}
	if dup.IsEmpty() {
		return nil
	}
	return dup
}

// duplicatePushIO 重建一個 PushIO
//
// 已刪除的實例直接略過；已計算、已取消或被過濾的輸出不重算。
// 存活的 token 增加一個引用並重新登記在輸出上，等待者不受影響。
// 沒有存活輸出的實例把差異 append 回累積器，其餘實例的差異經 fix 修正。
func (d *DuplicateJob) duplicatePushIO(job *Job, src *PushIO) *PushIO {
	np := newPushIO(job)
	for _, si := range src.instances {
		inst, gs, ok := d.states.Lookup(si.uid)
		if !ok || gs != si.state {
			continue
		}

		var outputs []pushOutput
		for _, o := range si.outputs {
			if o.token.IsComputed() || o.token.IsCanceled() || d.filter.Contains(si.uid, o.index) {
				continue
			}
			o.token.Retain()
			o.output.Requeue(o.token)
			outputs = append(outputs, o)
		}
		if len(outputs) == 0 {
			d.Append(si.uid, si.delta)
			continue
		}

		delta := si.delta.Clone()
		d.Fix(si.uid, delta)
		if d.newFirst {
			gs.ApplyAll(delta)
		}
		np.instances = append(np.instances, &pushInstance{
			state:    gs,
			uid:      si.uid,
			instance: inst,
			delta:    delta,
			outputs:  outputs,
		})
	}
	if len(np.instances) == 0 {
		return nil
	}
	return np
}

// fixNewJob 新任務排在重播之後：修正新任務的差異，
// 剩餘的累積差異成為新任務第一個 PushIO 裡只推輸入的條目
func (d *DuplicateJob) fixNewJob(job *Job) {
	for _, pio := range job.pushIOs {
		for _, pi := range pio.instances {
			d.Fix(pi.uid, pi.delta)
		}
	}
	d.flushLeftover(job, false)
	if d.HasDelta() {
		panic(fmt.Sprintf("render: %d instance deltas left after replaying job %d", len(d.deltas), job.uid))
	}
}

// finishNewFirst 新任務排在重播之前：剩餘差異接上新任務的差異，
// 放在 tail 尾端，重播結束後回到新任務推送後的狀態
func (d *DuplicateJob) finishNewFirst(tail, newJob *Job) {
	for _, pio := range newJob.pushIOs {
		for _, pi := range pio.instances {
			d.Append(pi.uid, pi.delta)
		}
	}
	d.flushLeftover(tail, true)
}

// flushLeftover 把剩餘差異變成 job 裡只推輸入的條目；已刪除的實例丟棄
// atEnd 為 false 時放進第一個 PushIO；為 true 時放進新增的最後一個 PushIO，
// 並立即套用到 GraphState
func (d *DuplicateJob) flushLeftover(job *Job, atEnd bool) {
	var tail *PushIO
	for _, uid := range d.order {
		acc, ok := d.deltas[uid]
		if !ok {
			continue
		}
		d.erase(uid)
		if acc.IsIdentity() {
			continue
		}
		inst, gs, live := d.states.Lookup(uid)
		if !live {
			continue
		}

		if atEnd {
			if tail == nil {
				tail = newPushIO(job)
				job.pushIOs = append(job.pushIOs, tail)
			}
			tail.pushInputsOnly(gs, inst, acc)
			gs.ApplyAll(acc)
			continue
		}

		if len(job.pushIOs) == 0 {
			job.pushIOs = append(job.pushIOs, newPushIO(job))
		}
		head := job.pushIOs[0]
		if pi := head.instanceFor(gs); pi != nil {
			acc.Append(pi.delta, state.AppendOverride)
			pi.delta = acc
			continue
		}
		head.pushInputsOnly(gs, inst, acc)
	}
	d.order = nil
}
