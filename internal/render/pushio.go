// ============================================================================
// Substrender Render - 推送單元 (PushIO)
// ============================================================================
//
// Package: internal/render
// 文件: pushio.go
// 功能: 一次推送進引擎的工作：各實例的輸入差異 + 輸出請求
//
// 兩個獨立的狀態:
//   membership: pass == 目前處理 pass 編號 才算在本輪處理視窗內
//   progress:   Idle → InputsPending → InputsPushed → OutputsPending → OutputsComputed
//
// 完成計數 pendingInputs:
//   每推一個輸入 +1，引擎每回報一個 JobCompleted -1
//   歸 0 → 輸入全部推完；再 -1（輸出請求的 JobCompleted）→ 輸出全部完成
//
// 執行緒:
//   instances 在 push 之後不再變動，使用者執行緒可唯讀（重播時）；
//   其餘欄位只在渲染執行緒上讀寫（pull 與引擎回呼都在渲染執行緒）。
//
// ============================================================================

package render

import (
	"github.com/google/uuid"

	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/native"
	"github.com/ChuLiYu/substrender/internal/state"
)

type processResult int

const (
	processAppend processResult = iota
	processLinkRequired
	processCollision
)

type ioProgress int

const (
	progressIdle ioProgress = iota
	progressInputsPending
	progressInputsPushed
	progressOutputsPending
	progressOutputsComputed
)

type completion int

const (
	completeNo completion = iota
	completeYes
	completeDontKnow
)

// pushOutput 一個被請求的輸出
type pushOutput struct {
	index  int
	output *graph.Output
	token  *graph.RenderToken
}

// pushInstance 一個實例在這次推送中的工作
type pushInstance struct {
	state    *state.GraphState
	uid      uuid.UUID
	instance *graph.Instance
	delta    *state.DeltaState
	outputs  []pushOutput
}

// inputPush 輸入推送的 userData；引擎確認後記錄為引擎值
type inputPush struct {
	pio    *PushIO
	binary *state.GraphBinary
	index  int
	value  [4]float32
	image  *graph.ImageInput
}

// PushIO 推送單元
type PushIO struct {
	job       *Job
	instances []*pushInstance

	pass             uint64
	pulled           bool
	progress         ioProgress
	pendingInputs    int
	inputsPushed     int
	outputsRequested bool
	requested        map[uint32]*pushOutput
}

func newPushIO(job *Job) *PushIO {
	return &PushIO{job: job}
}

// Push 加入一個實例：為每個啟用且 dirty 的輸出配置 token，
// 計算差異並立即套用到 GraphState。沒有輸出需要計算時返回 false。
func (p *PushIO) Push(gs *state.GraphState, inst *graph.Instance) bool {
	var outputs []pushOutput
	for i, out := range inst.Outputs {
		if !out.Enabled() || !out.IsDirty() {
			continue
		}
		outputs = append(outputs, pushOutput{index: i, output: out, token: out.QueueRender()})
	}
	if len(outputs) == 0 {
		return false
	}

	delta := &state.DeltaState{}
	delta.Fill(gs, inst)
	gs.Apply(delta)

	p.instances = append(p.instances, &pushInstance{
		state:    gs,
		uid:      inst.UID,
		instance: inst,
		delta:    delta,
		outputs:  outputs,
	})
	return true
}

// pushInputsOnly 加入一個只推輸入的實例（重播剩餘的差異）
func (p *PushIO) pushInputsOnly(gs *state.GraphState, inst *graph.Instance, delta *state.DeltaState) {
	p.instances = append(p.instances, &pushInstance{
		state:    gs,
		uid:      inst.UID,
		instance: inst,
		delta:    delta,
	})
}

// instanceFor 找出屬於指定 GraphState 的實例條目
func (p *PushIO) instanceFor(gs *state.GraphState) *pushInstance {
	for _, pi := range p.instances {
		if pi.state == gs {
			return pi
		}
	}
	return nil
}

// enqueueProcess 加入本輪處理視窗
//
// 若本單元要改變某個輸出的格式，而該輸出在同一輪已被其他單元以不同格式佔用，
// 返回 processCollision，視窗在此截斷。
func (p *PushIO) enqueueProcess(pass uint64) processResult {
	for _, pi := range p.instances {
		b := pi.state.Binary()
		for _, e := range pi.delta.Outputs {
			bo := &b.Outputs[e.Index]
			if bo.Pass == pass && bo.Format != e.Modified {
				return processCollision
			}
		}
	}

	result := processAppend
	for _, pi := range p.instances {
		b := pi.state.Binary()
		if !b.Linked() {
			result = processLinkRequired
		}
		for _, e := range pi.delta.Outputs {
			bo := &b.Outputs[e.Index]
			if bo.Format != e.Modified {
				bo.Format = e.Modified
				result = processLinkRequired
			}
			bo.Pass = pass
		}
		for _, o := range pi.outputs {
			b.Outputs[o.index].Pass = pass
		}
	}
	p.pass = pass
	return result
}

// needsResume 本單元是否已在本輪推送、只需要讓引擎繼續計算
func (p *PushIO) needsResume(pass uint64) bool {
	return p.pass == pass && p.pulled
}

// pull 把本單元推進計算；不在本輪視窗內（且尚未完成）時返回 false
func (p *PushIO) pull(c *Computation, inputsOnly bool) bool {
	if p.pass != c.pass {
		return p.isComplete(inputsOnly) != completeNo
	}
	p.pulled = true

	if p.progress < progressInputsPushed {
		p.pendingInputs = 0
		p.inputsPushed = 0
		for _, pi := range p.instances {
			b := pi.state.Binary()
			for _, e := range pi.delta.Inputs {
				bi := &b.Inputs[e.Index]
				if bi.Index == state.InvalidIndex {
					continue
				}
				push := &inputPush{
					pio:    p,
					binary: b,
					index:  e.Index,
					value:  e.Modified.Value,
					image:  pi.delta.Image(e.Modified),
				}
				v := native.InputValue{Type: e.Modified.Type, Value: push.value, Image: push.image}
				if c.pushInput(bi.Index, v, push) {
					p.pendingInputs++
					p.inputsPushed++
				}
			}
		}
		if p.pendingInputs > 0 {
			p.progress = progressInputsPending
		} else {
			p.progress = progressInputsPushed
		}
	}

	if inputsOnly || p.progress == progressOutputsComputed {
		return true
	}

	var indices []uint32
	p.requested = make(map[uint32]*pushOutput)
	for _, pi := range p.instances {
		b := pi.state.Binary()
		for k := range pi.outputs {
			o := &pi.outputs[k]
			if o.token.IsComputed() || o.token.IsCanceled() {
				continue
			}
			idx := b.Outputs[o.index].Index
			if idx == state.InvalidIndex {
				continue
			}
			indices = append(indices, idx)
			p.requested[idx] = o
		}
	}
	p.outputsRequested = len(indices) > 0 && c.pushOutputs(indices, p)
	if p.outputsRequested && p.progress == progressInputsPushed {
		p.progress = progressOutputsPending
	}
	return true
}

// isComplete 依進度判斷是否完成；什麼都沒推送時返回 completeDontKnow
func (p *PushIO) isComplete(inputsOnly bool) completion {
	if !p.pulled {
		return completeNo
	}
	if inputsOnly || !p.outputsRequested {
		if p.progress < progressInputsPushed {
			return completeNo
		}
		if p.inputsPushed == 0 {
			return completeDontKnow
		}
		return completeYes
	}
	if p.progress == progressOutputsComputed {
		return completeYes
	}
	return completeNo
}

// abandon 放棄本單元（link 或計算失敗），之後視為已完成
func (p *PushIO) abandon() {
	p.pulled = true
	p.outputsRequested = true
	p.progress = progressOutputsComputed
}

// cancel 通知所有 token 此單元不再需要它們
func (p *PushIO) cancel() {
	for _, pi := range p.instances {
		for _, o := range pi.outputs {
			o.token.Cancel()
		}
	}
}

// outputCount 請求的輸出數
func (p *PushIO) outputCount() int {
	n := 0
	for _, pi := range p.instances {
		n += len(pi.outputs)
	}
	return n
}

// callbackJobComplete 引擎完成了一個推送
func (p *PushIO) callbackJobComplete() {
	p.pendingInputs--
	switch {
	case p.pendingInputs == 0:
		if p.outputsRequested {
			p.progress = progressOutputsPending
		} else {
			p.progress = progressInputsPushed
		}
	case p.pendingInputs < 0:
		p.progress = progressOutputsComputed
	}
}

// callbackOutputComplete 引擎完成了一個輸出；結果未被 token 接收時返回 false
func (p *PushIO) callbackOutputComplete(index uint32, result *graph.Result) bool {
	o, ok := p.requested[index]
	if !ok {
		return false
	}
	if !o.token.Fill(result) {
		return false
	}
	if cb := p.job.callbacks; cb != nil {
		cb.OutputComputed(p.job.uid, o.output.Instance, o.output)
	}
	return true
}
