package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnknownInput 輸入識別字不存在
	ErrUnknownInput = errors.New("unknown input")
	// ErrUnknownOutput 輸出識別字不存在
	ErrUnknownOutput = errors.New("unknown output")
	// ErrTypeMismatch 設定值與輸入型別不符
	ErrTypeMismatch = errors.New("input type mismatch")
	// ErrTokenCanceled token 被取消，不會再有結果
	ErrTokenCanceled = errors.New("render token canceled")
)

// DeletionObserver 在實例被刪除時收到通知
type DeletionObserver interface {
	NotifyDeleted(uid uuid.UUID)
}

// ============================================================================
// Input
// ============================================================================

// Input 實例上的一個輸入
type Input struct {
	Desc     *InputDesc
	instance *Instance
	value    [4]float32
	image    *ImageInput
}

// Value 目前的數值
func (in *Input) Value() [4]float32 { return in.value }

// Image 目前的影像（非影像輸入返回 nil）
func (in *Input) Image() *ImageInput { return in.image }

// SetValue 設定數值，並將實例輸出標為 dirty
func (in *Input) SetValue(values ...float32) error {
	if in.Desc.Type.IsImage() {
		return fmt.Errorf("%s: %w", in.Desc.Identifier, ErrTypeMismatch)
	}
	n := in.Desc.Type.Components()
	if len(values) != n {
		return fmt.Errorf("%s expects %d components, got %d: %w",
			in.Desc.Identifier, n, len(values), ErrTypeMismatch)
	}
	var v [4]float32
	copy(v[:], values)
	if v == in.value {
		return nil
	}
	in.value = v
	in.instance.FlagDirty()
	return nil
}

// SetImage 設定影像，並將實例輸出標為 dirty
func (in *Input) SetImage(img *ImageInput) error {
	if !in.Desc.Type.IsImage() {
		return fmt.Errorf("%s: %w", in.Desc.Identifier, ErrTypeMismatch)
	}
	if img == in.image {
		return nil
	}
	in.image = img
	in.instance.FlagDirty()
	return nil
}

// ============================================================================
// Output
// ============================================================================

// Output 實例上的一個輸出
type Output struct {
	Desc     *OutputDesc
	Instance *Instance

	mu      sync.Mutex
	enabled bool
	dirty   bool
	format  OutputFormat
	tokens  []*RenderToken // 由舊到新
}

// Enabled 是否啟用
func (o *Output) Enabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.enabled
}

// SetEnabled 啟用或停用輸出
func (o *Output) SetEnabled(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if enabled && !o.enabled {
		o.dirty = true
	}
	o.enabled = enabled
}

// IsDirty 是否需要重新計算
func (o *Output) IsDirty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dirty
}

// FlagDirty 標記需要重新計算
func (o *Output) FlagDirty() {
	o.mu.Lock()
	o.dirty = true
	o.mu.Unlock()
}

// Format 目前的格式覆寫（零值代表不覆寫）
func (o *Output) Format() OutputFormat {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.format
}

// SetFormat 設定格式覆寫
func (o *Output) SetFormat(f OutputFormat) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f == o.format {
		return
	}
	o.format = f
	o.dirty = true
}

// QueueRender 配置新的 RenderToken 並登記在此輸出上，同時清除 dirty 旗標
func (o *Output) QueueRender() *RenderToken {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := NewRenderToken()
	o.tokens = append(o.tokens, t)
	o.dirty = false
	return t
}

// Requeue 將仍存活的 token 重新登記在此輸出上（已登記則忽略）
func (o *Output) Requeue(t *RenderToken) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, existing := range o.tokens {
		if existing == t {
			return
		}
	}
	o.tokens = append(o.tokens, t)
}

// PendingTokens 目前登記中的 token 數量
func (o *Output) PendingTokens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tokens)
}

// GrabResult 取出最新一個已計算的結果
//
// 比該結果更舊的 token 與已取消的 token 一併移除，
// 較舊的結果直接釋放。沒有結果時返回 nil。
// 呼叫者取得結果的所有權，用完需呼叫 Result.Release()。
func (o *Output) GrabResult() *Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	newest := -1
	for i := len(o.tokens) - 1; i >= 0; i-- {
		if o.tokens[i].IsComputed() {
			newest = i
			break
		}
	}

	var result *Result
	kept := o.tokens[:0]
	for i, t := range o.tokens {
		switch {
		case i == newest:
			result = t.take()
		case i < newest:
			if r := t.take(); r != nil {
				r.Release()
			}
		case t.IsCanceled():
		default:
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(o.tokens); i++ {
		o.tokens[i] = nil
	}
	o.tokens = kept
	return result
}

// ReleaseResults 釋放指定引擎持有、仍掛在 token 上的結果
func (o *Output) ReleaseResults(engineUID uint64) int {
	o.mu.Lock()
	tokens := append([]*RenderToken(nil), o.tokens...)
	o.mu.Unlock()

	n := 0
	for _, t := range tokens {
		if t.releasePayload(engineUID) {
			n++
		}
	}
	return n
}

// ============================================================================
// Instance
// ============================================================================

// Instance 圖實例
type Instance struct {
	UID     uuid.UUID
	Desc    *Desc
	Inputs  []*Input
	Outputs []*Output

	mu        sync.Mutex
	observers []DeletionObserver
	deleted   bool
}

// NewInstance 由圖描述建立實例，輸入取預設值，輸出全部啟用且為 dirty
func NewInstance(desc *Desc) *Instance {
	inst := &Instance{
		UID:  uuid.New(),
		Desc: desc,
	}
	for i := range desc.Inputs {
		inst.Inputs = append(inst.Inputs, &Input{
			Desc:     &desc.Inputs[i],
			instance: inst,
			value:    desc.Inputs[i].Default,
		})
	}
	for i := range desc.Outputs {
		inst.Outputs = append(inst.Outputs, &Output{
			Desc:     &desc.Outputs[i],
			Instance: inst,
			enabled:  true,
			dirty:    true,
		})
	}
	return inst
}

// Input 依識別字查找輸入
func (inst *Instance) Input(identifier string) (*Input, error) {
	i := inst.Desc.InputIndex(identifier)
	if i < 0 {
		return nil, fmt.Errorf("%s.%s: %w", inst.Desc.Name, identifier, ErrUnknownInput)
	}
	return inst.Inputs[i], nil
}

// Output 依識別字查找輸出
func (inst *Instance) Output(identifier string) (*Output, error) {
	i := inst.Desc.OutputIndex(identifier)
	if i < 0 {
		return nil, fmt.Errorf("%s.%s: %w", inst.Desc.Name, identifier, ErrUnknownOutput)
	}
	return inst.Outputs[i], nil
}

// FlagDirty 將所有輸出標為 dirty
func (inst *Instance) FlagDirty() {
	for _, o := range inst.Outputs {
		o.FlagDirty()
	}
}

// Plug 登記一個刪除觀察者（例如 render 的 States 註冊表）
func (inst *Instance) Plug(obs DeletionObserver) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	for _, o := range inst.observers {
		if o == obs {
			return
		}
	}
	inst.observers = append(inst.observers, obs)
}

// Unplug 移除觀察者
func (inst *Instance) Unplug(obs DeletionObserver) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	for i, o := range inst.observers {
		if o == obs {
			inst.observers = append(inst.observers[:i], inst.observers[i+1:]...)
			return
		}
	}
}

// Delete 刪除實例並通知所有觀察者；重複呼叫無效
func (inst *Instance) Delete() {
	inst.mu.Lock()
	if inst.deleted {
		inst.mu.Unlock()
		return
	}
	inst.deleted = true
	observers := inst.observers
	inst.observers = nil
	inst.mu.Unlock()

	for _, obs := range observers {
		obs.NotifyDeleted(inst.UID)
	}
}

// IsDeleted 是否已刪除
func (inst *Instance) IsDeleted() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.deleted
}
