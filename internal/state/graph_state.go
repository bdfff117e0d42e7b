// ============================================================================
// Substrender State - 圖狀態 (Graph State)
// ============================================================================
//
// Package: internal/state
// 文件: graph_state.go
// 功能: 渲染器眼中「引擎應有」的圖狀態，以及 link 時的 UID 翻譯表
//
// GraphState:
//   - 每個 GraphInstance 對應一個，由 render 的 States 註冊表持有
//   - 建立時取輸入的「預設值」作為快照（與組件 link 出來的初值一致）
//   - push 時由 DeltaState.Fill() 比較實例與快照，Apply() 立即更新快照
//   - 只在使用者執行緒上修改
//
// GraphBinary:
//   - 每次 link 都先 Reset()，再由 linker 的 UID 碰撞回呼改寫 TranslatedUID
//   - link 完成後依引擎描述以 sorted-merge join 解析出引擎索引
//   - 記錄「引擎最後確認收到的輸入值」，重新 link 後要推回新 handle
//   - 只在渲染執行緒上修改（建立除外）
//
// LinkGraphs:
//   - 依 GraphState UID 排序、去重的集合，作為 link 視窗的圖快照
//
// ============================================================================

package state

import (
	"sort"
	"sync/atomic"

	"github.com/ChuLiYu/substrender/internal/graph"
)

// InvalidIndex 尚未 link 的引擎索引
const InvalidIndex = ^uint32(0)

var graphStateUIDs atomic.Uint32

// ============================================================================
// GraphBinary
// ============================================================================

// EngineValue 引擎最後確認收到的輸入值
type EngineValue struct {
	Set   bool
	Value [4]float32
	Image *graph.ImageInput
}

// BinaryInput 輸入翻譯條目
type BinaryInput struct {
	UID           uint32
	TranslatedUID uint32
	Index         uint32
	Engine        EngineValue
}

// BinaryOutput 輸出翻譯條目
type BinaryOutput struct {
	UID           uint32
	TranslatedUID uint32
	Index         uint32
	// Format 目前 link 進引擎（或即將 link）的格式覆寫
	Format graph.OutputFormat
	// Pass 最後一次被排入處理的 pass 編號
	Pass uint64
}

// UIDIndex 引擎描述中的 (UID, 索引) 配對
type UIDIndex struct {
	UID   uint32
	Index uint32
}

// CollisionKind UID 碰撞的種類
type CollisionKind int

// 定義碰撞種類
const (
	CollisionInput CollisionKind = iota
	CollisionOutput
)

// GraphBinary link 時的 UID 翻譯表
type GraphBinary struct {
	Inputs  []BinaryInput
	Outputs []BinaryOutput
	linked  bool
}

func newGraphBinary(desc *graph.Desc) *GraphBinary {
	b := &GraphBinary{
		Inputs:  make([]BinaryInput, len(desc.Inputs)),
		Outputs: make([]BinaryOutput, len(desc.Outputs)),
	}
	for i := range desc.Inputs {
		b.Inputs[i].UID = desc.Inputs[i].UID
	}
	for i := range desc.Outputs {
		b.Outputs[i].UID = desc.Outputs[i].UID
	}
	b.Reset()
	return b
}

// Reset 清除翻譯結果；格式與引擎值保留
func (b *GraphBinary) Reset() {
	for i := range b.Inputs {
		b.Inputs[i].TranslatedUID = b.Inputs[i].UID
		b.Inputs[i].Index = InvalidIndex
	}
	for i := range b.Outputs {
		b.Outputs[i].TranslatedUID = b.Outputs[i].UID
		b.Outputs[i].Index = InvalidIndex
	}
	b.linked = false
}

// Linked 是否已 link 進目前的 handle
func (b *GraphBinary) Linked() bool { return b.linked }

// MarkLinked 標記已 link
func (b *GraphBinary) MarkLinked() { b.linked = true }

// Translate 套用 linker 的 UID 碰撞通知
func (b *GraphBinary) Translate(kind CollisionKind, previous, translated uint32) bool {
	switch kind {
	case CollisionInput:
		for i := range b.Inputs {
			if b.Inputs[i].TranslatedUID == previous {
				b.Inputs[i].TranslatedUID = translated
				return true
			}
		}
	case CollisionOutput:
		for i := range b.Outputs {
			if b.Outputs[i].TranslatedUID == previous {
				b.Outputs[i].TranslatedUID = translated
				return true
			}
		}
	}
	return false
}

// Resolve 以 sorted-merge join 將翻譯後 UID 對應到引擎索引
// inputs / outputs 必須依 UID 遞增排序
func (b *GraphBinary) Resolve(inputs, outputs []UIDIndex) {
	in := make([]int, len(b.Inputs))
	for i := range in {
		in[i] = i
	}
	sort.Slice(in, func(x, y int) bool {
		return b.Inputs[in[x]].TranslatedUID < b.Inputs[in[y]].TranslatedUID
	})
	j := 0
	for _, i := range in {
		uid := b.Inputs[i].TranslatedUID
		for j < len(inputs) && inputs[j].UID < uid {
			j++
		}
		if j < len(inputs) && inputs[j].UID == uid {
			b.Inputs[i].Index = inputs[j].Index
		}
	}

	out := make([]int, len(b.Outputs))
	for i := range out {
		out[i] = i
	}
	sort.Slice(out, func(x, y int) bool {
		return b.Outputs[out[x]].TranslatedUID < b.Outputs[out[y]].TranslatedUID
	})
	j = 0
	for _, i := range out {
		uid := b.Outputs[i].TranslatedUID
		for j < len(outputs) && outputs[j].UID < uid {
			j++
		}
		if j < len(outputs) && outputs[j].UID == uid {
			b.Outputs[i].Index = outputs[j].Index
		}
	}
}

// RecordEngineValue 記錄引擎已確認收到的輸入值
func (b *GraphBinary) RecordEngineValue(idx int, value [4]float32, img *graph.ImageInput) {
	b.Inputs[idx].Engine = EngineValue{Set: true, Value: value, Image: img}
}

// ============================================================================
// GraphState
// ============================================================================

// GraphState 引擎應有的圖狀態
type GraphState struct {
	uid     uint32
	desc    *graph.Desc
	inputs  []InputState
	outputs []graph.OutputFormat
	images  ImageTable
	binary  *GraphBinary
}

// NewGraphState 由實例建立狀態，輸入取預設值、輸出無格式覆寫
func NewGraphState(inst *graph.Instance) *GraphState {
	desc := inst.Desc
	s := &GraphState{
		uid:     graphStateUIDs.Add(1),
		desc:    desc,
		inputs:  make([]InputState, len(desc.Inputs)),
		outputs: make([]graph.OutputFormat, len(desc.Outputs)),
		binary:  newGraphBinary(desc),
	}
	for i := range desc.Inputs {
		s.inputs[i] = InputState{
			Type:       desc.Inputs[i].Type,
			Value:      desc.Inputs[i].Default,
			ImageIndex: NoImage,
		}
	}
	return s
}

// UID 狀態唯一識別碼（單調遞增）
func (s *GraphState) UID() uint32 { return s.uid }

// Desc 圖描述
func (s *GraphState) Desc() *graph.Desc { return s.desc }

// LinkData 不透明的組件資料
func (s *GraphState) LinkData() []byte { return s.desc.LinkData }

// Binary 翻譯表
func (s *GraphState) Binary() *GraphBinary { return s.binary }

// NumInputs 輸入個數
func (s *GraphState) NumInputs() int { return len(s.inputs) }

// Input 第 i 個輸入的快照
func (s *GraphState) Input(i int) InputState { return s.inputs[i] }

// InputImage 第 i 個輸入的影像指標
func (s *GraphState) InputImage(i int) *graph.ImageInput {
	return s.images.Get(s.inputs[i].ImageIndex)
}

// OutputFormat 第 j 個輸出的格式覆寫
func (s *GraphState) OutputFormat(j int) graph.OutputFormat { return s.outputs[j] }

// LiveImages 快照持有的影像個數
func (s *GraphState) LiveImages() int { return s.images.Live() }

// Apply 將 delta 的 modified 值寫入快照，CacheOnly 條目略過
func (s *GraphState) Apply(d *DeltaState) {
	for _, e := range d.Inputs {
		if e.CacheOnly {
			continue
		}
		dropInput(s.inputs[e.Index], &s.images)
		s.inputs[e.Index] = moveInput(e.Modified, &d.images, &s.images)
	}
	for _, e := range d.Outputs {
		s.outputs[e.Index] = e.Modified
	}
}

// ApplyAll 與 Apply 相同，但 CacheOnly 條目也寫入（重播排在新任務之後時，
// 引擎最後收到的就是這些值）
func (s *GraphState) ApplyAll(d *DeltaState) {
	for _, e := range d.Inputs {
		dropInput(s.inputs[e.Index], &s.images)
		s.inputs[e.Index] = moveInput(e.Modified, &d.images, &s.images)
	}
	for _, e := range d.Outputs {
		s.outputs[e.Index] = e.Modified
	}
}

// ============================================================================
// LinkGraphs
// ============================================================================

// LinkGraphs 依 UID 排序的 GraphState 集合
type LinkGraphs struct {
	States []*GraphState
}

// Add 插入一個狀態（已存在則忽略）
func (l *LinkGraphs) Add(s *GraphState) {
	i := sort.Search(len(l.States), func(i int) bool { return l.States[i].uid >= s.uid })
	if i < len(l.States) && l.States[i] == s {
		return
	}
	l.States = append(l.States, nil)
	copy(l.States[i+1:], l.States[i:])
	l.States[i] = s
}

// Merge 合併另一個集合（排序合併、去重）
func (l *LinkGraphs) Merge(o *LinkGraphs) {
	if o == nil || len(o.States) == 0 {
		return
	}
	merged := make([]*GraphState, 0, len(l.States)+len(o.States))
	i, j := 0, 0
	for i < len(l.States) || j < len(o.States) {
		switch {
		case j >= len(o.States):
			merged = append(merged, l.States[i])
			i++
		case i >= len(l.States):
			merged = append(merged, o.States[j])
			j++
		case l.States[i].uid < o.States[j].uid:
			merged = append(merged, l.States[i])
			i++
		case l.States[i].uid > o.States[j].uid:
			merged = append(merged, o.States[j])
			j++
		default:
			merged = append(merged, l.States[i])
			i++
			j++
		}
	}
	l.States = merged
}

// Contains 是否包含指定狀態
func (l *LinkGraphs) Contains(s *GraphState) bool {
	i := sort.Search(len(l.States), func(i int) bool { return l.States[i].uid >= s.uid })
	return i < len(l.States) && l.States[i] == s
}

// Len 集合大小
func (l *LinkGraphs) Len() int { return len(l.States) }
