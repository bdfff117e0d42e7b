// ============================================================================
// Substrender State - 差異 (Delta State)
// ============================================================================
//
// Package: internal/state
// 文件: delta_state.go
// 功能: 兩個 GraphState 之間的稀疏差異，依索引排序
//
// 條目:
//   InputEntry  { Index, Previous, Modified, CacheOnly }
//   OutputEntry { Index, Previous, Modified }（輸出格式覆寫）
//   CacheOnly 代表值未改變，只是為了讓引擎快取邏輯看到而記錄；Apply 會略過
//
// 合併模式 Append(src, mode)，以索引做排序合併:
//
//   模式            碰撞時                                 src 獨有條目
//   ─────────────  ─────────────────────────────────────  ────────────────────
//   AppendDefault   previous ← src.previous，modified 保留   原樣插入
//   AppendReverse   modified ← src.previous，previous 保留   反向插入(prev/mod 對調)
//   AppendOverride  modified ← src.modified，若等於          原樣插入
//                   previous 則整條移除
//
//   AppendReverse 用於把「較早」的 delta 反向併入累積器：
//     累積器 A 原本描述 S_k → S_j，併入 d = (S_{j-1} → S_j) 後變成 S_k → S_{j-1}
//   AppendDefault 用於把累積器接在重播 delta 之前：
//     d = (S_{j-1} → S_j)，A = (S_k → S_{j-1})，合併後 d 描述 S_k → S_j
//
// ============================================================================

package state

import (
	"github.com/ChuLiYu/substrender/internal/graph"
)

// AppendMode 合併模式
type AppendMode int

// 定義合併模式常數
const (
	AppendDefault AppendMode = iota
	AppendReverse
	AppendOverride
)

// InputEntry 輸入差異條目
type InputEntry struct {
	Index     int
	Previous  InputState
	Modified  InputState
	CacheOnly bool
}

// OutputEntry 輸出格式差異條目
type OutputEntry struct {
	Index    int
	Previous graph.OutputFormat
	Modified graph.OutputFormat
}

// DeltaState 稀疏差異
type DeltaState struct {
	Inputs  []InputEntry
	Outputs []OutputEntry
	images  ImageTable
}

// Fill 比較實例目前值與狀態快照，記錄所有差異
func (d *DeltaState) Fill(s *GraphState, inst *graph.Instance) {
	*d = DeltaState{}

	for i, in := range inst.Inputs {
		cur := s.inputs[i]
		mod := InputState{Type: cur.Type, ImageIndex: NoImage}
		var changed bool
		if cur.Type.IsImage() {
			changed = s.images.Get(cur.ImageIndex) != in.Image()
		} else {
			mod.Value = in.Value()
			changed = !equalInput(cur, &s.images, mod, &d.images)
		}
		if !changed && !in.Desc.CacheAlways {
			continue
		}
		if cur.Type.IsImage() {
			mod.ImageIndex = d.images.Store(in.Image())
		}
		d.Inputs = append(d.Inputs, InputEntry{
			Index:     i,
			Previous:  moveInput(cur, &s.images, &d.images),
			Modified:  mod,
			CacheOnly: !changed,
		})
	}

	for j, out := range inst.Outputs {
		f := out.Format()
		if f != s.outputs[j] {
			d.Outputs = append(d.Outputs, OutputEntry{Index: j, Previous: s.outputs[j], Modified: f})
		}
	}
}

// Image 解析屬於此 delta 的影像索引
func (d *DeltaState) Image(st InputState) *graph.ImageInput {
	return d.images.Get(st.ImageIndex)
}

// IsEmpty 沒有任何條目
func (d *DeltaState) IsEmpty() bool {
	return len(d.Inputs) == 0 && len(d.Outputs) == 0
}

// IsIdentity 所有條目的 previous 與 modified 都相同
func (d *DeltaState) IsIdentity() bool {
	for _, e := range d.Inputs {
		if !equalInput(e.Previous, &d.images, e.Modified, &d.images) {
			return false
		}
	}
	for _, e := range d.Outputs {
		if e.Previous != e.Modified {
			return false
		}
	}
	return true
}

// Clone 深複製
func (d *DeltaState) Clone() *DeltaState {
	return &DeltaState{
		Inputs:  append([]InputEntry(nil), d.Inputs...),
		Outputs: append([]OutputEntry(nil), d.Outputs...),
		images:  d.images.clone(),
	}
}

// Append 依模式合併 src
func (d *DeltaState) Append(src *DeltaState, mode AppendMode) {
	d.appendInputs(src, mode)
	d.appendOutputs(src, mode)
}

func (d *DeltaState) appendInputs(src *DeltaState, mode AppendMode) {
	merged := make([]InputEntry, 0, len(d.Inputs)+len(src.Inputs))
	i, j := 0, 0
	for i < len(d.Inputs) || j < len(src.Inputs) {
		switch {
		case j >= len(src.Inputs) || (i < len(d.Inputs) && d.Inputs[i].Index < src.Inputs[j].Index):
			merged = append(merged, d.Inputs[i])
			i++

		case i >= len(d.Inputs) || src.Inputs[j].Index < d.Inputs[i].Index:
			s := src.Inputs[j]
			e := InputEntry{Index: s.Index, CacheOnly: s.CacheOnly}
			if mode == AppendReverse {
				e.Previous = moveInput(s.Modified, &src.images, &d.images)
				e.Modified = moveInput(s.Previous, &src.images, &d.images)
			} else {
				e.Previous = moveInput(s.Previous, &src.images, &d.images)
				e.Modified = moveInput(s.Modified, &src.images, &d.images)
			}
			merged = append(merged, e)
			j++

		default:
			e, s := d.Inputs[i], src.Inputs[j]
			switch mode {
			case AppendDefault:
				dropInput(e.Previous, &d.images)
				e.Previous = moveInput(s.Previous, &src.images, &d.images)
			case AppendReverse:
				dropInput(e.Modified, &d.images)
				e.Modified = moveInput(s.Previous, &src.images, &d.images)
			case AppendOverride:
				dropInput(e.Modified, &d.images)
				e.Modified = moveInput(s.Modified, &src.images, &d.images)
			}
			same := equalInput(e.Previous, &d.images, e.Modified, &d.images)
			if mode == AppendOverride && same {
				dropInput(e.Previous, &d.images)
				dropInput(e.Modified, &d.images)
			} else {
				e.CacheOnly = same
				merged = append(merged, e)
			}
			i++
			j++
		}
	}
	d.Inputs = merged
}

func (d *DeltaState) appendOutputs(src *DeltaState, mode AppendMode) {
	merged := make([]OutputEntry, 0, len(d.Outputs)+len(src.Outputs))
	i, j := 0, 0
	for i < len(d.Outputs) || j < len(src.Outputs) {
		switch {
		case j >= len(src.Outputs) || (i < len(d.Outputs) && d.Outputs[i].Index < src.Outputs[j].Index):
			merged = append(merged, d.Outputs[i])
			i++

		case i >= len(d.Outputs) || src.Outputs[j].Index < d.Outputs[i].Index:
			s := src.Outputs[j]
			if mode == AppendReverse {
				s.Previous, s.Modified = s.Modified, s.Previous
			}
			merged = append(merged, s)
			j++

		default:
			e, s := d.Outputs[i], src.Outputs[j]
			switch mode {
			case AppendDefault:
				e.Previous = s.Previous
			case AppendReverse:
				e.Modified = s.Previous
			case AppendOverride:
				e.Modified = s.Modified
			}
			if !(mode == AppendOverride && e.Previous == e.Modified) {
				merged = append(merged, e)
			}
			i++
			j++
		}
	}
	d.Outputs = merged
}
