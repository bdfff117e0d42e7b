// ============================================================================
// Substrender State - 輸入值快照 (Input State)
// ============================================================================
//
// Package: internal/state
// 文件: input_state.go
// 功能: 單一輸入值的快照，以及影像指標的索引表
//
// 設計:
//   InputState 是值型別：數值直接內嵌，影像以「索引」表示，
//   索引指向擁有者（GraphState 或 DeltaState）自己的 ImageTable。
//   兩個 InputState 的相等性必須連同各自的表一起比較：
//     - 數值：依型別比較前 N 個分量
//     - 影像：比較兩邊查到的 *graph.ImageInput 指標是否相同
//
//   ImageTable 是帶 free-list 的槽位陣列：
//     Store() 永遠放進最小的空槽
//     Remove() 清空槽位並更新 firstFree
//
// ============================================================================

package state

import (
	"github.com/ChuLiYu/substrender/internal/graph"
)

// NoImage 影像索引的空值
const NoImage = -1

// InputState 一個輸入在某時刻的值
type InputState struct {
	Type       graph.InputType
	Value      [4]float32
	ImageIndex int
}

// ImageTable 影像指標表
type ImageTable struct {
	slots     []*graph.ImageInput
	firstFree int
}

// Store 存入指標並返回槽位索引；nil 返回 NoImage
func (t *ImageTable) Store(img *graph.ImageInput) int {
	if img == nil {
		return NoImage
	}
	idx := t.firstFree
	if idx >= len(t.slots) {
		t.slots = append(t.slots, img)
		idx = len(t.slots) - 1
	} else {
		t.slots[idx] = img
	}

	t.firstFree = len(t.slots)
	for i := idx + 1; i < len(t.slots); i++ {
		if t.slots[i] == nil {
			t.firstFree = i
			break
		}
	}
	return idx
}

// Remove 清空槽位
func (t *ImageTable) Remove(idx int) {
	if idx < 0 || idx >= len(t.slots) {
		return
	}
	t.slots[idx] = nil
	if idx < t.firstFree {
		t.firstFree = idx
	}
}

// Get 取得槽位中的指標
func (t *ImageTable) Get(idx int) *graph.ImageInput {
	if idx < 0 || idx >= len(t.slots) {
		return nil
	}
	return t.slots[idx]
}

// Live 目前使用中的槽位數
func (t *ImageTable) Live() int {
	n := 0
	for _, s := range t.slots {
		if s != nil {
			n++
		}
	}
	return n
}

func (t *ImageTable) clone() ImageTable {
	return ImageTable{
		slots:     append([]*graph.ImageInput(nil), t.slots...),
		firstFree: t.firstFree,
	}
}

// equalInput 比較兩個 InputState，各自依所屬的影像表解析
func equalInput(a InputState, at *ImageTable, b InputState, bt *ImageTable) bool {
	if a.Type != b.Type {
		return false
	}
	if a.Type.IsImage() {
		return at.Get(a.ImageIndex) == bt.Get(b.ImageIndex)
	}
	n := a.Type.Components()
	for i := 0; i < n; i++ {
		if a.Value[i] != b.Value[i] {
			return false
		}
	}
	return true
}

// moveInput 將 src（屬於 st）複製到 dt 所屬的表中，返回新的 InputState
func moveInput(src InputState, st *ImageTable, dt *ImageTable) InputState {
	if !src.Type.IsImage() {
		src.ImageIndex = NoImage
		return src
	}
	src.ImageIndex = dt.Store(st.Get(src.ImageIndex))
	return src
}

// dropInput 釋放 s 在表 t 中佔用的槽位
func dropInput(s InputState, t *ImageTable) {
	if s.Type.IsImage() {
		t.Remove(s.ImageIndex)
	}
}
