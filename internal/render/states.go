package render

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/state"
)

type stateEntry struct {
	instance *graph.Instance
	state    *state.GraphState
}

// States 圖實例 → GraphState 的註冊表
//
// 第一次存取某個實例時建立它的 GraphState，並把自己登記為該實例的
// 刪除觀察者；實例刪除後條目移除，重播任務以「查不到」判斷實例已刪除。
type States struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*stateEntry
}

var _ graph.DeletionObserver = (*States)(nil)

// NewStates 建立空的註冊表
func NewStates() *States {
	return &States{entries: make(map[uuid.UUID]*stateEntry)}
}

// Get 取得實例的 GraphState，不存在時建立
func (s *States) Get(inst *graph.Instance) *state.GraphState {
	s.mu.Lock()
	if e, ok := s.entries[inst.UID]; ok {
		s.mu.Unlock()
		return e.state
	}
	e := &stateEntry{instance: inst, state: state.NewGraphState(inst)}
	s.entries[inst.UID] = e
	s.mu.Unlock()

	inst.Plug(s)
	return e.state
}

// Lookup 依 UID 查找仍存活的實例
func (s *States) Lookup(uid uuid.UUID) (*graph.Instance, *state.GraphState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[uid]
	if !ok {
		return nil, nil, false
	}
	return e.instance, e.state, true
}

// NotifyDeleted 實例被刪除時移除條目；未登記的 UID 是呼叫端錯誤
func (s *States) NotifyDeleted(uid uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[uid]; !ok {
		panic(fmt.Sprintf("render: NotifyDeleted for unregistered instance %s", uid))
	}
	delete(s.entries, uid)
}

// Fill 把所有存活的 GraphState 併入 link 快照（依狀態 UID 去重排序）
func (s *States) Fill(lg *state.LinkGraphs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		lg.Add(e.state)
	}
}

// ReleaseRenderResults 釋放所有輸出上由指定引擎持有的結果
func (s *States) ReleaseRenderResults(engineUID uint64) int {
	s.mu.Lock()
	instances := make([]*graph.Instance, 0, len(s.entries))
	for _, e := range s.entries {
		instances = append(instances, e.instance)
	}
	s.mu.Unlock()

	n := 0
	for _, inst := range instances {
		for _, out := range inst.Outputs {
			n += out.ReleaseResults(engineUID)
		}
	}
	return n
}

// Len 註冊的實例數
func (s *States) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
