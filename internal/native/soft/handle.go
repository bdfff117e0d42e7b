package soft

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/native"
	"github.com/ChuLiYu/substrender/internal/state"
	"github.com/ChuLiYu/substrender/internal/worker"
)

type inputSlot struct {
	uid   uint32
	orig  uint32
	graph int
	value native.InputValue
}

type outputSlot struct {
	uid        uint32
	orig       uint32
	graph      int
	pattern    string
	format     graph.OutputFormat
	nativeSize [2]int
	enabled    bool
}

type graphSlot struct {
	name   string
	inputs []int
}

type pendingJob struct {
	input    bool
	index    uint32
	value    native.InputValue
	outputs  []uint32
	userData any
}

// Handle 軟體引擎的計算實體
//
// 推送只是排入佇列；Compute() 在呼叫端 goroutine 上依序消化佇列，
// 輸出以 worker pool 平行產生，回呼則一律回到呼叫端 goroutine。
type Handle struct {
	lib     *Library
	cb      native.Callbacks
	graphs  []graphSlot
	inputs  []inputSlot
	outputs []outputSlot
	desc    native.Desc

	mu          sync.Mutex
	queue       []pendingJob
	hard        native.HardResources
	pendingHard *native.HardResources
	latest      map[uint32]*texture
	cache       *outputCache
	pool        *worker.Pool
	released    bool

	stop      atomic.Bool
	computing atomic.Bool
}

var _ native.Handle = (*Handle)(nil)

func newHandle(lib *Library, binary []byte, hr native.HardResources, cb native.Callbacks) (*Handle, error) {
	m, err := unmarshalStruct(binary)
	if err != nil {
		return nil, errors.Wrapf(native.ErrInvalidBinary, "decode: %v", err)
	}
	if v := int(num(m["version"])); v != binaryVersion {
		return nil, errors.Wrapf(native.ErrInvalidBinary, "version %d", v)
	}

	h := &Handle{
		lib:    lib,
		cb:     cb,
		hard:   hr,
		latest: make(map[uint32]*texture),
		cache:  newOutputCache(hr.MemoryBudget),
	}
	for gi, rawGraph := range asList(m["graphs"]) {
		g := obj(rawGraph)
		gs := graphSlot{name: str(g["name"])}
		for _, raw := range asList(g["inputs"]) {
			in := obj(raw)
			typ, err := graph.ParseInputType(str(in["type"]))
			if err != nil {
				return nil, errors.Wrapf(native.ErrInvalidBinary, "%s: %v", gs.name, err)
			}
			gs.inputs = append(gs.inputs, len(h.inputs))
			h.inputs = append(h.inputs, inputSlot{
				uid:   uint32(num(in["uid"])),
				orig:  uint32(num(in["orig"])),
				graph: gi,
				value: native.InputValue{Type: typ, Value: unvec(in["default"])},
			})
		}
		for _, raw := range asList(g["outputs"]) {
			out := obj(raw)
			f, err := decodeFormat(out)
			if err != nil {
				return nil, errors.Wrapf(native.ErrInvalidBinary, "%s: %v", gs.name, err)
			}
			size := asList(out["native"])
			slot := outputSlot{
				uid:     uint32(num(out["uid"])),
				orig:    uint32(num(out["orig"])),
				graph:   gi,
				pattern: str(out["pattern"]),
				format:  f,
				enabled: boolean(out["enabled"]),
			}
			slot.nativeSize = [2]int{f.Width, f.Height}
			if len(size) == 2 && num(size[0]) > 0 && num(size[1]) > 0 {
				slot.nativeSize = [2]int{int(num(size[0])), int(num(size[1]))}
			}
			h.outputs = append(h.outputs, slot)
		}
		h.graphs = append(h.graphs, gs)
	}

	for i, in := range h.inputs {
		h.desc.Inputs = append(h.desc.Inputs, state.UIDIndex{UID: in.uid, Index: uint32(i)})
	}
	for i, out := range h.outputs {
		h.desc.Outputs = append(h.desc.Outputs, state.UIDIndex{UID: out.uid, Index: uint32(i)})
	}
	sortedUIDIndex(h.desc.Inputs)
	sortedUIDIndex(h.desc.Outputs)

	h.pool = worker.NewPool(poolBuffer)
	if err := h.pool.Start(hr.Cores()); err != nil {
		return nil, errors.Wrap(err, "start compute pool")
	}
	return h, nil
}

const poolBuffer = 64

// TransferCache 接手另一個 handle 的輸出快取
func (h *Handle) TransferCache(from native.Handle) {
	other, ok := from.(*Handle)
	if !ok || other == h {
		return
	}
	h.cache.absorb(other.cache)
}

// SwitchHardResources 排定新的硬體資源，於下一次 Compute() 開始時生效
func (h *Handle) SwitchHardResources(hr native.HardResources) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pendingHard = &hr
}

// HardResources 目前生效的硬體資源
func (h *Handle) HardResources() native.HardResources {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hard
}

func (h *Handle) applyPendingHard() {
	h.mu.Lock()
	pending := h.pendingHard
	h.pendingHard = nil
	if pending == nil {
		h.mu.Unlock()
		return
	}
	oldCores := h.hard.Cores()
	h.hard = *pending
	h.mu.Unlock()

	h.cache.setBudget(pending.MemoryBudget)
	if pending.Cores() != oldCores {
		pool := worker.NewPool(poolBuffer)
		if err := pool.Start(pending.Cores()); err == nil {
			old := h.pool
			h.pool = pool
			old.Stop()
		}
	}
}

// PushInput 排入一個輸入推送
func (h *Handle) PushInput(index uint32, v native.InputValue, userData any) error {
	if int(index) >= len(h.inputs) {
		return errors.Errorf("soft: input index %d out of range", index)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return native.ErrReleased
	}
	h.queue = append(h.queue, pendingJob{input: true, index: index, value: v, userData: userData})
	return nil
}

// PushOutputs 排入一個輸出推送
func (h *Handle) PushOutputs(indices []uint32, userData any) error {
	for _, idx := range indices {
		if int(idx) >= len(h.outputs) {
			return errors.Wrapf(native.ErrNoSuchOutput, "index %d", idx)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return native.ErrReleased
	}
	h.queue = append(h.queue, pendingJob{outputs: append([]uint32(nil), indices...), userData: userData})
	return nil
}

// Flush 丟棄尚未計算的推送
func (h *Handle) Flush() {
	h.mu.Lock()
	h.queue = nil
	h.mu.Unlock()
	h.stop.Store(false)
}

// Stop 讓進行中的 Compute() 在目前這個推送完成後返回
func (h *Handle) Stop() {
	h.stop.Store(true)
}

// State 返回 handle 狀態旗標
func (h *Handle) State() native.HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	var s native.HandleState
	if h.computing.Load() || len(h.queue) > 0 {
		s |= native.StateRenderPending
	}
	return s
}

// Desc 已 link 的描述
func (h *Handle) Desc() native.Desc {
	return h.desc
}

// Texture 返回輸出最近一次的結果
func (h *Handle) Texture(index uint32) (native.Texture, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tex, ok := h.latest[index]
	if !ok {
		return nil, errors.Wrapf(native.ErrNoSuchOutput, "no result for index %d", index)
	}
	return tex.retain(), nil
}

// CacheUsage 快取條目數與位元組數
func (h *Handle) CacheUsage() (int, uint64) {
	return h.cache.usage()
}

// Compute 依序消化佇列
func (h *Handle) Compute() error {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return native.ErrReleased
	}

	h.applyPendingHard()
	h.computing.Store(true)
	defer h.computing.Store(false)
	defer h.stop.Store(false)

	for !h.stop.Load() {
		h.mu.Lock()
		if len(h.queue) == 0 {
			h.mu.Unlock()
			return nil
		}
		job := h.queue[0]
		h.queue[0] = pendingJob{}
		h.queue = h.queue[1:]
		h.mu.Unlock()

		if job.input {
			h.inputs[job.index].value = job.value
			if h.lib.inputHook != nil {
				h.lib.inputHook(h.inputs[job.index].orig, job.value)
			}
			h.cb.JobCompleted(h, job.userData)
			continue
		}
		if err := h.computeOutputs(job); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) graphValues(gi int) []native.InputValue {
	idx := h.graphs[gi].inputs
	values := make([]native.InputValue, len(idx))
	for i, in := range idx {
		values[i] = h.inputs[in].value
	}
	return values
}

func (h *Handle) computeOutputs(job pendingJob) error {
	type planned struct {
		index uint32
		key   uint64
		tex   *texture
		task  int
	}
	var plan []planned
	var tasks []worker.Task

	for _, idx := range job.outputs {
		slot := &h.outputs[idx]
		if !slot.enabled {
			continue
		}
		if h.lib.beforeOutput != nil {
			h.lib.beforeOutput(slot.orig)
		}
		values := h.graphValues(slot.graph)
		key := cacheKey(h.graphs[slot.graph].name, slot, values)
		p := planned{index: idx, key: key, task: -1}
		if tex := h.cache.get(key); tex != nil {
			p.tex = tex
		} else {
			s := *slot
			params := paramsFor(values)
			alloc := &h.lib.alloc
			p.task = len(tasks)
			tasks = append(tasks, worker.Task{Run: func(context.Context) (any, error) {
				src := renderPattern(s.pattern, s.nativeSize[0], s.nativeSize[1], params)
				img, n := convert(src, s.format)
				return newTexture(img, n, alloc), nil
			}})
		}
		plan = append(plan, p)
	}

	if len(tasks) > 0 {
		results, err := h.pool.RunAll(tasks)
		if err != nil {
			return errors.Wrap(err, "soft: compute outputs")
		}
		for i := range plan {
			if plan[i].task < 0 {
				continue
			}
			r := results[plan[i].task]
			if r.Err != nil {
				return errors.Wrapf(r.Err, "soft: output %d", plan[i].index)
			}
			tex := r.Value.(*texture)
			h.cache.put(plan[i].key, tex)
			plan[i].tex = tex
		}
	}

	for _, p := range plan {
		h.mu.Lock()
		if old, ok := h.latest[p.index]; ok {
			old.Release()
		}
		h.latest[p.index] = p.tex
		h.mu.Unlock()
		h.cb.OutputCompleted(h, p.index, job.userData)
	}
	h.cb.JobCompleted(h, job.userData)
	return nil
}

// Release 釋放 handle 與其持有的紋理
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.queue = nil
	latest := h.latest
	h.latest = make(map[uint32]*texture)
	h.mu.Unlock()

	h.pool.Stop()
	for _, tex := range latest {
		tex.Release()
	}
	h.cache.clear()
}
