package soft

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/native"
	"github.com/ChuLiYu/substrender/internal/state"
)

type linkedGraph struct {
	asm     *Assembly
	inputs  []uint32 // 翻譯後 UID，與 asm.Inputs 對齊
	outputs []uint32 // 翻譯後 UID，與 asm.Outputs 對齊
}

// Linker 軟體引擎的 linker
//
// 輸入與輸出各自一個 UID 空間。後推入的組件若使用了已被佔用的 UID，
// 會被指派新的 UID 並透過 UIDCollision 回呼通知。
// Link() 之後 linker 回到空狀態，可以開始下一輪。
type Linker struct {
	mu       sync.Mutex
	cb       native.LinkerCallbacks
	graphs   []*linkedGraph
	usedIn   map[uint32]bool
	usedOut  map[uint32]bool
	formats  map[uint32]graph.OutputFormat
	enabled  map[uint32]bool
	filtered bool
	released bool
}

func newLinker(cb native.LinkerCallbacks) *Linker {
	l := &Linker{cb: cb}
	l.reset()
	return l
}

func (l *Linker) reset() {
	l.graphs = nil
	l.usedIn = make(map[uint32]bool)
	l.usedOut = make(map[uint32]bool)
	l.formats = make(map[uint32]graph.OutputFormat)
	l.enabled = make(map[uint32]bool)
	l.filtered = false
}

func nextFree(used map[uint32]bool, from uint32) uint32 {
	uid := from
	for used[uid] {
		uid++
	}
	return uid
}

// PushAssembly 推入一個圖的組件
func (l *Linker) PushAssembly(data []byte) error {
	asm, err := UnmarshalAssembly(data)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return native.ErrReleased
	}

	lg := &linkedGraph{asm: asm}
	var collisions []func()
	for _, in := range asm.Inputs {
		uid := in.UID
		if l.usedIn[uid] {
			uid = nextFree(l.usedIn, uid+1)
			prev, next := in.UID, uid
			collisions = append(collisions, func() { l.cb.UIDCollision(state.CollisionInput, prev, next) })
		}
		l.usedIn[uid] = true
		lg.inputs = append(lg.inputs, uid)
	}
	for _, out := range asm.Outputs {
		uid := out.UID
		if l.usedOut[uid] {
			uid = nextFree(l.usedOut, uid+1)
			prev, next := out.UID, uid
			collisions = append(collisions, func() { l.cb.UIDCollision(state.CollisionOutput, prev, next) })
		}
		l.usedOut[uid] = true
		lg.outputs = append(lg.outputs, uid)
	}
	l.graphs = append(l.graphs, lg)

	if l.cb != nil {
		for _, notify := range collisions {
			notify()
		}
	}
	return nil
}

// SetOutputFormat 設定輸出格式覆寫（翻譯後 UID）
func (l *Linker) SetOutputFormat(uid uint32, f graph.OutputFormat) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return native.ErrReleased
	}
	if !l.usedOut[uid] {
		return errors.Wrapf(native.ErrNoSuchOutput, "uid %d", uid)
	}
	l.formats[uid] = f
	return nil
}

// EnableOutputs 只啟用給定輸出；nil 停用全部
func (l *Linker) EnableOutputs(uids []uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filtered = true
	if uids == nil {
		l.enabled = make(map[uint32]bool)
		return
	}
	for _, uid := range uids {
		l.enabled[uid] = true
	}
}

// Link 產生 binary 並清空 linker
func (l *Linker) Link() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil, native.ErrReleased
	}

	graphs := make([]any, 0, len(l.graphs))
	for _, lg := range l.graphs {
		inputs := make([]any, 0, len(lg.inputs))
		for i, in := range lg.asm.Inputs {
			inputs = append(inputs, map[string]any{
				"uid":     float64(lg.inputs[i]),
				"orig":    float64(in.UID),
				"type":    in.Type.String(),
				"default": vec(in.Default),
			})
		}
		outputs := make([]any, 0, len(lg.outputs))
		for i, out := range lg.asm.Outputs {
			uid := lg.outputs[i]
			f := mergeFormat(out.Format, l.formats[uid])
			outputs = append(outputs, map[string]any{
				"uid":     float64(uid),
				"orig":    float64(out.UID),
				"pattern": out.Pattern,
				"pixel":   f.Pixel.String(),
				"width":   float64(f.Width),
				"height":  float64(f.Height),
				"native":  []any{float64(out.Format.Width), float64(out.Format.Height)},
				"enabled": !l.filtered || l.enabled[uid],
			})
		}
		graphs = append(graphs, map[string]any{
			"name":    lg.asm.Name,
			"inputs":  inputs,
			"outputs": outputs,
		})
	}

	data, err := marshalStruct(map[string]any{
		"version": float64(binaryVersion),
		"graphs":  graphs,
	})
	if err != nil {
		return nil, errors.Wrap(err, "link")
	}
	l.reset()
	return data, nil
}

// Release 釋放 linker
func (l *Linker) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	l.graphs = nil
}

// mergeFormat 以覆寫值取代組件宣告的格式（零值欄位沿用宣告值）
func mergeFormat(base, override graph.OutputFormat) graph.OutputFormat {
	if override.Pixel != graph.PixelDefault {
		base.Pixel = override.Pixel
	}
	if override.Width > 0 {
		base.Width = override.Width
	}
	if override.Height > 0 {
		base.Height = override.Height
	}
	return base
}

// sortedUIDIndex 依 UID 排序
func sortedUIDIndex(entries []state.UIDIndex) []state.UIDIndex {
	sort.Slice(entries, func(i, j int) bool { return entries[i].UID < entries[j].UID })
	return entries
}
