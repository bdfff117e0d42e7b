package render

import (
	"github.com/ChuLiYu/substrender/internal/native"
)

// Computation 一次計算：收集推送，然後在渲染執行緒上執行
type Computation struct {
	engine *Engine
	handle native.Handle
	pass   uint64
	pushes int
}

func (c *Computation) pushInput(index uint32, v native.InputValue, userData any) bool {
	if err := c.handle.PushInput(index, v, userData); err != nil {
		log.Warn("Push input failed", "engine", c.engine.uid, "index", index, "error", err)
		return false
	}
	c.pushes++
	return true
}

func (c *Computation) pushOutputs(indices []uint32, userData any) bool {
	if err := c.handle.PushOutputs(indices, userData); err != nil {
		log.Warn("Push outputs failed", "engine", c.engine.uid, "outputs", len(indices), "error", err)
		return false
	}
	c.pushes++
	return true
}

// Run 在呼叫端 goroutine 上執行計算，回呼也在此 goroutine
func (c *Computation) Run() error {
	return c.handle.Compute()
}
