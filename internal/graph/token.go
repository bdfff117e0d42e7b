package graph

import (
	"context"
	"image"
	"sync"
)

// ImageInput 影像輸入值，以指標身分比較（同一個 *ImageInput 視為相同值）
type ImageInput struct {
	Image image.Image
}

// NewImageInput 包裝一張影像作為輸入值
func NewImageInput(img image.Image) *ImageInput {
	return &ImageInput{Image: img}
}

// Result 一次輸出計算的結果，紋理由產生它的引擎持有
type Result struct {
	Image     image.Image
	EngineUID uint64

	once    sync.Once
	release func()
}

// NewResult 建立結果；release 會在第一次 Release() 時被呼叫
func NewResult(img image.Image, engineUID uint64, release func()) *Result {
	return &Result{Image: img, EngineUID: engineUID, release: release}
}

// Release 歸還紋理給引擎，可重複呼叫
func (r *Result) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		if r.release != nil {
			r.release()
		}
		r.Image = nil
	})
}

// RenderToken 單次兌現的結果槽
//
// 一個 token 可以被多個 PushIO 引用（原任務與其重播副本），
// 只有當所有引用都取消時才真正變成取消狀態。
// 第一個成功的 Fill 勝出，之後的 Fill 與 Cancel 都不再改變狀態。
type RenderToken struct {
	mu       sync.Mutex
	refs     int
	result   *Result
	canceled bool
	done     chan struct{}
}

// NewRenderToken 建立一個 token，初始引用數為 1
func NewRenderToken() *RenderToken {
	return &RenderToken{refs: 1, done: make(chan struct{})}
}

// Retain 增加一個引用（任務被重播時使用）
func (t *RenderToken) Retain() {
	t.mu.Lock()
	t.refs++
	t.mu.Unlock()
}

// Fill 填入結果；只有第一次、且尚未取消時成功
func (t *RenderToken) Fill(r *Result) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result != nil || t.canceled {
		return false
	}
	t.result = r
	close(t.done)
	return true
}

// Cancel 釋放一個引用；最後一個引用釋放且尚未填值時，token 進入取消狀態
func (t *RenderToken) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refs > 0 {
		t.refs--
	}
	if t.refs > 0 || t.result != nil || t.canceled {
		return false
	}
	t.canceled = true
	close(t.done)
	return true
}

// IsComputed 是否已填入結果
func (t *RenderToken) IsComputed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result != nil
}

// IsCanceled 是否已取消
func (t *RenderToken) IsCanceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

// Done 在填值或取消時關閉
func (t *RenderToken) Done() <-chan struct{} {
	return t.done
}

// Wait 等待 token 被兌現；取消時返回 ErrTokenCanceled
func (t *RenderToken) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceled {
		return nil, ErrTokenCanceled
	}
	return t.result, nil
}

// take 取出結果，之後 token 不再持有它
func (t *RenderToken) take() *Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.result
	if r != nil {
		t.result = &Result{EngineUID: r.EngineUID}
	}
	return r
}

// releasePayload 釋放由指定引擎持有的結果內容
func (t *RenderToken) releasePayload(engineUID uint64) bool {
	t.mu.Lock()
	r := t.result
	t.mu.Unlock()
	if r == nil || r.EngineUID != engineUID || r.Image == nil {
		return false
	}
	r.Release()
	return true
}
