// ============================================================================
// Substrender Render - 渲染排程器 (Renderer)
// ============================================================================
//
// Package: internal/render
// 文件: renderer.go
// 功能: 使用者 API（push / run / cancel / hold / flush）與渲染執行緒主迴圈
//
// 兩條執行緒:
//   使用者執行緒: push 累積到尾端的 Setup 任務，run 把它接上任務鏈
//   渲染執行緒:   沿任務鏈 link / compute，把完成的任務標成 Done
//
// 同步:
//   mu 保護 currentJob、renderState、hold、cancelOccur、exitRender 等
//   共享旗標；renderCond 喚醒等待中的渲染執行緒，userCond 喚醒 waitRender。
//   userMu 讓公開 API 可以從多個 goroutine 呼叫，鎖順序固定為 userMu → mu。
//
// 宿主執行模式:
//   設定 ProcessRunner 時，需要渲染時先請宿主代為呼叫 process()；
//   宿主拒絕時才啟動內部渲染 goroutine。
//
// ============================================================================

package render

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/metrics"
	"github.com/ChuLiYu/substrender/internal/native"
	"github.com/ChuLiYu/substrender/pkg/types"
)

var log = slog.Default()

// Callbacks 使用者回呼；在渲染執行緒上呼叫
type Callbacks interface {
	OutputComputed(jobUID types.JobUID, inst *graph.Instance, out *graph.Output)
}

// CallbacksFunc 把函數轉成 Callbacks
type CallbacksFunc func(jobUID types.JobUID, inst *graph.Instance, out *graph.Output)

// OutputComputed 實作 Callbacks
func (f CallbacksFunc) OutputComputed(jobUID types.JobUID, inst *graph.Instance, out *graph.Output) {
	f(jobUID, inst, out)
}

// ProcessRunner 宿主提供的執行環境；接受時返回 true 並稍後呼叫 process
type ProcessRunner interface {
	RunRenderProcess(process func()) bool
}

// Option Renderer 設定選項
type Option func(*Renderer)

// WithMetrics 指定 Prometheus 收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Renderer) { r.metrics = m }
}

// WithProcessRunner 指定宿主執行環境
func WithProcessRunner(pr ProcessRunner) Option {
	return func(r *Renderer) { r.runner = pr }
}

// WithRenderOptions 指定初始硬體資源
func WithRenderOptions(opts types.RenderOptions) Option {
	return func(r *Renderer) { r.options = opts }
}

// WithCallbacks 指定初始回呼
func WithCallbacks(cb Callbacks) Option {
	return func(r *Renderer) { r.callbacks = cb }
}

// Stats Renderer 目前狀態的快照
type Stats struct {
	State         types.RenderState
	Held          bool
	EngineUID     uint64
	Hard          native.HardResources
	Options       types.RenderOptions
	Instances     int
	Jobs          int
	PendingJobs   int
	ProcessedJobs uint64
}

// Renderer 渲染排程器
type Renderer struct {
	lib     native.Library
	runner  ProcessRunner
	metrics *metrics.Collector
	states  *States

	// 使用者執行緒（userMu）
	userMu    sync.Mutex
	jobs      []*Job
	lastUID   types.JobUID
	callbacks Callbacks

	// 共享（mu）
	mu             sync.Mutex
	renderCond     *sync.Cond
	userCond       *sync.Cond
	engine         *Engine
	options        types.RenderOptions
	currentJob     *Job
	renderState    types.RenderState
	hold           bool
	cancelOccur    bool
	pendingHardRsc bool
	exitRender     bool
	closed         bool
	userWaiting    int
	threadRunning  bool
	processQueued  bool
	wg             sync.WaitGroup

	// 渲染執行緒
	pass      uint64
	processed atomic.Uint64
}

// NewRenderer 建立 Renderer；渲染 goroutine 在第一次需要時才啟動
func NewRenderer(lib native.Library, opts ...Option) *Renderer {
	r := &Renderer{
		lib:     lib,
		states:  NewStates(),
		options: types.DefaultRenderOptions(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.renderCond = sync.NewCond(&r.mu)
	r.userCond = sync.NewCond(&r.mu)
	r.engine = NewEngine(lib, r.options, r.metrics)
	return r
}

// States 實例狀態註冊表
func (r *Renderer) States() *States { return r.states }

// ============================================================================
// 使用者 API
// ============================================================================

// Push 把實例推入尾端的 Setup 任務；沒有輸出需要計算時返回 false
func (r *Renderer) Push(inst *graph.Instance) bool {
	r.userMu.Lock()
	defer r.userMu.Unlock()
	return r.pushLocked(inst)
}

// PushList 依序推入多個實例；任一個被推入就返回 true
func (r *Renderer) PushList(insts []*graph.Instance) bool {
	r.userMu.Lock()
	defer r.userMu.Unlock()
	pushed := false
	for _, inst := range insts {
		if r.pushLocked(inst) {
			pushed = true
		}
	}
	return pushed
}

func (r *Renderer) pushLocked(inst *graph.Instance) bool {
	if inst == nil || inst.IsDeleted() {
		return false
	}
	job := r.setupJob()
	if job == nil {
		job = r.newJob()
		r.jobs = append(r.jobs, job)
	}
	if !job.Push(r.states.Get(inst), inst) {
		return false
	}
	r.metrics.RecordPush()
	return true
}

func (r *Renderer) setupJob() *Job {
	if n := len(r.jobs); n > 0 && r.jobs[n-1].State() == JobSetup {
		return r.jobs[n-1]
	}
	return nil
}

func (r *Renderer) newJob() *Job {
	r.lastUID++
	if r.lastUID == 0 {
		r.lastUID++
	}
	return newJob(r.lastUID, r.callbacks)
}

// Run 把目前推送的任務接上任務鏈並啟動渲染
//
// 返回任務 UID；沒有任何東西需要渲染時返回 0。
// 同步模式會等到這個任務完成；Hold 中則一直等到 Resume 後任務完成。
func (r *Renderer) Run(flags types.RunFlags) types.JobUID {
	r.userMu.Lock()
	job := r.runLocked(flags)
	r.userMu.Unlock()
	if job == nil {
		return 0
	}

	async := flags.Has(types.RunAsynchronous)
	r.metrics.RecordRun(async)
	r.wake()
	if !async {
		r.waitRender()
		r.waitJob(job)
		r.userMu.Lock()
		r.cleanup()
		r.userMu.Unlock()
	}
	return job.uid
}

func (r *Renderer) runLocked(flags types.RunFlags) *Job {
	r.cleanup()

	r.mu.Lock()
	pendingHard := r.pendingHardRsc
	r.mu.Unlock()

	job := r.setupJob()
	if job == nil || job.IsEmpty() {
		if !pendingHard {
			return nil
		}
		if job == nil {
			job = r.newJob()
			r.jobs = append(r.jobs, job)
		}
		flags &^= types.RunReplace | types.RunFirst
	}
	job.SnapshotStates(r.states)

	active := r.jobs[:len(r.jobs)-1]
	var previous *Job
	if len(active) > 0 {
		previous = active[len(active)-1]
	}

	chain := []*Job{job}
	if flags.Has(types.RunReplace) || flags.Has(types.RunFirst) {
		if canceled := r.cancelForReplace(active, flags); len(canceled) > 0 {
			chain = r.replay(job, canceled, flags)
		}
	}

	r.mu.Lock()
	for i := len(chain) - 1; i > 0; i-- {
		chain[i].Activate(chain[i-1])
	}
	chain[0].Activate(previous)
	if r.currentJob == nil {
		r.currentJob = chain[0]
	}
	r.mu.Unlock()

	r.jobs = append(active, chain...)
	r.metrics.SetPendingJobs(r.pendingCount())
	log.Debug("Job activated",
		"job", job.uid,
		"flags", flags,
		"push_ios", len(job.pushIOs),
		"outputs", job.outputCount(),
		"chain", len(chain))
	return job
}

// cancelForReplace 找出要重播的任務：從第一個可以取消的任務（未完成、未取消，
// PreserveRun 時略過計算中的）開始，之後所有尚未完成的任務。
// 其中已經被取消的任務也一併重播，累積器才能倒回到鏈開始前的狀態。
func (r *Renderer) cancelForReplace(active []*Job, flags types.RunFlags) []*Job {
	start := -1
	for i, j := range active {
		st := j.State()
		if j.IsCanceled() || st == JobDone || st == JobSetup {
			continue
		}
		if st == JobComputing && flags.Has(types.RunPreserveRun) {
			continue
		}
		start = i
		break
	}
	if start < 0 {
		return nil
	}
	var targets []*Job
	for _, j := range active[start:] {
		if st := j.State(); st != JobDone && st != JobSetup {
			targets = append(targets, j)
		}
	}
	return targets
}

// replay 取消 targets 並建立重播任務；返回要接上任務鏈的新任務序列
func (r *Renderer) replay(job *Job, targets []*Job, flags types.RunFlags) []*Job {
	newFirst := flags.Has(types.RunFirst)
	var filter *OutputsFilter
	if flags.Has(types.RunReplace) {
		filter = NewOutputsFilter(job)
	}

	dj := NewDuplicateJob(&job.linkGraphs, filter, r.states, newFirst)
	if newFirst {
		dj.prependJob(job)
	}
	for i := len(targets) - 1; i >= 0; i-- {
		dj.prependJob(targets[i])
	}

	// 先複製再取消：token 的引用由重播任務接手
	var dups []*Job
	for _, t := range targets {
		if d := dj.duplicateJob(t); d != nil {
			dups = append(dups, d)
		}
	}

	var chain []*Job
	if newFirst {
		tail := job
		if len(dups) > 0 {
			tail = dups[len(dups)-1]
		}
		dj.finishNewFirst(tail, job)
		chain = append([]*Job{job}, dups...)
	} else {
		dj.fixNewJob(job)
		chain = append(dups, job)
	}

	n := 0
	for _, t := range targets {
		n += t.cancel(false)
	}
	r.signalCancel()
	r.metrics.RecordCanceled(n)
	r.metrics.RecordDuplicated(len(dups))
	log.Info("Jobs replaced",
		"job", job.uid,
		"canceled", n,
		"duplicated", len(dups),
		"first", newFirst)
	return chain
}

func (r *Renderer) signalCancel() {
	r.mu.Lock()
	r.cancelOccur = true
	engine := r.engine
	r.mu.Unlock()
	engine.Stop()
}

// Cancel 取消指定任務；uid 為 0 時取消目前整條任務鏈
func (r *Renderer) Cancel(uid types.JobUID) bool {
	r.userMu.Lock()
	defer r.userMu.Unlock()

	n := 0
	if uid == 0 {
		r.mu.Lock()
		cur := r.currentJob
		r.mu.Unlock()
		if cur != nil {
			n = cur.cancel(true)
		}
	} else {
		for _, j := range r.jobs {
			st := j.State()
			if j.uid != uid || j.IsCanceled() || (st != JobPending && st != JobComputing) {
				continue
			}
			n = j.cancel(false)
			break
		}
	}
	if n == 0 {
		return false
	}
	r.signalCancel()
	r.metrics.RecordCanceled(n)
	log.Info("Jobs canceled", "job", uid, "count", n)
	return true
}

// CancelAll 取消所有任務
func (r *Renderer) CancelAll() bool {
	return r.Cancel(0)
}

// IsPending 任務是否仍在等待或計算中（未取消）
func (r *Renderer) IsPending(uid types.JobUID) bool {
	r.userMu.Lock()
	defer r.userMu.Unlock()
	for _, j := range r.jobs {
		if j.uid != uid || j.IsCanceled() {
			continue
		}
		if st := j.State(); st == JobPending || st == JobComputing {
			return true
		}
	}
	return false
}

// Hold 暫停渲染：進行中的計算被要求停止，渲染執行緒在下一個檢查點等待
func (r *Renderer) Hold() {
	r.mu.Lock()
	r.hold = true
	engine := r.engine
	r.mu.Unlock()
	engine.Stop()
}

// Resume 解除 Hold
func (r *Renderer) Resume() {
	r.mu.Lock()
	r.hold = false
	r.mu.Unlock()
	r.wake()
}

// Flush 解除 Hold 並等待任務鏈處理完
func (r *Renderer) Flush() {
	r.Resume()
	r.waitRender()
	r.userMu.Lock()
	r.cleanup()
	r.userMu.Unlock()
}

// ClearCache 暫停渲染，清掉引擎快取後回到原本的 Hold 狀態
func (r *Renderer) ClearCache() error {
	r.mu.Lock()
	held := r.hold
	r.mu.Unlock()

	r.Hold()
	r.waitRender()
	r.mu.Lock()
	engine := r.engine
	r.mu.Unlock()
	err := engine.ClearCache()
	if !held {
		r.Resume()
	}
	return err
}

// SetOptions 設定硬體資源；目前沒有計算能讓它生效時，下一次 Run 會安排一次空計算
func (r *Renderer) SetOptions(opts types.RenderOptions) {
	r.mu.Lock()
	r.options = opts
	engine := r.engine
	r.mu.Unlock()

	if !engine.SetOptions(opts) {
		r.mu.Lock()
		r.pendingHardRsc = true
		r.mu.Unlock()
	}
}

// Options 目前的硬體資源設定
func (r *Renderer) Options() types.RenderOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.options
}

// SetRenderCallbacks 設定之後建立的任務所用的回呼
func (r *Renderer) SetRenderCallbacks(cb Callbacks) {
	r.userMu.Lock()
	defer r.userMu.Unlock()
	r.callbacks = cb
}

// Reset 等待任務鏈處理完，釋放引擎與它產生的結果，改用新的引擎
func (r *Renderer) Reset() {
	r.Flush()

	r.userMu.Lock()
	defer r.userMu.Unlock()

	r.mu.Lock()
	old := r.engine
	r.mu.Unlock()
	released := r.states.ReleaseRenderResults(old.UID())

	r.mu.Lock()
	r.exitRender = true
	r.mu.Unlock()
	r.wake()
	r.waitRender()

	r.mu.Lock()
	r.engine = NewEngine(r.lib, r.options, r.metrics)
	newUID := r.engine.UID()
	r.mu.Unlock()
	log.Info("Renderer reset", "old_engine", old.UID(), "engine", newUID, "results_released", released)
}

// Close 取消所有任務，等待渲染執行緒結束並釋放引擎
func (r *Renderer) Close() {
	r.CancelAll()
	r.Flush()

	r.userMu.Lock()
	defer r.userMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.exitRender = true
	r.hold = false
	r.mu.Unlock()

	r.wake()
	r.waitRender()
	r.wg.Wait()
	log.Info("Renderer closed", "processed_jobs", r.processed.Load())
}

// Stats 目前狀態
func (r *Renderer) Stats() Stats {
	r.userMu.Lock()
	jobs := len(r.jobs)
	pending := r.pendingCount()
	r.userMu.Unlock()

	r.mu.Lock()
	engine := r.engine
	s := Stats{
		State:         r.renderState,
		Held:          r.hold,
		Options:       r.options,
		Jobs:          jobs,
		PendingJobs:   pending,
		ProcessedJobs: r.processed.Load(),
		Instances:     r.states.Len(),
	}
	r.mu.Unlock()

	s.EngineUID = engine.UID()
	s.Hard = engine.HardResources()
	return s
}

func (r *Renderer) pendingCount() int {
	n := 0
	for _, j := range r.jobs {
		if st := j.State(); st == JobPending || st == JobComputing {
			n++
		}
	}
	return n
}

// cleanup 移除已完成的任務；保留渲染執行緒可能還在讀的 currentJob 與最後一個啟用的任務
func (r *Renderer) cleanup() {
	r.mu.Lock()
	cur := r.currentJob
	r.mu.Unlock()

	lastActive := -1
	for i := len(r.jobs) - 1; i >= 0; i-- {
		if r.jobs[i].State() != JobSetup {
			lastActive = i
			break
		}
	}

	kept := r.jobs[:0]
	for i, j := range r.jobs {
		if j.State() == JobDone && j != cur && i != lastActive {
			continue
		}
		kept = append(kept, j)
	}
	for i := len(kept); i < len(r.jobs); i++ {
		r.jobs[i] = nil
	}
	r.jobs = kept
	r.metrics.SetPendingJobs(r.pendingCount())
}

// ============================================================================
// 渲染執行緒
// ============================================================================

func (r *Renderer) busyLocked() bool {
	if r.renderState == types.RenderOnGoing || r.processQueued || r.exitRender {
		return true
	}
	return r.currentJob != nil && !r.hold
}

// waitRender 等待渲染執行緒閒下來（Hold 時只等進行中的計算返回）
func (r *Renderer) waitRender() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userWaiting++
	for r.busyLocked() {
		r.userCond.Wait()
	}
	r.userWaiting--
}

// waitJob 等待任務被渲染執行緒標成 Done
func (r *Renderer) waitJob(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userWaiting++
	for job.State() != JobDone && !r.closed {
		r.userCond.Wait()
	}
	r.userWaiting--
}

// wake 有工作時喚醒或啟動渲染執行緒
func (r *Renderer) wake() {
	r.mu.Lock()
	if !r.exitRender && (r.hold || r.currentJob == nil) {
		r.mu.Unlock()
		return
	}
	if r.renderState == types.RenderWait {
		r.renderCond.Signal()
		r.mu.Unlock()
		return
	}
	if r.renderState == types.RenderOnGoing || r.threadRunning || r.processQueued {
		r.mu.Unlock()
		return
	}
	r.processQueued = true
	runner := r.runner
	r.mu.Unlock()

	if runner != nil && runner.RunRenderProcess(r.process) {
		return
	}

	r.mu.Lock()
	r.processQueued = false
	r.threadRunning = true
	r.wg.Add(1)
	r.mu.Unlock()
	go func() {
		defer r.wg.Done()
		r.renderLoop(true)
	}()
}

// process 宿主模式的進入點：處理到沒有工作後返回
func (r *Renderer) process() {
	r.renderLoop(false)
}

// renderLoop 渲染執行緒主迴圈
func (r *Renderer) renderLoop(waitAndLoop bool) {
	var next, last *Job
	advanced := false
	first := true

	for {
		r.mu.Lock()
		if first && !waitAndLoop {
			r.processQueued = false
		}
		first = false

		if advanced {
			if next == nil && last != nil {
				next = last.Next()
			}
			r.currentJob = next
			advanced = false
			if r.userWaiting > 0 {
				r.userCond.Broadcast()
			}
		}

		for r.exitRender || r.hold || r.currentJob == nil {
			if r.exitRender {
				r.engine.ReleaseEngine()
				r.exitRender = false
			}
			if !waitAndLoop || r.closed {
				r.renderState = types.RenderIdle
				if waitAndLoop {
					r.threadRunning = false
				}
				r.userCond.Broadcast()
				r.mu.Unlock()
				return
			}
			r.renderState = types.RenderWait
			r.userCond.Broadcast()
			r.renderCond.Wait()
		}

		r.renderState = types.RenderOnGoing
		begin := r.currentJob
		engine := r.engine
		pendingHard := r.pendingHardRsc
		r.pendingHardRsc = false
		r.mu.Unlock()

		engine.ReleaseTextures()
		if pendingHard {
			engine.ApplyOptions()
		}
		next, last = r.processJob(engine, begin)
		advanced = next != begin || last != nil
	}
}

// processJob 從 begin 開始處理一輪；返回第一個未完成的任務與最後一個標成 Done 的任務
func (r *Renderer) processJob(engine *Engine, begin *Job) (*Job, *Job) {
	r.mu.Lock()
	cancelOccurred := r.cancelOccur
	r.cancelOccur = false
	r.mu.Unlock()

	window := processJobs{begin: begin, pass: r.pass}
	strict := !cancelOccurred && resumeOnly(begin, r.pass) && engine.HasPendingRender()
	if !strict {
		r.pass++
		window.enqueue(begin, r.pass)
		if window.linkNeeded {
			if err := engine.Link(window.begin, window.end); err != nil {
				log.Error("Link failed, abandoning jobs", "job", begin.uid, "error", err)
				r.abandonWindow(&window)
				return r.markComplete(begin)
			}
		}
	}

	c := engine.newComputation(r.pass, !strict)
	if c == nil {
		if !strict {
			r.abandonWindow(&window)
		}
		return r.markComplete(begin)
	}
	if !strict {
		window.each(func(j *Job) bool { return j.Pull(c) })
	}

	r.mu.Lock()
	canceled := r.cancelOccur
	r.mu.Unlock()
	if !canceled {
		if err := c.Run(); err != nil {
			log.Error("Compute failed, abandoning jobs", "job", begin.uid, "error", err)
			r.abandonWindow(&window)
		}
	}
	return r.markComplete(begin)
}

func (r *Renderer) abandonWindow(w *processJobs) {
	n := 0
	w.each(func(j *Job) bool {
		if j.IsEmpty() {
			return true
		}
		n += j.cancel(false)
		j.abandon()
		return true
	})
	r.metrics.RecordCanceled(n)
}

// markComplete 由 begin 起把完成的任務標成 Done
// 任務標成 Done 之後可能立刻被使用者執行緒移除，所以先取 next
func (r *Renderer) markComplete(begin *Job) (next, last *Job) {
	for j := begin; j != nil; {
		if !j.IsComplete() {
			return j, last
		}
		n := j.Next()
		r.markDone(j)
		last = j
		j = n
	}
	return nil, last
}

func (r *Renderer) markDone(j *Job) {
	if !j.IsCanceled() {
		r.metrics.RecordCompleted(time.Since(j.created).Seconds())
	}
	r.processed.Add(1)
	j.state.Store(int32(JobDone))
	log.Debug("Job done", "job", j.uid, "canceled", j.IsCanceled())
}
