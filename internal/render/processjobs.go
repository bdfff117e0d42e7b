package render

// processJobs 一輪處理的任務視窗 [begin, end]
type processJobs struct {
	begin      *Job
	end        *Job
	pass       uint64
	linkNeeded bool
}

// resumeOnly 是否鏈上每個任務都只需要讓引擎繼續計算（不改變任何狀態）
func resumeOnly(begin *Job, pass uint64) bool {
	for j := begin; j != nil; j = j.Next() {
		if !j.needsResume(pass) {
			return false
		}
	}
	return true
}

// enqueue 由 begin 沿鏈把 PushIO 排入 pass，遇到碰撞時截斷視窗
// 返回是否有任何 PushIO 被排入
func (p *processJobs) enqueue(begin *Job, pass uint64) bool {
	p.begin, p.end, p.pass, p.linkNeeded = begin, nil, pass, false

	enqueued := false
	for j := begin; j != nil; j = j.Next() {
		inputsOnly := j.IsCanceled()
		for _, pio := range j.pushIOs {
			if pio.isComplete(inputsOnly) != completeNo {
				continue
			}
			switch pio.enqueueProcess(pass) {
			case processCollision:
				if p.end == nil {
					p.end = j
				}
				return enqueued
			case processLinkRequired:
				p.linkNeeded = true
			}
			enqueued = true
		}
		p.end = j
	}
	return enqueued
}

// each 依序走訪視窗內的任務
func (p *processJobs) each(fn func(*Job) bool) {
	for j := p.begin; j != nil; j = j.Next() {
		if !fn(j) || j == p.end {
			return
		}
	}
}
