package ingestion

// ProgressEvent reports the state of a collection run after a task settles.
// Completed+Failed never decreases across the events of one run, and the last
// event of a run always has Percentage == 100.
type ProgressEvent struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Percentage float64 `json:"percentage"`
	Current    string  `json:"current,omitempty"`
}

// Settled returns the number of tasks that have finished either way.
func (e ProgressEvent) Settled() int {
	return e.Completed + e.Failed
}

// progressTracker counts settlements and emits events. Callers serialize access.
type progressTracker struct {
	total     int
	completed int
	failed    int
	emitted   bool
	lastPct   float64
	emit      func(ProgressEvent)
}

func newProgressTracker(total int, emit func(ProgressEvent)) *progressTracker {
	return &progressTracker{total: total, emit: emit}
}

func (p *progressTracker) settle(current string, ok bool) {
	if ok {
		p.completed++
	} else {
		p.failed++
	}
	p.send(current, p.percentage())
}

// finish emits a closing 100% event unless the last event already was one.
func (p *progressTracker) finish() {
	if p.emitted && p.lastPct == 100 {
		return
	}
	p.send("", 100)
}

func (p *progressTracker) percentage() float64 {
	if p.total == 0 {
		return 100
	}
	return float64(p.completed+p.failed) * 100 / float64(p.total)
}

func (p *progressTracker) send(current string, pct float64) {
	p.emitted = true
	p.lastPct = pct
	if p.emit == nil {
		return
	}
	p.emit(ProgressEvent{
		Total:      p.total,
		Completed:  p.completed,
		Failed:     p.failed,
		Percentage: pct,
		Current:    current,
	})
}
