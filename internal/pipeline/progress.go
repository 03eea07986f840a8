package pipeline

// ProgressSink observes dataset-global progress.
type ProgressSink interface {
	OnProgress(processed, total int)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(processed, total int)

func (f ProgressFunc) OnProgress(processed, total int) { f(processed, total) }

// ProgressEvent is emitted by a batch after each record completes.
type ProgressEvent struct {
	BatchID          int
	ProcessedInBatch int
	BatchSize        int
}

// progressTracker folds batch-local events into a global count.
//
// It is owned by a single goroutine. The global count is the sum of per-batch
// counts, so it only moves forward no matter how batches interleave. The sink
// sees (0, total) first and then every strictly larger value, which means
// (total, total) is reported exactly once.
type progressTracker struct {
	sink      ProgressSink
	total     int
	perBatch  map[int]int
	processed int
	started   bool
}

func newProgressTracker(sink ProgressSink, total int) *progressTracker {
	return &progressTracker{sink: sink, total: total, perBatch: make(map[int]int)}
}

func (p *progressTracker) start() {
	if p.started {
		return
	}
	p.started = true
	p.emit()
}

func (p *progressTracker) observe(ev ProgressEvent) {
	p.start()
	n := min(max(ev.ProcessedInBatch, 0), ev.BatchSize)
	prev := p.perBatch[ev.BatchID]
	if n <= prev {
		return
	}
	p.perBatch[ev.BatchID] = n
	p.processed = min(p.processed+n-prev, p.total)
	p.emit()
}

func (p *progressTracker) emit() {
	if p.sink != nil {
		p.sink.OnProgress(p.processed, p.total)
	}
}

// Processed returns the current global count.
func (p *progressTracker) Processed() int { return p.processed }
