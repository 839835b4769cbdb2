package pipeline

import (
	"sync"
	"time"
)

// Run statuses reported by Progress and Summary.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
	StatusCancelled = "cancelled"
)

// Progress tracks a scrape run while results stream in.
type Progress struct {
	mu sync.RWMutex

	total     int
	processed int
	succeeded int
	empty     int
	failed    int

	current string
	status  string

	startedAt time.Time
	updatedAt time.Time

	onUpdate func(ProgressSnapshot)
}

// NewProgress creates a tracker expecting total results.
func NewProgress(total int) *Progress {
	now := time.Now()
	return &Progress{
		total:     total,
		status:    StatusPending,
		startedAt: now,
		updatedAt: now,
	}
}

// SetOnUpdate sets a callback invoked asynchronously with a snapshot after every change.
func (p *Progress) SetOnUpdate(fn func(ProgressSnapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUpdate = fn
}

// Start marks the run as running.
func (p *Progress) Start() {
	p.update(func() {
		p.status = StatusRunning
		p.startedAt = time.Now()
	})
}

// SetCurrent records the city being handled.
func (p *Progress) SetCurrent(city string) {
	p.update(func() { p.current = city })
}

// RecordSuccess counts a persisted record.
func (p *Progress) RecordSuccess() {
	p.update(func() {
		p.succeeded++
		p.processed++
	})
}

// RecordEmpty counts a page without data.
func (p *Progress) RecordEmpty() {
	p.update(func() {
		p.empty++
		p.processed++
	})
}

// RecordFailed counts a failed city.
func (p *Progress) RecordFailed() {
	p.update(func() {
		p.failed++
		p.processed++
	})
}

// Finish sets the final status.
func (p *Progress) Finish(status string) {
	p.update(func() {
		p.status = status
		p.current = ""
	})
}

func (p *Progress) update(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn()
	p.updatedAt = time.Now()
	if p.onUpdate != nil {
		go p.onUpdate(p.snapshotLocked())
	}
}

// Snapshot returns a copy of the current state.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

func (p *Progress) snapshotLocked() ProgressSnapshot {
	elapsed := time.Since(p.startedAt).Seconds()
	var eta *float64
	if p.processed > 0 && p.total >= p.processed {
		est := elapsed / float64(p.processed) * float64(p.total-p.processed)
		eta = &est
	}
	var percent float64
	if p.total > 0 {
		percent = float64(p.processed) / float64(p.total) * 100
	}

	return ProgressSnapshot{
		Total:                     p.total,
		Processed:                 p.processed,
		Succeeded:                 p.succeeded,
		Empty:                     p.empty,
		Failed:                    p.failed,
		Current:                   p.current,
		Status:                    p.status,
		StartedAt:                 p.startedAt,
		ElapsedSeconds:            elapsed,
		Percent:                   percent,
		EstimatedRemainingSeconds: eta,
	}
}

// ProgressSnapshot is an immutable copy of Progress.
type ProgressSnapshot struct {
	Total                     int
	Processed                 int
	Succeeded                 int
	Empty                     int
	Failed                    int
	Current                   string
	Status                    string
	StartedAt                 time.Time
	ElapsedSeconds            float64
	Percent                   float64
	EstimatedRemainingSeconds *float64
}
