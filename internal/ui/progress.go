package ui

import (
	"sync"
	"time"

	"github.com/Aman-CERP/knowpipe/internal/ingest"
)

// JobLine is one job as shown in a progress view.
type JobLine struct {
	JobID    string
	Filename string
	Stage    Stage
	Chunks   int
	Err      *ingest.JobError
}

// ProgressStats contains a snapshot of current progress.
type ProgressStats struct {
	Total    int
	Done     int
	Failed   int
	Active   int
	Chunks   int
	Progress float64
	ETA      time.Duration
	Elapsed  time.Duration
	Current  string
	Lines    []JobLine
}

// ProgressTracker folds job snapshots into progress state.
// It is safe for concurrent use.
type ProgressTracker struct {
	mu        sync.RWMutex
	order     []string
	jobs      map[string]JobLine
	startTime time.Time
	now       func() time.Time

	// ETA smoothing to prevent wild fluctuations
	lastETA time.Duration
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker() *ProgressTracker {
	return newProgressTracker(time.Now)
}

func newProgressTracker(now func() time.Time) *ProgressTracker {
	return &ProgressTracker{
		jobs:      make(map[string]JobLine),
		startTime: now(),
		now:       now,
	}
}

// Observe records snaps and returns the lines whose stage changed, in the
// order the jobs were first seen.
func (p *ProgressTracker) Observe(snaps []ingest.JobSnapshot) []JobLine {
	p.mu.Lock()
	defer p.mu.Unlock()

	var changed []JobLine
	for _, snap := range snaps {
		line := JobLine{
			JobID:    snap.ID,
			Filename: snap.Filename,
			Stage:    StageOf(snap),
			Err:      snap.Error,
		}
		if snap.Result != nil {
			line.Chunks = snap.Result.ChunkCount
		}
		prev, seen := p.jobs[snap.ID]
		if !seen {
			p.order = append(p.order, snap.ID)
		}
		p.jobs[snap.ID] = line
		if !seen || prev.Stage != line.Stage {
			changed = append(changed, line)
		}
	}
	return changed
}

// Stats returns the current progress.
func (p *ProgressTracker) Stats() ProgressStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := ProgressStats{
		Total:   len(p.order),
		Elapsed: p.now().Sub(p.startTime),
		Lines:   make([]JobLine, 0, len(p.order)),
	}
	for _, id := range p.order {
		line := p.jobs[id]
		s.Lines = append(s.Lines, line)
		switch line.Stage {
		case StageDone:
			s.Done++
			s.Chunks += line.Chunks
		case StageFailed:
			s.Failed++
		case StageQueued:
		default:
			s.Active++
			if s.Current == "" {
				s.Current = line.Filename
			}
		}
	}
	if s.Total > 0 {
		s.Progress = float64(s.Done+s.Failed) / float64(s.Total)
	}
	s.ETA = p.lastETA
	return s
}

// UpdateETA recomputes the smoothed estimate from the average time per
// finished job.
func (p *ProgressTracker) UpdateETA() time.Duration {
	stats := p.Stats()

	p.mu.Lock()
	defer p.mu.Unlock()

	finished := stats.Done + stats.Failed
	remaining := stats.Total - finished
	if finished == 0 || remaining == 0 {
		p.lastETA = 0
		return 0
	}
	raw := time.Duration(float64(stats.Elapsed) / float64(finished) * float64(remaining))
	if p.lastETA == 0 {
		p.lastETA = raw
	} else {
		// Smoothing factor 0.3 keeps the estimate responsive but stable
		p.lastETA = time.Duration(0.3*float64(raw) + 0.7*float64(p.lastETA))
	}
	return p.lastETA
}

// Finished reports whether every tracked job is terminal.
func (p *ProgressTracker) Finished() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, id := range p.order {
		switch p.jobs[id].Stage {
		case StageDone, StageFailed:
		default:
			return false
		}
	}
	return true
}

// Summary condenses the tracked jobs into a final report.
func (p *ProgressTracker) Summary() Summary {
	stats := p.Stats()
	sum := Summary{
		Jobs:      stats.Total,
		Completed: stats.Done,
		Failed:    stats.Failed,
		Chunks:    stats.Chunks,
		Duration:  stats.Elapsed,
	}
	for _, line := range stats.Lines {
		if line.Stage == StageFailed {
			sum.Failures = append(sum.Failures, line)
		}
	}
	return sum
}
