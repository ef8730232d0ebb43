package ui

import (
	"context"
	"errors"
	"time"

	"github.com/Aman-CERP/knowpipe/internal/ingest"
)

// DefaultPollInterval is how often Follow asks for job snapshots.
const DefaultPollInterval = 250 * time.Millisecond

// ErrDetached is returned by Follow when the user leaves the view early.
var ErrDetached = errors.New("stopped following jobs")

// detacher is implemented by renderers the user can leave early.
type detacher interface {
	Detached() <-chan struct{}
}

// Fetcher returns the current snapshot of each followed job.
type Fetcher func(ctx context.Context) ([]ingest.JobSnapshot, error)

// Follow polls fetch and feeds r until every job is terminal, then renders
// the summary. It starts and stops r. A fetch error or a cancelled ctx ends
// the wait early with the summary so far.
func Follow(ctx context.Context, r Renderer, interval time.Duration, fetch Fetcher) (Summary, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	tracker := NewProgressTracker()

	if err := r.Start(ctx); err != nil {
		return Summary{}, err
	}
	defer func() { _ = r.Stop() }()

	var detached <-chan struct{}
	if d, ok := r.(detacher); ok {
		detached = d.Detached()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snaps, err := fetch(ctx)
		if err != nil {
			return tracker.Summary(), err
		}
		tracker.Observe(snaps)
		tracker.UpdateETA()
		r.Update(snaps)

		if tracker.Finished() {
			sum := tracker.Summary()
			r.Complete(sum)
			return sum, nil
		}

		select {
		case <-ctx.Done():
			return tracker.Summary(), ctx.Err()
		case <-detached:
			return tracker.Summary(), ErrDetached
		case <-ticker.C:
		}
	}
}
