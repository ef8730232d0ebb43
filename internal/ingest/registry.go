package ingest

import (
	"sync"
	"time"
)

// registry indexes jobs and batches. Its lock covers only the maps; job
// state has its own lock.
type registry struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	batches map[string][]string
}

func newRegistry() *registry {
	return &registry{
		jobs:    make(map[string]*Job),
		batches: make(map[string][]string),
	}
}

func (r *registry) add(jobs ...*Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range jobs {
		r.jobs[j.ID] = j
	}
}

func (r *registry) addBatch(id string, jobIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[id] = append([]string(nil), jobIDs...)
}

func (r *registry) get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

func (r *registry) batch(id string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids, ok := r.batches[id]
	return ids, ok
}

// all returns every tracked job.
func (r *registry) all() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}

// evict drops jobs that finished before cutoff, and batches left with no
// jobs. It returns the number of jobs removed.
func (r *registry) evict(cutoff time.Time) int {
	// Collect under the read lock; job locks are taken one at a time.
	var stale []string
	for _, j := range r.all() {
		if j.finishedBefore(cutoff) {
			stale = append(stale, j.ID)
		}
	}
	if len(stale) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range stale {
		delete(r.jobs, id)
	}
	for id, jobIDs := range r.batches {
		live := false
		for _, jid := range jobIDs {
			if _, ok := r.jobs[jid]; ok {
				live = true
				break
			}
		}
		if !live {
			delete(r.batches, id)
		}
	}
	return len(stale)
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
