package syncq

import (
	"context"
	"sort"
	"sync"
	"time"
)

// RetryQueue holds jobs that could not be mirrored yet, one per key. Parking
// a job replaces the parked job for its key unless the parked one has a
// higher Seq.
type RetryQueue interface {
	Park(ctx context.Context, job Job, due time.Time) error
	// Due removes and returns up to limit jobs whose due time has passed.
	Due(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Parked(ctx context.Context, key string) (bool, error)
	Len(ctx context.Context) (int, error)
}

type memoryEntry struct {
	job Job
	due time.Time
}

type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: map[string]memoryEntry{}}
}

func (q *MemoryQueue) Park(_ context.Context, job Job, due time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if current, ok := q.entries[job.Key()]; ok && !job.Supersedes(current.job) {
		return nil
	}
	q.entries[job.Key()] = memoryEntry{job: job, due: due}
	return nil
}

func (q *MemoryQueue) Due(_ context.Context, now time.Time, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ready := make([]memoryEntry, 0)
	for _, entry := range q.entries {
		if !entry.due.After(now) {
			ready = append(ready, entry)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].due.Before(ready[j].due) })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	jobs := make([]Job, 0, len(ready))
	for _, entry := range ready {
		delete(q.entries, entry.job.Key())
		jobs = append(jobs, entry.job)
	}
	return jobs, nil
}

func (q *MemoryQueue) Parked(_ context.Context, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[key]
	return ok, nil
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}
