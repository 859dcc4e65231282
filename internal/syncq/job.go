// Package syncq mirrors committed writes to the secondary store without
// blocking the request that made them.
package syncq

import (
	"time"

	"refflow/api/internal/cms"
	"refflow/api/internal/util"
)

type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Job is one mirror write. Jobs are addressed by the natural key of the
// entity they carry. Of two jobs for the same key the one with the higher Seq
// wins; Seq is stamped by Synchronizer.Enqueue.
type Job struct {
	ID         string       `json:"id"`
	Seq        uint64       `json:"seq"`
	Op         Op           `json:"op"`
	Doc        cms.Document `json:"doc"`
	Attempts   int          `json:"attempts"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
	LastError  string       `json:"lastError,omitempty"`
}

func (j Job) Key() string {
	return j.Doc.Key
}

// Supersedes reports whether j carries a newer write than other for the
// same key. Equal sequences count as newer so a re-park replaces itself.
func (j Job) Supersedes(other Job) bool {
	return j.Seq >= other.Seq
}

func Upsert(doc cms.Document, now time.Time) Job {
	return Job{ID: util.NewID("job"), Op: OpUpsert, Doc: doc, EnqueuedAt: now}
}

func Delete(key string, kind cms.Kind, now time.Time) Job {
	return Job{ID: util.NewID("job"), Op: OpDelete, Doc: cms.Document{Key: key, Kind: kind}, EnqueuedAt: now}
}

// Backoff is the delay before retry number attempts (1-based): base doubled
// per attempt, capped at max.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
