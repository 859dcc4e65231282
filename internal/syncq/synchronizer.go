package syncq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"refflow/api/internal/cms"
	"refflow/api/internal/metrics"
	"refflow/api/internal/workflow"
)

// Mirror is the secondary store the synchronizer writes to.
type Mirror interface {
	Upsert(ctx context.Context, doc cms.Document) error
	Delete(ctx context.Context, key string) error
}

type Options struct {
	Timeout     time.Duration
	MaxAttempts int
	Buffer      int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	DrainBatch  int
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 5 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Minute
	}
	if o.DrainBatch <= 0 {
		o.DrainBatch = 100
	}
	return o
}

// Synchronizer accepts jobs from request handlers and mirrors them in the
// background. Failed jobs are parked in the retry queue and replayed by
// Drain, which the caller schedules.
type Synchronizer struct {
	mirror  Mirror
	queue   RetryQueue
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	jobs chan Job
	seq  atomic.Uint64
	// dispatchMu serializes mirror writes so a replay never overtakes a newer
	// job for the same key. It also guards synced.
	dispatchMu sync.Mutex
	// synced holds the highest Seq written to the mirror per key.
	synced    map[string]uint64
	closeOnce sync.Once
	closed    chan struct{}
	overflow  sync.WaitGroup
}

func New(mirror Mirror, queue RetryQueue, opts Options, logger *slog.Logger, m *metrics.Metrics) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	if queue == nil {
		queue = NewMemoryQueue()
	}
	opts = opts.withDefaults()
	return &Synchronizer{
		mirror:  mirror,
		queue:   queue,
		opts:    opts,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		jobs:    make(chan Job, opts.Buffer),
		synced:  map[string]uint64{},
		closed:  make(chan struct{}),
	}
}

// nextSeq is strictly increasing and seeded from the wall clock, so jobs
// parked in a shared queue by an earlier process still order before new ones.
func (s *Synchronizer) nextSeq() uint64 {
	for {
		current := s.seq.Load()
		next := current + 1
		if clock := uint64(s.now().UnixNano()); clock > next {
			next = clock
		}
		if s.seq.CompareAndSwap(current, next) {
			return next
		}
	}
}

// Enqueue stamps jobs with a sequence, hands them to the dispatcher and
// returns immediately. When the buffer is full the job goes straight to the
// retry queue.
func (s *Synchronizer) Enqueue(jobs ...Job) {
	for _, job := range jobs {
		job.Seq = s.nextSeq()
		select {
		case <-s.closed:
			s.parkAsync(job, "synchronizer stopped")
			continue
		default:
		}
		select {
		case s.jobs <- job:
		default:
			s.parkAsync(job, "dispatch buffer full")
		}
	}
}

func (s *Synchronizer) parkAsync(job Job, reason string) {
	s.overflow.Add(1)
	go func() {
		defer s.overflow.Done()
		s.dispatchMu.Lock()
		defer s.dispatchMu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
		defer cancel()
		job.LastError = reason
		s.park(ctx, job, s.now())
	}()
}

// Run dispatches jobs until ctx is cancelled, then flushes whatever is still
// buffered into the retry queue.
func (s *Synchronizer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.closeOnce.Do(func() { close(s.closed) })
			s.flush()
			return nil
		case job := <-s.jobs:
			s.dispatch(context.WithoutCancel(ctx), job)
		}
	}
}

func (s *Synchronizer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()
	for {
		select {
		case job := <-s.jobs:
			s.dispatchMu.Lock()
			job.LastError = "shutdown"
			s.park(ctx, job, s.now())
			s.dispatchMu.Unlock()
		default:
			s.overflow.Wait()
			return
		}
	}
}

func (s *Synchronizer) dispatch(ctx context.Context, job Job) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	if s.stale(job) {
		return
	}
	// A parked job for the same key means an earlier write is still waiting.
	// Park behind it; the queue keeps whichever has the higher Seq.
	parked, err := s.queue.Parked(ctx, job.Key())
	if err != nil {
		s.logger.Warn("syncq: check parked job", "key", job.Key(), "error", err)
	}
	if parked {
		job.LastError = "waiting behind parked job"
		s.park(ctx, job, s.now())
		return
	}
	_ = s.attempt(ctx, job)
}

// stale reports whether a newer job for the same key already reached the
// mirror. dispatchMu must be held.
func (s *Synchronizer) stale(job Job) bool {
	if job.Seq >= s.synced[job.Key()] {
		return false
	}
	s.metrics.ObserveSync(string(job.Doc.Kind), "superseded", time.Time{})
	s.logger.Debug("syncq: discarding superseded job", "key", job.Key(), "seq", job.Seq)
	return true
}

// attempt sends job to the mirror once. It returns nil when the write
// landed or the job was superseded, a SyncDeferred error when the job was
// parked for retry, and the mirror error when the job was dropped.
// dispatchMu must be held.
func (s *Synchronizer) attempt(ctx context.Context, job Job) error {
	if s.stale(job) {
		return nil
	}
	start := s.now()
	sendCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	err := s.send(sendCtx, job)
	cancel()

	if err == nil {
		s.synced[job.Key()] = job.Seq
		s.metrics.ObserveSync(string(job.Doc.Kind), "synced", start)
		return nil
	}

	job.Attempts++
	job.LastError = err.Error()
	if job.Attempts >= s.opts.MaxAttempts {
		s.metrics.ObserveSync(string(job.Doc.Kind), "dropped", start)
		s.logger.Error("syncq: dropping job after max attempts",
			"key", job.Key(), "op", job.Op, "attempts", job.Attempts, "error", err)
		return fmt.Errorf("mirror %s %s: %w", job.Op, job.Key(), err)
	}
	deferred := workflow.SyncDeferred("%s %s after %d attempts: %v", job.Op, job.Key(), job.Attempts, err)
	s.metrics.ObserveSync(string(job.Doc.Kind), "deferred", start)
	s.logger.Warn("syncq: mirror write deferred", "key", job.Key(), "error", deferred)
	s.park(ctx, job, s.now().Add(Backoff(job.Attempts, s.opts.BaseBackoff, s.opts.MaxBackoff)))
	return deferred
}

func (s *Synchronizer) send(ctx context.Context, job Job) error {
	if s.mirror == nil {
		return errors.New("no mirror configured")
	}
	switch job.Op {
	case OpDelete:
		err := s.mirror.Delete(ctx, job.Key())
		if errors.Is(err, cms.ErrNotFound) {
			return nil
		}
		return err
	default:
		return s.mirror.Upsert(ctx, job.Doc)
	}
}

// park hands job to the retry queue unless a newer write for its key
// already reached the mirror. dispatchMu must be held.
func (s *Synchronizer) park(ctx context.Context, job Job, due time.Time) {
	if s.stale(job) {
		return
	}
	if err := s.queue.Park(ctx, job, due); err != nil {
		s.logger.Error("syncq: park job", "key", job.Key(), "error", err)
		return
	}
	s.refreshDepth(ctx)
}

func (s *Synchronizer) refreshDepth(ctx context.Context) {
	if depth, err := s.queue.Len(ctx); err == nil {
		s.metrics.SetQueueDepth(depth)
	}
}

// Drain replays every parked job that is due and returns how many it took.
func (s *Synchronizer) Drain(ctx context.Context) (int, error) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	jobs, err := s.queue.Due(ctx, s.now(), s.opts.DrainBatch)
	for _, job := range jobs {
		_ = s.attempt(ctx, job)
	}
	s.refreshDepth(ctx)
	if err != nil {
		return len(jobs), err
	}
	if len(jobs) > 0 {
		s.logger.Info("syncq: drained retry queue", "jobs", len(jobs))
	}
	return len(jobs), nil
}

// Pending reports how many jobs are parked for retry.
func (s *Synchronizer) Pending(ctx context.Context) (int, error) {
	return s.queue.Len(ctx)
}

// Schedule registers Drain on c under spec, e.g. "@every 30s".
func (s *Synchronizer) Schedule(c *cron.Cron, spec string) error {
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.opts.DrainBatch)*s.opts.Timeout)
		defer cancel()
		if _, err := s.Drain(ctx); err != nil {
			s.logger.Error("syncq: drain retry queue", "error", err)
		}
	})
	return err
}
