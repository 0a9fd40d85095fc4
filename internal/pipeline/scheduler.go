package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrBusy is returned when a run is requested while another is in progress.
var ErrBusy = errors.New("pipeline: a run is already in progress")

// RunFunc executes one run under the given id.
type RunFunc func(ctx context.Context, id string) (Result, error)

// Scheduler runs the pipeline on an interval and on demand, never more than
// one run at a time. Dedup state has no concurrent-writer protection, so
// overlapping runs are refused rather than queued.
type Scheduler struct {
	Run      RunFunc
	Interval time.Duration

	running atomic.Bool
	wg      sync.WaitGroup

	mu   sync.Mutex
	last *Result
}

// NewScheduler schedules o every interval.
func NewScheduler(o *Orchestrator, interval time.Duration) *Scheduler {
	return &Scheduler{Run: o.RunWithID, Interval: interval}
}

// Busy reports whether a run is in progress.
func (s *Scheduler) Busy() bool { return s.running.Load() }

// Last returns the result of the most recent finished run, if any.
func (s *Scheduler) Last() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

// TryRun runs synchronously, or returns ErrBusy.
func (s *Scheduler) TryRun(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer s.running.Store(false)
	return s.run(ctx, uuid.NewString())
}

// Trigger starts a run in the background and returns its id, or ErrBusy.
// The run is bound to ctx, not to the caller's request.
func (s *Scheduler) Trigger(ctx context.Context) (string, error) {
	if !s.running.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	id := uuid.NewString()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		_, _ = s.run(ctx, id)
	}()
	return id, nil
}

func (s *Scheduler) run(ctx context.Context, id string) (Result, error) {
	res, err := s.Run(ctx, id)
	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Str("run_id", id).Msg("scheduled run failed")
	}
	return res, err
}

// Start runs immediately and then every Interval until ctx is done. Ticks
// that land on a busy scheduler are skipped. Start returns after in-flight
// runs finish.
func (s *Scheduler) Start(ctx context.Context) {
	defer s.wg.Wait()

	tick := func() {
		if _, err := s.TryRun(ctx); errors.Is(err, ErrBusy) {
			log.Info().Msg("scheduled run skipped: previous run still in progress")
		}
	}

	tick()
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick()
		}
	}
}

// Wait blocks until background runs started by Trigger have finished.
func (s *Scheduler) Wait() { s.wg.Wait() }
