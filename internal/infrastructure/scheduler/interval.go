package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ArticleRelay/internal/ports"
	"ArticleRelay/pkg/logger"
)

// ErrAlreadyStarted is returned by a second Start call.
var ErrAlreadyStarted = errors.New("scheduler already started")

// IntervalScheduler runs a job immediately and then once per interval.
// Jobs run on a single goroutine so cycles never overlap; ticks that fire
// while a job is still running are dropped.
type IntervalScheduler struct {
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ ports.Scheduler = (*IntervalScheduler)(nil)

// NewIntervalScheduler builds a driver ticking every interval.
func NewIntervalScheduler(interval time.Duration, log *slog.Logger) *IntervalScheduler {
	if log == nil {
		log = logger.Discard()
	}
	return &IntervalScheduler{
		interval: interval,
		logger:   log,
		done:     make(chan struct{}),
	}
}

// Start begins ticking. The job context is cancelled by Stop or when ctx
// ends.
func (s *IntervalScheduler) Start(ctx context.Context, job func(context.Context, time.Time)) error {
	if job == nil {
		return errors.New("scheduler: nil job")
	}
	if s.interval <= 0 {
		return errors.New("scheduler: interval must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(runCtx, job)
	return nil
}

func (s *IntervalScheduler) loop(ctx context.Context, job func(context.Context, time.Time)) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	job(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			job(ctx, t)
		}
	}
}

// Stop cancels the running job and waits for it to return or for ctx to
// expire.
func (s *IntervalScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-s.done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop has exited.
func (s *IntervalScheduler) Done() <-chan struct{} {
	return s.done
}
