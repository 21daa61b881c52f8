// Package stage runs one pipeline step inside a uniform retry and backoff
// envelope and, for AI steps, rotates credentials on failure.
package stage

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"ArticleRelay/internal/credentials"
	"ArticleRelay/internal/domain"
	"ArticleRelay/pkg/logger"
	"ArticleRelay/pkg/resilience"
)

// CredentialPool is the part of credentials.Pool the executor needs.
type CredentialPool interface {
	Acquire(group string) (credentials.Entry, error)
	ReportFailure(entry credentials.Entry, kind domain.ErrorKind)
	ReportSuccess(entry credentials.Entry)
	// RecoversIn reports how long until some entry of group can be
	// acquired; false means none ever will.
	RecoversIn(group string) (time.Duration, bool)
}

// Attempt describes one call of a stage function.
type Attempt struct {
	Stage      string
	Number     int
	Credential string
	Kind       domain.ErrorKind
	Err        error
	Duration   time.Duration
	// NextDelay is the backoff before the following attempt, zero when none.
	NextDelay time.Duration
}

// Observer is told about every attempt and every final outcome.
type Observer interface {
	OnAttempt(a Attempt)
	OnOutcome(stage string, outcome domain.StageOutcome)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor runs stage functions under a Policy.
type Executor struct {
	pool     CredentialPool
	observer Observer
	sleep    SleepFunc
	random   func() float64
	logger   *slog.Logger
}

// Option customises an Executor.
type Option func(*Executor)

// WithObserver registers an attempt observer.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithRand replaces the jitter source.
func WithRand(fn func() float64) Option {
	return func(e *Executor) { e.random = fn }
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor builds an executor; pool may be nil when no stage needs
// credentials.
func NewExecutor(pool CredentialPool, opts ...Option) *Executor {
	e := &Executor{
		pool:   pool,
		sleep:  sleepContext,
		random: rand.Float64,
		logger: logger.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes fn until it succeeds, fails terminally or runs out of
// attempts. Calls run on a context detached from ctx cancellation and
// bounded by the policy timeout; ctx only interrupts backoff waits.
func (e *Executor) Run(ctx context.Context, name string, policy Policy, fn func(ctx context.Context) error) domain.StageOutcome {
	tr := newTracker(policy, e.random)
	log := logger.FromContext(ctx, e.logger).With("stage", name)
	var late stragglers

	for calls := 1; ; calls++ {
		if late.succeeded(nil) {
			log.Info("abandoned attempt completed", "attempts", calls-1)
			return e.finish(name, domain.StageOutcome{Status: domain.StatusSuccess, Attempts: calls - 1})
		}
		if err := ctx.Err(); err != nil {
			return e.finish(name, domain.StageOutcome{Status: domain.StatusInterrupted, Err: err, Attempts: calls - 1})
		}

		started := time.Now()
		result, err := e.call(ctx, name, policy, fn)
		kind := domain.KindOf(err)

		if err == nil {
			e.attempt(Attempt{Stage: name, Number: calls, Duration: time.Since(started)})
			return e.finish(name, domain.StageOutcome{Status: domain.StatusSuccess, Attempts: calls})
		}
		if abandoned(err) {
			late.add(credentials.Entry{}, kind, result)
		}

		status, delay := tr.fail(kind)
		e.attempt(Attempt{Stage: name, Number: calls, Kind: kind, Err: err, Duration: time.Since(started), NextDelay: delay})
		if status != "" {
			if late.succeeded(nil) {
				return e.finish(name, domain.StageOutcome{Status: domain.StatusSuccess, Attempts: calls})
			}
			return e.finish(name, domain.StageOutcome{Status: status, ErrorKind: kind, Err: err, Attempts: calls})
		}

		log.Warn("stage attempt failed, retrying", "attempt", calls, "kind", kind, "error", err, "next_delay", delay)
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return e.finish(name, domain.StageOutcome{Status: domain.StatusInterrupted, ErrorKind: kind, Err: err, Attempts: calls})
		}
	}
}

// RunWithCredential is Run for stages that need an AI credential from
// group. Each attempt acquires a fresh entry and reports the result back to
// the pool. permanent_credential failures move on to the next entry without
// consuming an attempt; an exhausted group yields a terminal
// fatal_infrastructure outcome.
func (e *Executor) RunWithCredential(ctx context.Context, name, group string, policy Policy, fn func(ctx context.Context, key string) error) domain.StageOutcome {
	tr := newTracker(policy, e.random)
	log := logger.FromContext(ctx, e.logger).With("stage", name, "group", group)

	if e.pool == nil {
		return e.finish(name, domain.StageOutcome{
			Status:    domain.StatusTerminal,
			ErrorKind: domain.KindFatalInfrastructure,
			Err:       credentials.ErrNoneAvailable,
		})
	}

	var late stragglers
	// stop charges attempts that never came back before returning outcome.
	stop := func(outcome domain.StageOutcome) domain.StageOutcome {
		late.charge(e.pool)
		return e.finish(name, outcome)
	}

	for calls := 1; ; calls++ {
		if late.succeeded(e.pool) {
			log.Info("abandoned attempt completed", "attempts", calls-1)
			return stop(domain.StageOutcome{Status: domain.StatusSuccess, Attempts: calls - 1})
		}
		if err := ctx.Err(); err != nil {
			return stop(domain.StageOutcome{Status: domain.StatusInterrupted, Err: err, Attempts: calls - 1})
		}

		entry, err := e.acquire(ctx, group, policy, log)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return stop(domain.StageOutcome{Status: domain.StatusInterrupted, Err: ctxErr, Attempts: calls - 1})
			}
			log.Error("credential group exhausted", "error", err)
			return stop(domain.StageOutcome{
				Status:    domain.StatusTerminal,
				ErrorKind: domain.KindFatalInfrastructure,
				Err:       err,
				Attempts:  calls - 1,
			})
		}

		started := time.Now()
		result, err := e.call(ctx, name, policy, func(callCtx context.Context) error {
			return fn(callCtx, entry.Key)
		})
		kind := domain.KindOf(err)

		if err == nil {
			e.pool.ReportSuccess(entry)
			e.attempt(Attempt{Stage: name, Number: calls, Credential: entry.Name, Duration: time.Since(started)})
			return stop(domain.StageOutcome{Status: domain.StatusSuccess, Attempts: calls})
		}

		// An attempt cut off by its timeout may still finish; the pool
		// hears about it once its result is known.
		switch {
		case abandoned(err):
			late.add(entry, kind, result)
		case credentialFault(kind):
			e.pool.ReportFailure(entry, kind)
		}

		if kind == domain.KindPermanentCredential {
			e.attempt(Attempt{Stage: name, Number: calls, Credential: entry.Name, Kind: kind, Err: err, Duration: time.Since(started)})
			log.Warn("credential rejected, rotating", "credential", entry.Name, "error", err)
			continue
		}

		status, delay := tr.fail(kind)
		e.attempt(Attempt{Stage: name, Number: calls, Credential: entry.Name, Kind: kind, Err: err, Duration: time.Since(started), NextDelay: delay})
		if status != "" {
			if late.succeeded(e.pool) {
				return stop(domain.StageOutcome{Status: domain.StatusSuccess, Attempts: calls})
			}
			return stop(domain.StageOutcome{Status: status, ErrorKind: kind, Err: err, Attempts: calls})
		}

		log.Warn("stage attempt failed, retrying", "attempt", calls, "credential", entry.Name, "kind", kind, "error", err, "next_delay", delay)
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return stop(domain.StageOutcome{Status: domain.StatusInterrupted, ErrorKind: kind, Err: err, Attempts: calls})
		}
	}
}

// acquire takes an entry of group. When the whole group is cooling down
// and the earliest entry recovers within the policy's MaxDelay, it waits
// once for that entry instead of failing.
func (e *Executor) acquire(ctx context.Context, group string, policy Policy, log *slog.Logger) (credentials.Entry, error) {
	entry, err := e.pool.Acquire(group)
	if err == nil || policy.MaxDelay <= 0 {
		return entry, err
	}
	wait, ok := e.pool.RecoversIn(group)
	if !ok || wait > policy.MaxDelay {
		return entry, err
	}

	log.Info("credential group cooling down, waiting", "wait", wait)
	if sleepErr := e.sleep(ctx, wait); sleepErr != nil {
		return credentials.Entry{}, sleepErr
	}
	return e.pool.Acquire(group)
}

// call runs fn under the policy timeout. result receives fn's own return
// value, even when the call was abandoned at its timeout.
func (e *Executor) call(ctx context.Context, name string, policy Policy, fn func(ctx context.Context) error) (<-chan error, error) {
	result := make(chan error, 1)
	err := resilience.WithTimeout(context.WithoutCancel(ctx), policy.timeout(), name, func(callCtx context.Context) error {
		err := fn(callCtx)
		result <- err
		return err
	})
	return result, err
}

func (e *Executor) attempt(a Attempt) {
	if e.observer != nil {
		e.observer.OnAttempt(a)
	}
}

func (e *Executor) finish(name string, outcome domain.StageOutcome) domain.StageOutcome {
	if e.observer != nil {
		e.observer.OnOutcome(name, outcome)
	}
	return outcome
}

func credentialFault(kind domain.ErrorKind) bool {
	switch kind {
	case domain.KindTransient, domain.KindRateLimited, domain.KindQuotaExhausted, domain.KindPermanentCredential:
		return true
	}
	return false
}

// abandoned reports whether err comes from the executor giving up on a call
// at its timeout.
func abandoned(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// straggler is an attempt abandoned at its timeout whose call may still
// complete.
type straggler struct {
	entry  credentials.Entry
	kind   domain.ErrorKind
	result <-chan error
}

type stragglers []straggler

func (s *stragglers) add(entry credentials.Entry, kind domain.ErrorKind, result <-chan error) {
	*s = append(*s, straggler{entry: entry, kind: kind, result: result})
}

// succeeded settles every straggler that has returned and reports whether
// any of them succeeded. The pool, when given, is told each settled result.
func (s *stragglers) succeeded(pool CredentialPool) bool {
	won := false
	kept := (*s)[:0]
	for _, st := range *s {
		select {
		case err := <-st.result:
			if err == nil {
				won = true
			}
			switch {
			case pool == nil:
			case err == nil:
				pool.ReportSuccess(st.entry)
			case credentialFault(st.kind):
				pool.ReportFailure(st.entry, st.kind)
			}
		default:
			kept = append(kept, st)
		}
	}
	*s = kept
	return won
}

// charge reports every unsettled straggler as failed.
func (s *stragglers) charge(pool CredentialPool) {
	for _, st := range *s {
		if credentialFault(st.kind) {
			pool.ReportFailure(st.entry, st.kind)
		}
	}
	*s = nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
