// Package worker runs background work: periodic jobs on a cron schedule
// and one-off jobs, retried with exponential backoff while they report a
// transient failure.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"caldavtasks/internal/utils"
)

// Constraint is checked before every run. A run whose constraint is not
// met is postponed without counting as an attempt.
type Constraint func(ctx context.Context) bool

// RetryPolicy controls how Retry results are rescheduled.
type RetryPolicy struct {
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	Multiplier          float64
	MaxAttempts         int     // 0 retries until Success or Failure
	RandomizationFactor float64 // jitter, 0 disables
}

// DefaultRetryPolicy starts at 30 seconds and doubles up to 5 hours.
var DefaultRetryPolicy = RetryPolicy{
	InitialDelay:        30 * time.Second,
	MaxDelay:            5 * time.Hour,
	Multiplier:          2,
	MaxAttempts:         10,
	RandomizationFactor: 0.5,
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// State of a registered work.
type State string

const (
	StateIdle     State = "idle"
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateRetrying State = "retrying"
	StateBlocked  State = "blocked" // waiting for the constraint
)

// Status describes a registered work.
type Status struct {
	Name       string
	Periodic   bool
	State      State
	LastRun    time.Time
	LastResult Result
	Attempts   int
	NextRun    time.Time
}

type entry struct {
	work     Work
	periodic bool
	cronID   cron.EntryID
	active   bool // queued, running or waiting for a retry
	status   Status
	backoff  *backoff.ExponentialBackOff
}

// SchedulerOption defines a function that can configure a scheduler
type SchedulerOption func(*Scheduler)

// WithRetryPolicy sets the backoff applied to Retry results.
func WithRetryPolicy(p RetryPolicy) SchedulerOption {
	return func(s *Scheduler) {
		if p.Multiplier < 1 {
			p.Multiplier = 1
		}
		s.policy = p
	}
}

// WithConstraint sets the check evaluated before each run and how often a
// blocked run re-checks it.
func WithConstraint(c Constraint, recheck time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.constraint = c
		if recheck > 0 {
			s.recheck = recheck
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *utils.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Scheduler handles scheduling and executing work
type Scheduler struct {
	policy     RetryPolicy
	constraint Constraint
	recheck    time.Duration
	logger     *utils.Logger
	cron       *cron.Cron

	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewScheduler creates a new scheduler
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		policy:  DefaultRetryPolicy,
		recheck: time.Minute,
		logger:  utils.GetLogger(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithLogger(cron.PrintfLogger(s.logger.Logrus())))
	return s
}

func (s *Scheduler) log(name string) *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{"work": name})
}

// Schedule registers work to run periodically on a cron spec such as
// "@every 15m" or "0 * * * *".
func (s *Scheduler) Schedule(spec string, work Work) error {
	name := work.Name()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[name]; ok && e.periodic {
		return fmt.Errorf("work %q is already scheduled", name)
	}
	id, err := s.cron.AddFunc(spec, func() { s.trigger(name) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	e, ok := s.entries[name]
	if !ok {
		e = s.newEntry(work)
		s.entries[name] = e
	}
	e.periodic = true
	e.status.Periodic = true
	e.cronID = id
	return nil
}

// Enqueue runs work once as soon as possible. Work with the same name
// that is already queued or running is kept and the new request is
// dropped; Enqueue reports whether the work was queued.
func (s *Scheduler) Enqueue(work Work) bool {
	name := work.Name()

	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		e = s.newEntry(work)
		s.entries[name] = e
	}
	s.mu.Unlock()

	return s.trigger(name)
}

func (s *Scheduler) newEntry(work Work) *entry {
	return &entry{
		work:    work,
		status:  Status{Name: work.Name(), State: StateIdle},
		backoff: s.policy.newBackOff(),
	}
}

// trigger starts a run of the named work unless one is active.
func (s *Scheduler) trigger(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok || e.active {
		return false
	}
	e.active = true
	e.status.State = StateQueued
	e.status.Attempts = 0
	if s.started {
		s.launch(e)
	}
	return true
}

// launch must be called with s.mu held.
func (s *Scheduler) launch(e *entry) {
	s.wg.Add(1)
	go s.run(s.ctx, e)
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()

	// Work enqueued before Start
	for _, e := range s.entries {
		if e.active {
			s.launch(e)
		}
	}
	s.logger.Info("Scheduler started with %d registered jobs", len(s.entries))
	return nil
}

// Stop stops the scheduler and waits for running work to return, or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()

	cronCtx := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-cronCtx.Done()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Scheduler shutdown timed out")
		return fmt.Errorf("scheduler shutdown timed out: %w", ctx.Err())
	}
}

// Status returns the state of the named work.
func (s *Scheduler) Status(name string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return Status{}, false
	}
	return s.statusLocked(e), true
}

// Statuses returns the state of every registered work, sorted by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, s.statusLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) statusLocked(e *entry) Status {
	st := e.status
	if e.periodic && !e.active && s.started {
		st.NextRun = s.cron.Entry(e.cronID).Next
	}
	return st
}

func (s *Scheduler) setState(e *entry, fn func(st *Status)) {
	s.mu.Lock()
	fn(&e.status)
	s.mu.Unlock()
}

// run executes one activation of e, including its retries.
func (s *Scheduler) run(ctx context.Context, e *entry) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		e.active = false
		e.status.State = StateIdle
		s.mu.Unlock()
	}()

	name := e.work.Name()
	for {
		if ctx.Err() != nil {
			return
		}

		if s.constraint != nil && !s.constraint(ctx) {
			s.setState(e, func(st *Status) {
				st.State = StateBlocked
				st.NextRun = time.Now().Add(s.recheck)
			})
			s.log(name).Debug("Constraint not met, postponing")
			if !sleep(ctx, s.recheck) {
				return
			}
			continue
		}

		var attempt int
		s.setState(e, func(st *Status) {
			st.State = StateRunning
			st.Attempts++
			st.LastRun = time.Now()
			st.NextRun = time.Time{}
			attempt = st.Attempts
		})

		result := do(ctx, e.work)
		s.setState(e, func(st *Status) { st.LastResult = result })

		logEntry := s.log(name).WithField("attempt", attempt)
		switch result.Kind {
		case KindSuccess:
			logEntry.Debug("Work succeeded")
			s.finish(e)
			return
		case KindFailure:
			logEntry.WithError(result.Err).Error("Work failed")
			s.finish(e)
			return
		}

		if s.policy.MaxAttempts > 0 && attempt >= s.policy.MaxAttempts {
			logEntry.WithError(result.Err).Error("Work failed, giving up after max attempts")
			s.finish(e)
			return
		}
		delay := e.backoff.NextBackOff()
		if delay == backoff.Stop {
			s.finish(e)
			return
		}
		logEntry.WithError(result.Err).Warnf("Work will be retried in %s", delay.Round(time.Millisecond))
		s.setState(e, func(st *Status) {
			st.State = StateRetrying
			st.NextRun = time.Now().Add(delay)
		})
		if !sleep(ctx, delay) {
			return
		}
	}
}

// finish resets the backoff after a final result.
func (s *Scheduler) finish(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.backoff.Reset()
}

func do(ctx context.Context, w Work) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Failure(fmt.Errorf("panic: %v", r))
		}
	}()
	return w.Do(ctx)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
