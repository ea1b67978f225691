package worker

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"caldavtasks/backend"
	"caldavtasks/backend/sync"
	"caldavtasks/internal/utils"
)

var fastRetry = RetryPolicy{
	InitialDelay: 5 * time.Millisecond,
	MaxDelay:     10 * time.Millisecond,
	Multiplier:   1,
	MaxAttempts:  5,
}

func newTestScheduler(t *testing.T, opts ...SchedulerOption) *Scheduler {
	t.Helper()
	opts = append([]SchedulerOption{WithRetryPolicy(fastRetry), WithLogger(utils.NewLogger(io.Discard))}, opts...)
	s := NewScheduler(opts...)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

// waitIdle waits until the named work has finished its activation.
func waitIdle(t *testing.T, s *Scheduler, name string) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := s.Status(name); ok && st.State == StateIdle && !st.LastRun.IsZero() {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	st, _ := s.Status(name)
	t.Fatalf("work %q did not finish, status %+v", name, st)
	return st
}

func TestEnqueueRunsOnce(t *testing.T) {
	s := newTestScheduler(t)
	var calls int32
	s.Enqueue(NewWork("once", func(ctx context.Context) Result {
		atomic.AddInt32(&calls, 1)
		return Success()
	}))

	st := waitIdle(t, s, "once")
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if st.LastResult.Kind != KindSuccess || st.Attempts != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestRetryUntilSuccess(t *testing.T) {
	s := newTestScheduler(t)
	var calls int32
	s.Enqueue(NewWork("flaky", func(ctx context.Context) Result {
		if atomic.AddInt32(&calls, 1) < 3 {
			return Retry(errors.New("offline"))
		}
		return Success()
	}))

	st := waitIdle(t, s, "flaky")
	if st.Attempts != 3 || st.LastResult.Kind != KindSuccess {
		t.Errorf("status = %+v, want success after 3 attempts", st)
	}
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	s := newTestScheduler(t)
	var calls int32
	s.Enqueue(NewWork("hopeless", func(ctx context.Context) Result {
		atomic.AddInt32(&calls, 1)
		return Retry(errors.New("still offline"))
	}))

	st := waitIdle(t, s, "hopeless")
	if got := atomic.LoadInt32(&calls); got != int32(fastRetry.MaxAttempts) {
		t.Errorf("calls = %d, want %d", got, fastRetry.MaxAttempts)
	}
	if st.LastResult.Kind != KindRetry {
		t.Errorf("LastResult = %v", st.LastResult)
	}
}

func TestFailureIsNotRetried(t *testing.T) {
	s := newTestScheduler(t)
	var calls int32
	s.Enqueue(NewWork("broken", func(ctx context.Context) Result {
		atomic.AddInt32(&calls, 1)
		return Failure(errors.New("bad credentials"))
	}))

	st := waitIdle(t, s, "broken")
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if st.LastResult.Kind != KindFailure {
		t.Errorf("LastResult = %v", st.LastResult)
	}
}

func TestPanicIsFailure(t *testing.T) {
	s := newTestScheduler(t)
	s.Enqueue(NewWork("panics", func(ctx context.Context) Result {
		panic("boom")
	}))

	st := waitIdle(t, s, "panics")
	if st.LastResult.Kind != KindFailure {
		t.Errorf("LastResult = %v", st.LastResult)
	}
}

func TestEnqueueKeepsActiveWork(t *testing.T) {
	s := newTestScheduler(t)
	release := make(chan struct{})
	started := make(chan struct{})
	var calls int32
	work := NewWork("slow", func(ctx context.Context) Result {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		<-release
		return Success()
	})

	if !s.Enqueue(work) {
		t.Fatal("first Enqueue() = false")
	}
	<-started
	if s.Enqueue(work) {
		t.Error("second Enqueue() while running = true, want coalesced")
	}
	close(release)

	waitIdle(t, s, "slow")
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestEnqueueBeforeStart(t *testing.T) {
	s := NewScheduler(WithRetryPolicy(fastRetry), WithLogger(utils.NewLogger(io.Discard)))
	var calls int32
	s.Enqueue(NewWork("early", func(ctx context.Context) Result {
		atomic.AddInt32(&calls, 1)
		return Success()
	}))
	if st, _ := s.Status("early"); st.State != StateQueued {
		t.Errorf("State before Start = %s, want queued", st.State)
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())
	waitIdle(t, s, "early")
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestConstraintPostponesWithoutAttempt(t *testing.T) {
	var checks int32
	constraint := func(ctx context.Context) bool {
		return atomic.AddInt32(&checks, 1) > 2
	}
	s := newTestScheduler(t, WithConstraint(constraint, 5*time.Millisecond))

	s.Enqueue(NewWork("needs-network", func(ctx context.Context) Result {
		return Success()
	}))

	st := waitIdle(t, s, "needs-network")
	if st.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", st.Attempts)
	}
	if got := atomic.LoadInt32(&checks); got != 3 {
		t.Errorf("constraint checked %d times, want 3", got)
	}
}

func TestSchedule(t *testing.T) {
	s := newTestScheduler(t)
	work := NewWork("periodic", func(ctx context.Context) Result { return Success() })

	if err := s.Schedule("not a spec", work); err == nil {
		t.Error("Schedule() with invalid spec succeeded")
	}
	if err := s.Schedule("@every 1h", work); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if err := s.Schedule("@every 1h", work); err == nil {
		t.Error("Schedule() twice succeeded")
	}

	st, ok := s.Status("periodic")
	if !ok || !st.Periodic {
		t.Fatalf("Status() = %+v, %v", st, ok)
	}
	if until := time.Until(st.NextRun); until <= 0 || until > time.Hour {
		t.Errorf("NextRun = %v", st.NextRun)
	}
}

func TestStopCancelsRunningWork(t *testing.T) {
	s := NewScheduler(WithRetryPolicy(fastRetry), WithLogger(utils.NewLogger(io.Discard)))
	s.Start(context.Background())

	started := make(chan struct{})
	s.Enqueue(NewWork("blocking", func(ctx context.Context) Result {
		close(started)
		<-ctx.Done()
		return Failure(ctx.Err())
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestClassify(t *testing.T) {
	transientErr := backend.NewBackendError("PutTask", 503, "unavailable")
	permanentErr := backend.NewBackendError("GetTaskLists", 401, "unauthorized")
	transientRun, _ := runWithRemoteError(t, transientErr)
	permanentRun, _ := runWithRemoteError(t, permanentErr)

	tests := []struct {
		name   string
		result *sync.SyncResult
		err    error
		want   Kind
	}{
		{"no error", &sync.SyncResult{}, nil, KindSuccess},
		{"cancelled", &sync.SyncResult{}, context.Canceled, KindFailure},
		{"transient", transientRun, transientRun.Err(), KindRetry},
		{"permanent", permanentRun, permanentRun.Err(), KindFailure},
		{"nil result", nil, permanentErr, KindFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.result, tt.err); got.Kind != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}
