package worker

import (
	"context"
	"errors"
	"net"
	"time"

	"caldavtasks/backend/sync"
)

// Kind is the outcome of one run.
type Kind int

const (
	KindSuccess Kind = iota
	KindRetry
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetry:
		return "retry"
	case KindFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Result is returned by Work.Do.
type Result struct {
	Kind Kind
	Err  error
}

// Success means the work is done.
func Success() Result { return Result{Kind: KindSuccess} }

// Retry asks for another attempt after the backoff delay.
func Retry(err error) Result { return Result{Kind: KindRetry, Err: err} }

// Failure ends the run without retrying.
func Failure(err error) Result { return Result{Kind: KindFailure, Err: err} }

func (r Result) String() string {
	if r.Err != nil {
		return r.Kind.String() + ": " + r.Err.Error()
	}
	return r.Kind.String()
}

// Work is a unit the scheduler can run. Names identify work for
// coalescing and status.
type Work interface {
	Name() string
	Do(ctx context.Context) Result
}

type workFunc struct {
	name string
	fn   func(ctx context.Context) Result
}

func (w workFunc) Name() string                  { return w.name }
func (w workFunc) Do(ctx context.Context) Result { return w.fn(ctx) }

// NewWork wraps a function as Work.
func NewWork(name string, fn func(ctx context.Context) Result) Work {
	return workFunc{name: name, fn: fn}
}

// Work names used by the CLI and the daemon.
const (
	SyncWorkName = "sync"
	PushWorkName = "push"
)

// SyncWork runs the sync manager. Runs without errors succeed, runs with
// a transient error are retried, any other error fails the run.
type SyncWork struct {
	Manager  *sync.SyncManager
	PushOnly bool
	Timeout  time.Duration // per run, 0 for none
}

func (w *SyncWork) Name() string {
	if w.PushOnly {
		return PushWorkName
	}
	return SyncWorkName
}

func (w *SyncWork) Do(ctx context.Context) Result {
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	var (
		result *sync.SyncResult
		err    error
	)
	if w.PushOnly {
		result, err = w.Manager.PushOnly(ctx)
	} else {
		result, err = w.Manager.Sync(ctx, sync.Options{})
	}
	return Classify(result, err)
}

// Classify maps a sync outcome to a Result.
func Classify(result *sync.SyncResult, err error) Result {
	switch {
	case err == nil:
		return Success()
	case errors.Is(err, context.Canceled):
		return Failure(err)
	case result != nil && result.Transient():
		return Retry(err)
	default:
		return Failure(err)
	}
}

// ReachableConstraint is met when a TCP connection to addr (host:port)
// can be opened within timeout.
func ReachableConstraint(addr string, timeout time.Duration) Constraint {
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}
