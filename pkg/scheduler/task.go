package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
)

// State is the lifecycle state of a Task.
type State int32

const (
	Pending State = iota
	Running
	Suspended
	Done
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Done:
		return "done"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == Done || s == Cancelled || s == Failed
}

// ErrCancelled is the error of a task that was cancelled.
var ErrCancelled = errors.New("task cancelled")

// Task is a suspendable unit of work driven by a Scheduler.
//
// Task fields other than the state are owned by the tick goroutine. Callbacks
// may be added freely before Submit; after that only from code running on the
// tick goroutine (task steps and other callbacks).
type Task struct {
	id     uint64
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	sched  *Scheduler
	state  atomic.Int32
	done   chan struct{}

	resume func() Step
	op     Op
	opNext func(any, error) Step
	// stopWait detaches the cancellation watch of an AwaitTasks wait.
	stopWait func() bool

	value     any
	err       error
	callbacks []func(*Task)
}

// NewTask creates a task that is not yet scheduled. The task's context is
// derived from ctx and is cancelled once the task finishes.
func NewTask(ctx context.Context, name string, body func(ctx context.Context) Step) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	tctx, cancel := context.WithCancel(ctx)
	t := &Task{
		name:   name,
		ctx:    tctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.resume = func() Step { return body(tctx) }
	return t
}

// ID returns the identifier assigned at submission (0 before that).
func (t *Task) ID() uint64 { return t.id }

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Context returns the task's context.
func (t *Task) Context() context.Context { return t.ctx }

// State returns the current state. Safe from any goroutine.
func (t *Task) State() State { return State(t.state.Load()) }

func (t *Task) setState(s State) { t.state.Store(int32(s)) }

// Done returns a channel closed after the task finished and its callbacks ran.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the task's value and error. Only meaningful once the task
// reached a terminal state.
func (t *Task) Result() (any, error) { return t.value, t.err }

// Err returns the task's error.
func (t *Task) Err() error { return t.err }

// AddDoneCallback registers fn to run on the tick goroutine once the task is
// Done, Failed or Cancelled. Callbacks fire in registration order. If the task
// already finished, fn runs immediately.
func (t *Task) AddDoneCallback(fn func(*Task)) {
	if t.State().Terminal() {
		fn(t)
		return
	}
	t.callbacks = append(t.callbacks, fn)
}

// OnSuccess registers fn to run only if the task finishes Done.
func (t *Task) OnSuccess(fn func(v any)) {
	t.AddDoneCallback(func(t *Task) {
		if t.State() == Done {
			fn(t.value)
		}
	})
}

// OnFailure registers fn to run only if the task finishes Failed.
func (t *Task) OnFailure(fn func(err error)) {
	t.AddDoneCallback(func(t *Task) {
		if t.State() == Failed {
			fn(t.err)
		}
	})
}

// Cancel requests cancellation. The task's context is cancelled immediately,
// which aborts its in-flight operation; the state becomes Cancelled on the
// next tick.
func (t *Task) Cancel() {
	if t.sched != nil {
		t.sched.Cancel(t)
		return
	}
	t.cancel()
}
