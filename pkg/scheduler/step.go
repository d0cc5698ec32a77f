package scheduler

import (
	"context"
	"errors"
)

// Op performs blocking work (network or disk I/O) off the tick goroutine.
// It must not touch state shared with other tasks; hand results back
// through its return values.
type Op func(ctx context.Context) (any, error)

type stepKind int

const (
	stepReturn stepKind = iota
	stepFail
	stepAwait
	stepYield
	stepWait
)

// Step tells the scheduler what a task wants to do next. The zero value is
// equivalent to Return(nil).
type Step struct {
	kind   stepKind
	value  any
	err    error
	op     Op
	next   func(v any, err error) Step
	resume func() Step
	deps   []*Task
}

// Return finishes the task successfully with v as its result.
func Return(v any) Step {
	return Step{kind: stepReturn, value: v}
}

// Fail finishes the task with err.
func Fail(err error) Step {
	if err == nil {
		err = errors.New("scheduler: Fail called with nil error")
	}
	return Step{kind: stepFail, err: err}
}

// Await suspends the task until op completes, then resumes it on the tick
// goroutine by calling next with the op's outcome.
func Await(op Op, next func(v any, err error) Step) Step {
	if op == nil || next == nil {
		return Fail(errors.New("scheduler: Await needs an op and a continuation"))
	}
	return Step{kind: stepAwait, op: op, next: next}
}

// AwaitFunc is Await with a typed result.
func AwaitFunc[T any](op func(ctx context.Context) (T, error), next func(T, error) Step) Step {
	return Await(
		func(ctx context.Context) (any, error) { return op(ctx) },
		func(v any, err error) Step {
			res, _ := v.(T)
			return next(res, err)
		},
	)
}

// AwaitTasks suspends the task until every task in deps has finished, then
// continues with next on the tick goroutine. Waiting holds no MaxInFlight
// slot. deps must be submitted to the same scheduler.
func AwaitTasks(deps []*Task, next func() Step) Step {
	if next == nil {
		return Fail(errors.New("scheduler: AwaitTasks needs a continuation"))
	}
	return Step{kind: stepWait, deps: deps, resume: next}
}

// Yield gives other tasks a chance to run and continues with next on a later tick.
func Yield(next func() Step) Step {
	if next == nil {
		return Return(nil)
	}
	return Step{kind: stepYield, resume: next}
}
