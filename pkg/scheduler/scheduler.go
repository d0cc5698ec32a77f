// Package scheduler provides a single-threaded cooperative task scheduler.
//
// Task logic (steps and callbacks) only ever runs inside Tick, on whichever
// goroutine calls it, so tasks can share in-memory state without locks. Blocking
// work is expressed as an Op which runs on its own goroutine; the scheduler
// collects finished ops on the next Tick and resumes the owning task there.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dfelinto/blender-cloud-addon/internal/metrics"
	"github.com/dfelinto/blender-cloud-addon/pkg/logger"
)

const (
	DefaultPollTimeout = 10 * time.Millisecond
	DefaultMaxInFlight = 8
)

// Options configures a Scheduler.
type Options struct {
	// PollTimeout bounds how long Tick waits for I/O when nothing is runnable.
	PollTimeout time.Duration
	// MaxInFlight limits the number of concurrently running ops.
	MaxInFlight int
	Logger      *zap.Logger
}

type completion struct {
	task  *Task
	value any
	err   error
}

// Scheduler drives tasks to completion one bounded Tick at a time.
type Scheduler struct {
	pollTimeout time.Duration
	maxInFlight int
	log         *zap.Logger

	nextID atomic.Uint64
	live   atomic.Int64

	mu      sync.Mutex
	inbox   []*Task
	cancels []*Task

	// Owned by the tick goroutine.
	tasks       map[uint64]*Task
	runnable    []*Task
	waiting     []*Task
	inflight    int
	completions chan completion
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("scheduler")
	}
	return &Scheduler{
		pollTimeout: opts.PollTimeout,
		maxInFlight: opts.MaxInFlight,
		log:         opts.Logger,
		tasks:       make(map[uint64]*Task),
		// Every running op owns a slot, so sends never block.
		completions: make(chan completion, opts.MaxInFlight),
	}
}

// PollTimeout returns the configured poll timeout.
func (s *Scheduler) PollTimeout() time.Duration { return s.pollTimeout }

// Submit enqueues a task created with NewTask. Safe from any goroutine; the
// task starts on the next Tick.
func (s *Scheduler) Submit(t *Task) *Task {
	if t.sched != nil {
		panic(fmt.Sprintf("scheduler: task %q submitted twice", t.name))
	}
	t.sched = s
	t.id = s.nextID.Add(1)
	s.live.Add(1)

	s.mu.Lock()
	s.inbox = append(s.inbox, t)
	s.mu.Unlock()
	return t
}

// Cancel requests cancellation of t. Safe from any goroutine.
func (s *Scheduler) Cancel(t *Task) {
	t.cancel()
	s.mu.Lock()
	s.cancels = append(s.cancels, t)
	s.mu.Unlock()
}

// Len returns the number of tasks that have not finished yet.
func (s *Scheduler) Len() int { return int(s.live.Load()) }

// Idle reports whether no tasks remain.
func (s *Scheduler) Idle() bool { return s.live.Load() == 0 }

// Tick performs one bounded quantum of progress: it admits new tasks, collects
// finished ops (waiting at most PollTimeout, and only when nothing else is
// runnable), advances every runnable task to its next suspension point and
// launches pending ops. It reports whether any task remains.
func (s *Scheduler) Tick() bool {
	start := time.Now()
	defer func() { metrics.ObserveTick(time.Since(start)) }()

	s.drainInbox()
	s.collect()

	batch := s.runnable
	s.runnable = nil
	for _, t := range batch {
		s.step(t)
	}

	s.launch()
	metrics.SetInflightOps(s.inflight)
	return s.live.Load() > 0
}

// RunUntilIdle ticks until no tasks remain. It blocks the caller.
func (s *Scheduler) RunUntilIdle() {
	for s.Tick() {
	}
}

// RunUntil ticks until t finishes and returns its result. It blocks the caller.
func (s *Scheduler) RunUntil(t *Task) (any, error) {
	for !t.State().Terminal() {
		if !s.Tick() && !t.State().Terminal() {
			return nil, fmt.Errorf("scheduler: task %q is not scheduled", t.name)
		}
	}
	return t.Result()
}

func (s *Scheduler) drainInbox() {
	s.mu.Lock()
	inbox, cancels := s.inbox, s.cancels
	s.inbox, s.cancels = nil, nil
	s.mu.Unlock()

	for _, t := range inbox {
		s.tasks[t.id] = t
		s.runnable = append(s.runnable, t)
	}
	for _, t := range cancels {
		if _, ok := s.tasks[t.id]; ok && !t.State().Terminal() {
			s.finish(t, Cancelled, nil, ErrCancelled)
		}
	}
}

func (s *Scheduler) collect() {
	if len(s.runnable) == 0 && s.inflight > 0 {
		timer := time.NewTimer(s.pollTimeout)
		select {
		case c := <-s.completions:
			s.complete(c)
		case <-timer.C:
		}
		timer.Stop()
	}
	for {
		select {
		case c := <-s.completions:
			s.complete(c)
		default:
			return
		}
	}
}

func (s *Scheduler) complete(c completion) {
	s.inflight--
	t := c.task
	if t.State().Terminal() {
		// Cancelled while the op was running; the result is discarded.
		return
	}
	if t.ctx.Err() != nil {
		s.finish(t, Cancelled, nil, ErrCancelled)
		return
	}
	next := t.opNext
	t.op, t.opNext = nil, nil
	t.resume = func() Step { return next(c.value, c.err) }
	t.setState(Pending)
	s.runnable = append(s.runnable, t)
}

func (s *Scheduler) step(t *Task) {
	if t.State().Terminal() {
		return
	}
	if t.ctx.Err() != nil {
		s.finish(t, Cancelled, nil, ErrCancelled)
		return
	}

	t.setState(Running)
	resume := t.resume
	t.resume = nil
	st := s.call(t, resume)

	switch st.kind {
	case stepAwait:
		t.op, t.opNext = st.op, st.next
		t.setState(Suspended)
		s.waiting = append(s.waiting, t)
	case stepYield:
		t.resume = st.resume
		t.setState(Pending)
		s.runnable = append(s.runnable, t)
	case stepWait:
		s.wait(t, st.deps, st.resume)
	case stepFail:
		s.finish(t, Failed, nil, st.err)
	default:
		s.finish(t, Done, st.value, nil)
	}
}

// wait parks t until deps finish. The last dependency's done callback makes
// t runnable again; a cancelled context wakes it through the cancel queue.
func (s *Scheduler) wait(t *Task, deps []*Task, next func() Step) {
	pending := 0
	for _, d := range deps {
		if d != nil && !d.State().Terminal() {
			pending++
		}
	}
	if pending == 0 {
		t.resume = next
		t.setState(Pending)
		s.runnable = append(s.runnable, t)
		return
	}

	t.setState(Suspended)
	t.stopWait = context.AfterFunc(t.ctx, func() {
		s.mu.Lock()
		s.cancels = append(s.cancels, t)
		s.mu.Unlock()
	})
	for _, d := range deps {
		if d == nil || d.State().Terminal() {
			continue
		}
		d.AddDoneCallback(func(*Task) {
			pending--
			if pending > 0 || t.State().Terminal() {
				return
			}
			t.stopWait()
			t.stopWait = nil
			t.resume = next
			t.setState(Pending)
			s.runnable = append(s.runnable, t)
		})
	}
}

func (s *Scheduler) call(t *Task, fn func() Step) (st Step) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", zap.String("task", t.name), zap.Any("panic", r))
			st = Fail(fmt.Errorf("task %s panicked: %v", t.name, r))
		}
	}()
	return fn()
}

func (s *Scheduler) launch() {
	// Tasks cancelled while queued for a slot finish without waiting for one.
	queued := s.waiting[:0]
	for _, t := range s.waiting {
		switch {
		case t.State().Terminal():
		case t.ctx.Err() != nil:
			s.finish(t, Cancelled, nil, ErrCancelled)
		default:
			queued = append(queued, t)
		}
	}
	clear(s.waiting[len(queued):])
	s.waiting = queued

	for len(s.waiting) > 0 && s.inflight < s.maxInFlight {
		t := s.waiting[0]
		s.waiting[0] = nil
		s.waiting = s.waiting[1:]
		if t.State().Terminal() {
			continue
		}
		if t.ctx.Err() != nil {
			s.finish(t, Cancelled, nil, ErrCancelled)
			continue
		}
		s.inflight++
		go s.runOp(t, t.op)
	}
}

func (s *Scheduler) runOp(t *Task, op Op) {
	c := completion{task: t}
	defer func() {
		if r := recover(); r != nil {
			c.value, c.err = nil, fmt.Errorf("operation of task %s panicked: %v", t.name, r)
		}
		s.completions <- c
	}()
	c.value, c.err = op(t.ctx)
}

func (s *Scheduler) finish(t *Task, state State, v any, err error) {
	t.value, t.err = v, err
	t.op, t.opNext, t.resume = nil, nil, nil
	if t.stopWait != nil {
		t.stopWait()
		t.stopWait = nil
	}
	t.setState(state)
	t.cancel()
	delete(s.tasks, t.id)
	s.live.Add(-1)
	metrics.RecordTaskFinished(state.String())

	if state == Failed {
		s.log.Debug("task failed", zap.String("task", t.name), zap.Error(err))
	}

	cbs := t.callbacks
	t.callbacks = nil
	for _, cb := range cbs {
		s.runCallback(t, cb)
	}
	close(t.done)
}

func (s *Scheduler) runCallback(t *Task, cb func(*Task)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task callback panicked", zap.String("task", t.name), zap.Any("panic", r))
		}
	}()
	cb(t)
}

// Schedule creates and submits a task in one call.
func (s *Scheduler) Schedule(ctx context.Context, name string, body func(ctx context.Context) Step) *Task {
	return s.Submit(NewTask(ctx, name, body))
}
