package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestScheduler(maxInFlight int) *Scheduler {
	return New(Options{PollTimeout: 5 * time.Millisecond, MaxInFlight: maxInFlight, Logger: zap.NewNop()})
}

func TestTask_AwaitReturnsValue(t *testing.T) {
	s := newTestScheduler(4)
	task := s.Schedule(context.Background(), "answer", func(ctx context.Context) Step {
		return AwaitFunc(func(ctx context.Context) (int, error) {
			return 42, nil
		}, func(v int, err error) Step {
			if err != nil {
				return Fail(err)
			}
			return Return(v * 2)
		})
	})

	v, err := s.RunUntil(task)
	if err != nil {
		t.Fatalf("RunUntil: %v", err)
	}
	if v != 84 {
		t.Errorf("value = %v, want 84", v)
	}
	if task.State() != Done {
		t.Errorf("state = %v, want done", task.State())
	}
	select {
	case <-task.Done():
	default:
		t.Error("Done channel not closed")
	}
	if !s.Idle() {
		t.Errorf("scheduler not idle, %d tasks left", s.Len())
	}
}

func TestTask_FailureCallbacks(t *testing.T) {
	s := newTestScheduler(4)
	boom := errors.New("boom")

	task := NewTask(context.Background(), "failing", func(ctx context.Context) Step {
		return Await(func(ctx context.Context) (any, error) {
			return nil, boom
		}, func(_ any, err error) Step {
			return Fail(err)
		})
	})

	var gotErr error
	successCalled := false
	task.OnFailure(func(err error) { gotErr = err })
	task.OnSuccess(func(any) { successCalled = true })
	s.Submit(task)
	s.RunUntilIdle()

	if task.State() != Failed {
		t.Fatalf("state = %v, want failed", task.State())
	}
	if !errors.Is(gotErr, boom) {
		t.Errorf("OnFailure err = %v, want boom", gotErr)
	}
	if successCalled {
		t.Error("OnSuccess called for a failed task")
	}
}

func TestTask_CallbackOrder(t *testing.T) {
	s := newTestScheduler(1)
	task := NewTask(context.Background(), "cb", func(ctx context.Context) Step { return Return("ok") })

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		task.AddDoneCallback(func(*Task) { order = append(order, i) })
	}
	s.Submit(task)
	s.RunUntilIdle()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("callback order = %v, want [1 2 3]", order)
	}

	// Added after completion: runs immediately.
	late := false
	task.AddDoneCallback(func(*Task) { late = true })
	if !late {
		t.Error("callback added after completion did not run")
	}
}

func TestTick_BoundedWithManySlowTasks(t *testing.T) {
	s := newTestScheduler(8)
	const n = 50
	for i := 0; i < n; i++ {
		s.Schedule(context.Background(), "slow", func(ctx context.Context) Step {
			return Await(func(ctx context.Context) (any, error) {
				time.Sleep(100 * time.Millisecond)
				return nil, nil
			}, func(any, error) Step { return Return(nil) })
		})
	}

	for i := 0; i < 5; i++ {
		start := time.Now()
		s.Tick()
		if d := time.Since(start); d > 50*time.Millisecond {
			t.Fatalf("tick %d took %v, expected it to stay bounded", i, d)
		}
	}

	s.RunUntilIdle()
	if !s.Idle() {
		t.Errorf("%d tasks left", s.Len())
	}
}

func TestTick_RespectsMaxInFlight(t *testing.T) {
	s := newTestScheduler(3)
	var cur, peak atomic.Int32
	for i := 0; i < 12; i++ {
		s.Schedule(context.Background(), "io", func(ctx context.Context) Step {
			return Await(func(ctx context.Context) (any, error) {
				n := cur.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				cur.Add(-1)
				return nil, nil
			}, func(any, error) Step { return Return(nil) })
		})
	}
	s.RunUntilIdle()

	if p := peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
}

func TestCancel_SuspendedTask(t *testing.T) {
	s := newTestScheduler(2)
	opSawCancel := make(chan struct{})
	resumed := false

	task := s.Schedule(context.Background(), "blocked", func(ctx context.Context) Step {
		return Await(func(ctx context.Context) (any, error) {
			<-ctx.Done()
			close(opSawCancel)
			return nil, ctx.Err()
		}, func(any, error) Step {
			resumed = true
			return Return(nil)
		})
	})

	var cbState State
	task.AddDoneCallback(func(t *Task) { cbState = t.State() })

	s.Tick() // start the op
	if task.State() != Suspended {
		t.Fatalf("state = %v, want suspended", task.State())
	}
	task.Cancel()
	s.Tick()

	if task.State() != Cancelled {
		t.Fatalf("state = %v, want cancelled", task.State())
	}
	if cbState != Cancelled {
		t.Errorf("callback saw %v, want cancelled", cbState)
	}
	if !errors.Is(task.Err(), ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled", task.Err())
	}

	select {
	case <-opSawCancel:
	case <-time.After(time.Second):
		t.Fatal("op was not cancelled")
	}
	// Collect the late completion; it must be discarded.
	time.Sleep(10 * time.Millisecond)
	s.Tick()
	if resumed {
		t.Error("continuation ran for a cancelled task")
	}
}

func TestCancel_ParentContext(t *testing.T) {
	s := newTestScheduler(2)
	ctx, cancel := context.WithCancel(context.Background())

	task := s.Schedule(ctx, "child", func(ctx context.Context) Step {
		return Await(func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, func(any, error) Step { return Return(nil) })
	})
	s.Tick()
	cancel()
	s.RunUntilIdle()

	if task.State() != Cancelled {
		t.Errorf("state = %v, want cancelled", task.State())
	}
}

func TestStep_PanicFailsTask(t *testing.T) {
	s := newTestScheduler(1)
	task := s.Schedule(context.Background(), "panics", func(ctx context.Context) Step {
		panic("kaboom")
	})
	s.RunUntilIdle()

	if task.State() != Failed {
		t.Fatalf("state = %v, want failed", task.State())
	}
	if task.Err() == nil {
		t.Error("expected error from panicking task")
	}
}

func TestYield_Interleaves(t *testing.T) {
	s := newTestScheduler(1)
	var trace []string

	counter := func(name string, n int) func(ctx context.Context) Step {
		var loop func() Step
		i := 0
		loop = func() Step {
			if i == n {
				return Return(nil)
			}
			i++
			trace = append(trace, name)
			return Yield(loop)
		}
		return func(ctx context.Context) Step { return loop() }
	}

	s.Schedule(context.Background(), "a", counter("a", 3))
	s.Schedule(context.Background(), "b", counter("b", 3))
	s.RunUntilIdle()

	want := []string{"a", "b", "a", "b", "a", "b"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestCallback_SchedulesFollowUp(t *testing.T) {
	s := newTestScheduler(2)
	var followUp *Task

	first := NewTask(context.Background(), "first", func(ctx context.Context) Step { return Return(1) })
	first.OnSuccess(func(v any) {
		followUp = s.Schedule(context.Background(), "second", func(ctx context.Context) Step {
			return Return(v.(int) + 1)
		})
	})
	s.Submit(first)
	s.RunUntilIdle()

	if followUp == nil {
		t.Fatal("follow-up task was not scheduled")
	}
	v, err := followUp.Result()
	if err != nil || v != 2 {
		t.Errorf("follow-up result = %v, %v; want 2, nil", v, err)
	}
}

func TestRunUntil_UnscheduledTask(t *testing.T) {
	s := newTestScheduler(1)
	task := NewTask(context.Background(), "orphan", func(ctx context.Context) Step { return Return(nil) })
	if _, err := s.RunUntil(task); err == nil {
		t.Error("expected error for a task that was never submitted")
	}
}

func TestSubmit_Twice(t *testing.T) {
	s := newTestScheduler(1)
	task := NewTask(context.Background(), "dup", func(ctx context.Context) Step { return Return(nil) })
	s.Submit(task)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on double submit")
		}
	}()
	s.Submit(task)
}

// runWithin drives s until idle, failing the test if that takes longer than d.
func runWithin(t *testing.T, s *Scheduler, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(d)
	for s.Tick() {
		if time.Now().After(deadline) {
			t.Fatalf("scheduler still busy after %v with %d tasks", d, s.Len())
		}
	}
}

func TestAwaitTasks_HoldsNoSlot(t *testing.T) {
	s := newTestScheduler(1)

	parent := s.Schedule(context.Background(), "parent", func(ctx context.Context) Step {
		var children []*Task
		for i := 1; i <= 3; i++ {
			children = append(children, s.Schedule(ctx, "child", func(ctx context.Context) Step {
				return AwaitFunc(func(ctx context.Context) (int, error) {
					return i, nil
				}, func(v int, err error) Step { return Return(v) })
			}))
		}
		return AwaitTasks(children, func() Step {
			sum := 0
			for _, c := range children {
				v, _ := c.Result()
				sum += v.(int)
			}
			return Return(sum)
		})
	})

	runWithin(t, s, 3*time.Second)
	v, err := parent.Result()
	if err != nil || v != 6 {
		t.Errorf("result = %v, %v; want 6", v, err)
	}
}

func TestAwaitTasks_ManyWaitersShareSlots(t *testing.T) {
	s := newTestScheduler(2)

	var parents []*Task
	for i := 0; i < 4; i++ {
		parents = append(parents, s.Schedule(context.Background(), "parent", func(ctx context.Context) Step {
			child := s.Schedule(ctx, "child", func(ctx context.Context) Step {
				return Await(func(ctx context.Context) (any, error) {
					time.Sleep(time.Millisecond)
					return nil, nil
				}, func(any, error) Step { return Return(nil) })
			})
			return AwaitTasks([]*Task{child}, func() Step { return Return(child.State()) })
		}))
	}
	other := s.Schedule(context.Background(), "other", func(ctx context.Context) Step {
		return Await(func(ctx context.Context) (any, error) { return "ok", nil },
			func(v any, err error) Step { return Return(v) })
	})

	runWithin(t, s, 3*time.Second)
	for _, p := range parents {
		if v, _ := p.Result(); v != Done {
			t.Errorf("child state seen by parent = %v, want done", v)
		}
	}
	if other.State() != Done {
		t.Errorf("unrelated task state = %v, want done", other.State())
	}
}

func TestAwaitTasks_FinishedDependencies(t *testing.T) {
	s := newTestScheduler(1)
	dep := s.Schedule(context.Background(), "dep", func(ctx context.Context) Step { return Return(1) })
	s.RunUntilIdle()

	task := s.Schedule(context.Background(), "waiter", func(ctx context.Context) Step {
		return AwaitTasks([]*Task{dep, nil}, func() Step { return Return("resumed") })
	})
	if v, err := s.RunUntil(task); err != nil || v != "resumed" {
		t.Errorf("result = %v, %v", v, err)
	}
}

func TestAwaitTasks_CancelWhileWaiting(t *testing.T) {
	s := newTestScheduler(2)
	release := make(chan struct{})
	dep := s.Schedule(context.Background(), "dep", func(ctx context.Context) Step {
		return Await(func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		}, func(any, error) Step { return Return(nil) })
	})

	ctx, cancel := context.WithCancel(context.Background())
	resumed := false
	waiter := s.Schedule(ctx, "waiter", func(ctx context.Context) Step {
		return AwaitTasks([]*Task{dep}, func() Step {
			resumed = true
			return Return(nil)
		})
	})
	s.Tick()
	if waiter.State() != Suspended {
		t.Fatalf("state = %v, want suspended", waiter.State())
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for !waiter.State().Terminal() && time.Now().Before(deadline) {
		s.Tick()
	}
	if waiter.State() != Cancelled {
		t.Fatalf("state = %v, want cancelled", waiter.State())
	}
	if dep.State().Terminal() {
		t.Error("dependency finished before release")
	}

	close(release)
	runWithin(t, s, 2*time.Second)
	if resumed {
		t.Error("continuation ran for a cancelled waiter")
	}
	if dep.State() != Done {
		t.Errorf("dependency state = %v, want done", dep.State())
	}
}

func TestCancel_QueuedTaskDoesNotWaitForSlot(t *testing.T) {
	s := newTestScheduler(1)
	release := make(chan struct{})
	defer close(release)
	s.Schedule(context.Background(), "busy", func(ctx context.Context) Step {
		return Await(func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		}, func(any, error) Step { return Return(nil) })
	})
	queued := s.Schedule(context.Background(), "queued", func(ctx context.Context) Step {
		return Await(func(ctx context.Context) (any, error) { return nil, nil },
			func(any, error) Step { return Return(nil) })
	})
	s.Tick()
	if queued.State() != Suspended {
		t.Fatalf("state = %v, want suspended", queued.State())
	}

	queued.cancel()
	s.Tick()
	if queued.State() != Cancelled {
		t.Errorf("state = %v, want cancelled while the only slot is busy", queued.State())
	}
}
