package cache

import (
	"context"
	"errors"

	"github.com/dfelinto/blender-cloud-addon/pkg/scheduler"
)

type attempt struct {
	task    *scheduler.Task
	outcome Outcome
	err     error
}

// Session remembers the download attempts of one sync run so that each asset
// is tried at most once, whatever the outcome. A Session is owned by the
// scheduler's tick goroutine.
type Session struct {
	store    *Store
	sched    *scheduler.Scheduler
	attempts map[string]*attempt
}

// NewSession starts a fresh per-run memo whose downloads run on sched.
func (s *Store) NewSession(sched *scheduler.Scheduler) *Session {
	return &Session{store: s, sched: sched, attempts: make(map[string]*attempt)}
}

// Ensure returns a step that makes sure a is downloaded and continues with
// next. The download runs as its own task; every caller, the first one
// included, waits for that task without holding an I/O slot, and later
// callers reuse its result.
//
// An attempt cancelled before it finished is forgotten. A caller whose own
// context is still live then starts a new one.
func (m *Session) Ensure(ctx context.Context, a Asset, next func(Outcome, error) scheduler.Step) scheduler.Step {
	at, ok := m.attempts[a.Key]
	if !ok {
		at = m.start(ctx, a)
	}
	return scheduler.AwaitTasks([]*scheduler.Task{at.task}, func() scheduler.Step {
		if errors.Is(at.err, scheduler.ErrCancelled) && ctx.Err() == nil {
			return m.Ensure(ctx, a, next)
		}
		return next(at.outcome, at.err)
	})
}

func (m *Session) start(ctx context.Context, a Asset) *attempt {
	at := &attempt{}
	store := m.store
	at.task = scheduler.NewTask(ctx, "download:"+a.Key, func(ctx context.Context) scheduler.Step {
		return scheduler.AwaitFunc(func(ctx context.Context) (Outcome, error) {
			return store.Download(ctx, a)
		}, func(o Outcome, err error) scheduler.Step {
			if err != nil {
				return scheduler.Fail(err)
			}
			return scheduler.Return(o)
		})
	})
	// Registered before any waiter, so the result is in place when they resume.
	at.task.AddDoneCallback(func(t *scheduler.Task) {
		v, err := t.Result()
		at.outcome, _ = v.(Outcome)
		at.err = err
		if t.State() == scheduler.Cancelled && m.attempts[a.Key] == at {
			delete(m.attempts, a.Key)
		}
	})
	m.attempts[a.Key] = at
	m.sched.Submit(at.task)
	return at
}

// Attempted reports whether a download of key was started in this session.
func (m *Session) Attempted(key string) bool {
	_, ok := m.attempts[key]
	return ok
}

// Len returns the number of assets attempted.
func (m *Session) Len() int { return len(m.attempts) }
