package syncer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dfelinto/blender-cloud-addon/pkg/cache"
	"github.com/dfelinto/blender-cloud-addon/pkg/failure"
	"github.com/dfelinto/blender-cloud-addon/pkg/models"
	"github.com/dfelinto/blender-cloud-addon/pkg/scheduler"
)

// State is the state of a sync run.
type State int32

const (
	StateIdle State = iota
	StateListing
	StateDownloading
	StateDone
	StatePartiallyFailed
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListing:
		return "listing"
	case StateDownloading:
		return "downloading"
	case StateDone:
		return "done"
	case StatePartiallyFailed:
		return "partially_failed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the run has finished.
func (s State) Terminal() bool { return s >= StateDone }

// Phase names the step of a sync that failed for one entity.
type Phase string

const (
	PhaseListing     Phase = "listing"
	PhaseProjecting  Phase = "projecting"
	PhaseRecording   Phase = "recording"
	PhaseDownloading Phase = "downloading"
)

// Failure describes one entity that could not be synced.
type Failure struct {
	UUID  string
	Path  string
	Phase Phase
	Kind  string
	Err   error
}

func (f Failure) Error() string {
	where := f.Path
	if where == "" {
		where = f.UUID
	}
	return fmt.Sprintf("%s %s (%s): %v", f.Phase, where, f.Kind, f.Err)
}

// Progress is a snapshot of a run, delivered after every finished task.
type Progress struct {
	RunID      string
	State      State
	Discovered int
	Downloaded int
	Skipped    int
	Failed     int
	Pending    int
}

// Summary is the aggregate result of a run.
type Summary struct {
	RunID      string
	Root       string
	State      State
	Discovered int
	Downloaded int
	Skipped    int
	Failed     int
	Failures   []Failure
	// Err is set when the whole run failed.
	Err      error
	Started  time.Time
	Finished time.Time
}

// RunOptions carries the callbacks of one run. Both run on the scheduler's
// tick goroutine.
type RunOptions struct {
	OnProgress func(Progress)
	OnDone     func(Summary)
}

// Run is the handle of one sync run.
type Run struct {
	id     string
	root   string
	s      *Syncer
	ctx    context.Context
	cancel context.CancelFunc
	opts   RunOptions
	log    *zap.Logger
	state  atomic.Int32
	done   chan struct{}

	// Owned by the tick goroutine.
	session *cache.Session
	seen    map[string]bool
	pending int
	listing int
	fatal   error

	mu      sync.Mutex
	summary Summary
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Root returns the UUID the run started from.
func (r *Run) Root() string { return r.root }

// State returns the current state. Safe from any goroutine.
func (r *Run) State() State { return State(r.state.Load()) }

// Done is closed once the run reached a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel stops every outstanding task of the run. Files already downloaded
// stay on disk.
func (r *Run) Cancel() { r.cancel() }

// Summary returns a snapshot of the aggregate result. Safe from any goroutine.
func (r *Run) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := r.summary
	sum.State = r.State()
	sum.Failures = append([]Failure(nil), r.summary.Failures...)
	return sum
}

func (r *Run) setState(s State) {
	r.state.Store(int32(s))
}

func (r *Run) update(fn func(*Summary)) {
	r.mu.Lock()
	fn(&r.summary)
	r.mu.Unlock()
}

func (r *Run) addFailure(e models.Entity, rel string, phase Phase, err error) {
	f := Failure{UUID: e.ID(), Path: rel, Phase: phase, Kind: failure.Kind(err), Err: err}
	r.log.Warn("sync failure",
		zap.String("uuid", f.UUID),
		zap.String("path", f.Path),
		zap.String("phase", string(phase)),
		zap.String("kind", f.Kind),
		zap.Error(err))
	r.update(func(s *Summary) {
		s.Failed++
		s.Failures = append(s.Failures, f)
	})
}

// spawn submits a task that belongs to the run.
func (r *Run) spawn(name string, isListing bool, body func(ctx context.Context) scheduler.Step) {
	t := scheduler.NewTask(r.ctx, name, body)
	r.pending++
	if isListing {
		r.listing++
	}
	t.AddDoneCallback(func(t *scheduler.Task) { r.taskDone(isListing) })
	r.s.sched.Submit(t)
}

func (r *Run) taskDone(isListing bool) {
	r.pending--
	if isListing {
		r.listing--
	}
	if r.listing == 0 && r.pending > 0 && r.State() == StateListing {
		r.setState(StateDownloading)
	}
	if r.opts.OnProgress != nil {
		r.opts.OnProgress(r.progress())
	}
	if r.pending == 0 {
		r.finish()
	}
}

func (r *Run) progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Progress{
		RunID:      r.id,
		State:      r.State(),
		Discovered: r.summary.Discovered,
		Downloaded: r.summary.Downloaded,
		Skipped:    r.summary.Skipped,
		Failed:     r.summary.Failed,
		Pending:    r.pending,
	}
}

func (r *Run) finish() {
	state := StateDone
	switch {
	case r.fatal != nil:
		state = StateFailed
	case r.ctx.Err() != nil:
		state = StateCancelled
	case r.Summary().Failed > 0:
		state = StatePartiallyFailed
	}

	r.update(func(s *Summary) {
		s.Err = r.fatal
		if state == StateCancelled {
			s.Err = scheduler.ErrCancelled
		}
		s.Finished = time.Now()
	})
	r.setState(state)
	r.cancel()
	r.s.runFinished(r, state)

	sum := r.Summary()
	r.log.Info("sync finished",
		zap.String("state", state.String()),
		zap.Int("discovered", sum.Discovered),
		zap.Int("downloaded", sum.Downloaded),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Duration("elapsed", sum.Finished.Sub(sum.Started)))
	defer close(r.done)
	if r.opts.OnDone != nil {
		r.opts.OnDone(sum)
	}
}
