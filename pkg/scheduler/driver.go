package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTickInterval is the pause between ticks of a Driver loop.
const DefaultTickInterval = 20 * time.Millisecond

// Driver ticks a Scheduler from a background goroutine, standing in for a
// host timer. The loop stops by itself once the scheduler is idle and is
// restarted by EnsureRunning.
type Driver struct {
	sched    *Scheduler
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	running bool
	stopped chan struct{}
}

// NewDriver creates a driver for s. A non-positive interval selects
// DefaultTickInterval.
func NewDriver(s *Scheduler, interval time.Duration) *Driver {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Driver{sched: s, interval: interval, log: s.log.Named("driver")}
}

// Scheduler returns the driven scheduler.
func (d *Driver) Scheduler() *Scheduler { return d.sched }

// EnsureRunning starts the tick loop unless it is already running. It
// reports whether a new loop was started. Calling it any number of times
// never starts more than one loop.
func (d *Driver) EnsureRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return false
	}
	d.running = true
	d.stopped = make(chan struct{})
	d.log.Debug("starting tick loop", zap.Duration("interval", d.interval))
	go d.loop(d.stopped)
	return true
}

// Running reports whether the tick loop is active.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Wait blocks until the current tick loop has stopped.
func (d *Driver) Wait() {
	d.mu.Lock()
	ch := d.stopped
	d.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

func (d *Driver) loop(stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if !d.sched.Tick() {
			d.mu.Lock()
			// Checked under the lock so a concurrent EnsureRunning either sees
			// running=true with the loop still alive or starts a fresh one.
			if d.sched.Idle() {
				d.running = false
				d.mu.Unlock()
				d.log.Debug("no more scheduled tasks, stopping tick loop")
				return
			}
			d.mu.Unlock()
		}
		<-ticker.C
	}
}
