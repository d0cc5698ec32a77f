package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestDriver_EnsureRunningIsIdempotent(t *testing.T) {
	s := newTestScheduler(2)
	d := NewDriver(s, 2*time.Millisecond)

	release := make(chan struct{})
	task := s.Schedule(context.Background(), "wait", func(ctx context.Context) Step {
		return Await(func(ctx context.Context) (any, error) {
			<-release
			return "done", nil
		}, func(v any, err error) Step { return Return(v) })
	})

	if !d.EnsureRunning() {
		t.Fatal("first EnsureRunning should start the loop")
	}
	for i := 0; i < 5; i++ {
		if d.EnsureRunning() {
			t.Fatal("EnsureRunning started a second loop")
		}
	}
	if !d.Running() {
		t.Fatal("driver not running")
	}

	close(release)
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
	d.Wait()

	if d.Running() {
		t.Error("driver still running after scheduler went idle")
	}
	if v, _ := task.Result(); v != "done" {
		t.Errorf("result = %v, want done", v)
	}
}

func TestDriver_RestartsAfterIdle(t *testing.T) {
	s := newTestScheduler(2)
	d := NewDriver(s, time.Millisecond)

	first := s.Schedule(context.Background(), "one", func(ctx context.Context) Step { return Return(1) })
	d.EnsureRunning()
	<-first.Done()
	d.Wait()

	second := s.Schedule(context.Background(), "two", func(ctx context.Context) Step { return Return(2) })
	if !d.EnsureRunning() {
		t.Fatal("EnsureRunning did not restart the stopped loop")
	}
	select {
	case <-second.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("second task did not finish")
	}
	d.Wait()
}
