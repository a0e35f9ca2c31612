package driver

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsSubmittedWork(t *testing.T) {
	p := newPool(4)
	defer p.Shutdown()

	var ran atomic.Int32
	var tasks []*task
	for i := 0; i < 16; i++ {
		tk, ok := p.Submit(func() { ran.Add(1) })
		if !ok {
			t.Fatal("submit rejected")
		}
		tasks = append(tasks, tk)
	}
	for _, tk := range tasks {
		tk.Wait()
	}
	if got := ran.Load(); got != 16 {
		t.Fatalf("ran %d tasks, want 16", got)
	}
}

func TestCancelBeforeStartPreventsRun(t *testing.T) {
	p := newPool(1)
	defer p.Shutdown()

	// Block the single worker so queued tasks stay pending.
	var release sync.WaitGroup
	release.Add(1)
	blocker, _ := p.Submit(func() { release.Wait() })

	var ran atomic.Bool
	tk, ok := p.Submit(func() { ran.Store(true) })
	if !ok {
		t.Fatal("submit rejected")
	}
	tk.Cancel()
	release.Done()
	blocker.Wait()
	tk.Wait()

	if ran.Load() {
		t.Error("cancelled task ran anyway")
	}
}

func TestCancelRunningTaskOnlyIgnoresCompletion(t *testing.T) {
	p := newPool(1)
	defer p.Shutdown()

	started := make(chan struct{})
	finish := make(chan struct{})
	var ran atomic.Bool
	tk, _ := p.Submit(func() {
		close(started)
		<-finish
		ran.Store(true)
	})

	<-started
	tk.Cancel() // already running: must not interrupt the write
	close(finish)
	tk.Wait()

	if !ran.Load() {
		t.Error("running task was interrupted by cancel")
	}
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	p := newPool(2)
	p.Shutdown()
	if _, ok := p.Submit(func() {}); ok {
		t.Error("submit accepted after shutdown")
	}
	if !p.Closed() {
		t.Error("pool should report closed")
	}

	// Shutdown is idempotent.
	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second shutdown hung")
	}
}
