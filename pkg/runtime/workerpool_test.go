package runtime

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolRunsSubmittedJobs(t *testing.T) {
	pool := newWorkerPool(4)
	var count atomic.Int64
	const jobs = 50
	for i := 0; i < jobs; i++ {
		pool.Submit(func() { count.Add(1) })
	}
	pool.Close()
	if got := count.Load(); got != jobs {
		t.Errorf("ran %d jobs, want %d", got, jobs)
	}
}

func TestWorkerPoolDefaultsSizeWhenNonPositive(t *testing.T) {
	pool := newWorkerPool(0)
	done := make(chan struct{})
	pool.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}
	pool.Close()
}
