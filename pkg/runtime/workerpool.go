package runtime

import (
	"runtime"
	"sync"
)

// workerPool runs submitted jobs on a fixed number of goroutines so
// procedure dispatch never spawns unbounded goroutines under load.
type workerPool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

// newWorkerPool starts size workers draining jobs. size <= 0 means
// runtime.NumCPU(), matching procedure_thread_pool_size's "0 = logical
// cores" convention.
func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &workerPool{jobs: make(chan func(), size*4)}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work()
	}
	return p
}

func (p *workerPool) work() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

// Submit enqueues job, blocking if every worker is busy and the queue is
// full.
func (p *workerPool) Submit(job func()) {
	p.jobs <- job
}

// Close stops accepting new jobs and waits for in-flight ones to finish.
func (p *workerPool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
