package orchestrator

import (
	"context"
	"sync"

	"g3/pkg/logx"
)

// workerPool runs at most size jobs at once. Jobs beyond that wait in a FIFO
// backlog; enqueueing never fails while the pool is running.
type workerPool struct {
	run      func(ctx context.Context, jobID string)
	logger   *logx.Logger
	notify   chan struct{}
	stop     chan struct{}
	queued   map[string]bool
	queue    []string
	wg       sync.WaitGroup
	size     int
	capacity int
	active   int
	mu       sync.Mutex
	running  bool
}

func newWorkerPool(size, capacity int, run func(ctx context.Context, jobID string)) *workerPool {
	if size <= 0 {
		size = 1
	}
	return &workerPool{
		run:      run,
		logger:   logx.NewLogger("pool"),
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		queued:   make(map[string]bool),
		queue:    make([]string, 0, capacity),
		size:     size,
		capacity: capacity,
	}
}

func (p *workerPool) start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("Started %d workers", p.size)
	p.wake()
}

// shutdown stops workers from taking new jobs and waits for running ones.
func (p *workerPool) shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()
	close(p.stop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue adds a job unless it is already waiting. It reports whether the
// job was added.
func (p *workerPool) enqueue(jobID string) bool {
	p.mu.Lock()
	if p.queued[jobID] {
		p.mu.Unlock()
		return false
	}
	p.queued[jobID] = true
	p.queue = append(p.queue, jobID)
	depth := len(p.queue)
	p.mu.Unlock()

	if p.capacity > 0 && depth > p.capacity {
		p.logger.Warn("Backlog at %d jobs exceeds queue capacity %d", depth, p.capacity)
	}
	p.wake()
	return true
}

// remove drops a job that has not started yet.
func (p *workerPool) remove(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.queued[jobID] {
		return false
	}
	delete(p.queued, jobID)
	for i, id := range p.queue {
		if id == jobID {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	return true
}

func (p *workerPool) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *workerPool) next() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || len(p.queue) == 0 {
		return "", false
	}
	id := p.queue[0]
	p.queue = p.queue[1:]
	delete(p.queued, id)
	p.active++
	return id, true
}

func (p *workerPool) done() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
}

func (p *workerPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		id, ok := p.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-p.notify:
				continue
			}
		}
		// Pass the wake-up on so an idle worker picks up the rest of the backlog.
		if p.depth() > 0 {
			p.wake()
		}
		p.run(ctx, id)
		p.done()
	}
}

func (p *workerPool) depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// stats returns running and waiting counts.
func (p *workerPool) stats() (active, waiting int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, len(p.queue)
}
