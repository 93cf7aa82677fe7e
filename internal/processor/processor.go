package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/metrics"
)

// ErrPoolStopped is returned by Submit once Stop has been called.
var ErrPoolStopped = errors.New("worker pool stopped")

// Task is one unit of work. Run must not assume anything about which
// worker executes it or in what order relative to other tasks.
type Task struct {
	ID  string
	Run func(ctx context.Context) error

	results chan<- Result
}

// Result is delivered on the submitter's channel when a task finishes.
type Result struct {
	TaskID   string
	Err      error
	Panicked bool
	WorkerID int
	Duration time.Duration
}

// WorkerPool runs tasks on a fixed number of workers fed by a bounded
// queue. Results go to the channel given at submission, in completion order.
type WorkerPool struct {
	workers int
	queue   chan *Task
	logger  *zap.Logger
	metrics *metrics.Metrics

	// tasks run on a context that outlives callers: a started batch
	// cannot be cancelled.
	runCtx context.Context

	group   *errgroup.Group
	pending atomic.Int64

	mu           sync.RWMutex
	stopped      bool
	shutdownOnce sync.Once
}

// NewWorkerPool creates a pool with the given worker count and queue size.
func NewWorkerPool(workers, queueSize int, logger *zap.Logger, m *metrics.Metrics) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}

	return &WorkerPool{
		workers: workers,
		queue:   make(chan *Task, queueSize),
		logger:  logger,
		metrics: m,
		runCtx:  context.Background(),
	}
}

func (p *WorkerPool) Workers() int { return p.workers }

// Start launches the workers.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group != nil {
		return
	}

	p.group = new(errgroup.Group)
	for i := 0; i < p.workers; i++ {
		id := i
		p.group.Go(func() error {
			p.worker(id)
			return nil
		})
	}

	p.logger.Info("worker pool started",
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cap(p.queue)),
	)
}

// Stop refuses new tasks, lets queued ones finish and waits for workers.
func (p *WorkerPool) Stop() {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		group := p.group
		p.mu.Unlock()

		if group != nil {
			_ = group.Wait()
		}

		p.logger.Info("worker pool stopped")
	})
}

// Submit enqueues a task whose result will be sent on results. It blocks
// while the queue is full. results must have room for every task the
// caller submits so workers never wait on a slow reader.
func (p *WorkerPool) Submit(ctx context.Context, task Task, results chan<- Result) error {
	if task.Run == nil {
		return fmt.Errorf("task %s has no run function", task.ID)
	}
	task.results = results

	// Holding the read lock keeps Stop from closing the queue under us.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.queue <- &task:
		p.metrics.SetQueueDepth(int(p.pending.Add(1)))
		return nil
	}
}

func (p *WorkerPool) worker(id int) {
	p.logger.Debug("worker started", zap.Int("worker_id", id))

	for task := range p.queue {
		p.metrics.SetQueueDepth(int(p.pending.Add(-1)))
		result := p.execute(id, task)
		if task.results != nil {
			task.results <- result
		}
	}

	p.logger.Debug("worker stopping due to closed queue", zap.Int("worker_id", id))
}

// execute runs one task, converting a panic into an error result.
func (p *WorkerPool) execute(workerID int, task *Task) (result Result) {
	start := time.Now()
	result = Result{TaskID: task.ID, WorkerID: workerID}

	p.metrics.TaskStarted()
	defer func() {
		p.metrics.TaskFinished()
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				zap.Int("worker_id", workerID),
				zap.String("task_id", task.ID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			result.Err = fmt.Errorf("task %s panicked: %v", task.ID, r)
			result.Panicked = true
		}
		result.Duration = time.Since(start)
	}()

	p.logger.Debug("processing task",
		zap.Int("worker_id", workerID),
		zap.String("task_id", task.ID),
	)
	result.Err = task.Run(p.runCtx)
	return result
}
