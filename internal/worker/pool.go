package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	// ErrQueueFull 任务队列已满
	ErrQueueFull = errors.New("task queue is full")
	// ErrPoolStopped Worker 池已停止
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// Executor 执行单个任务
type Executor interface {
	ExecuteTask(ctx context.Context, reportID, filePath string) error
}

// PoolStatsRecorder Worker 池指标
type PoolStatsRecorder interface {
	UpdateWorkerPoolStats(size, active, queueSize int)
}

// Task 任务
type Task struct {
	ID       string
	FilePath string
	resultCh chan error // 用于同步等待任务完成
}

// Pool Worker 池
type Pool struct {
	workers  int
	taskChan chan *Task
	executor Executor
	stats    PoolStatsRecorder
	logger   *logrus.Logger
	wg       sync.WaitGroup

	active  atomic.Int32
	mu      sync.RWMutex
	stopped bool
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, executor Executor, stats PoolStatsRecorder, logger *logrus.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}
	return &Pool{
		workers:  workers,
		taskChan: make(chan *Task, queueSize),
		executor: executor,
		stats:    stats,
		logger:   logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.updateStats()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Debug("Worker shutting down")
			return

		case task, ok := <-p.taskChan:
			if !ok {
				return
			}
			p.run(ctx, id, task)
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, task *Task) {
	p.active.Add(1)
	p.updateStats()
	defer func() {
		p.active.Add(-1)
		p.updateStats()
	}()

	log := p.logger.WithFields(logrus.Fields{
		"worker_id": id,
		"report_id": task.ID,
		"file_path": task.FilePath,
	})
	log.Info("Processing task")

	err := p.executor.ExecuteTask(ctx, task.ID, task.FilePath)
	if err != nil {
		log.WithError(err).Error("Task execution failed")
	} else {
		log.Info("Task completed")
	}

	if task.resultCh != nil {
		task.resultCh <- err
		close(task.resultCh)
	}
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.taskChan <- task:
		p.logger.WithField("report_id", task.ID).Debug("Task submitted to pool")
		p.updateStats()
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, task *Task) error {
	task.resultCh = make(chan error, 1)

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrPoolStopped
	}
	select {
	case p.taskChan <- task:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	p.updateStats()

	select {
	case err := <-task.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止接收新任务，等待队列中的任务执行完毕
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.taskChan)
}

// ActiveWorkers 正在执行任务的 worker 数
func (p *Pool) ActiveWorkers() int {
	return int(p.active.Load())
}

func (p *Pool) updateStats() {
	if p.stats != nil {
		p.stats.UpdateWorkerPoolStats(p.workers, p.ActiveWorkers(), p.GetQueueSize())
	}
}
