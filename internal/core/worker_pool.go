package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Job 任务接口
type Job interface {
	ID() string
	Run(ctx context.Context) error
}

// WorkerPool 工作池
type WorkerPool struct {
	jobCh     chan Job
	resultsCh chan Result
	workers   int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stats     PoolStats
	stopOnce  sync.Once
}

// Result 任务结果
type Result struct {
	JobID string
	Job   Job
	Error error
}

// PoolStats 工作池统计信息
type PoolStats struct {
	JobsSubmitted   int64         `json:"jobs_submitted"`
	JobsCompleted   int64         `json:"jobs_completed"`
	JobsFailed      int64         `json:"jobs_failed"`
	ActiveWorkers   int64         `json:"active_workers"`
	TotalExecTimeNs int64         `json:"total_exec_time_ns"` // 存储为纳秒
	AvgExecTime     time.Duration `json:"avg_exec_time"`
	MaxQueueDepth   int64         `json:"max_queue_depth"`
}

// NewWorkerPool 创建工作池
func NewWorkerPool(ctx context.Context, workers int, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		jobCh:     make(chan Job, queueSize),
		resultsCh: make(chan Result, queueSize),
		workers:   workers,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start 启动工作池
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// worker 工作协程
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case job, ok := <-wp.jobCh:
			if !ok {
				return
			}
			atomic.AddInt64(&wp.stats.ActiveWorkers, 1)
			startTime := time.Now()

			err := job.Run(wp.ctx)

			atomic.AddInt64(&wp.stats.JobsCompleted, 1)
			atomic.AddInt64(&wp.stats.TotalExecTimeNs, int64(time.Since(startTime)))
			if err != nil {
				atomic.AddInt64(&wp.stats.JobsFailed, 1)
			}
			atomic.AddInt64(&wp.stats.ActiveWorkers, -1)

			select {
			case wp.resultsCh <- Result{JobID: job.ID(), Job: job, Error: err}:
			case <-wp.ctx.Done():
				return
			}

		case <-wp.ctx.Done():
			return
		}
	}
}

// Submit 提交任务，队列已满时返回 context.DeadlineExceeded
func (wp *WorkerPool) Submit(job Job) error {
	select {
	case wp.jobCh <- job:
		atomic.AddInt64(&wp.stats.JobsSubmitted, 1)
		depth := int64(len(wp.jobCh))
		for {
			max := atomic.LoadInt64(&wp.stats.MaxQueueDepth)
			if depth <= max || atomic.CompareAndSwapInt64(&wp.stats.MaxQueueDepth, max, depth) {
				break
			}
		}
		return nil
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	default:
		return context.DeadlineExceeded
	}
}

// GetResults 获取结果通道
func (wp *WorkerPool) GetResults() <-chan Result {
	return wp.resultsCh
}

// Stop 停止工作池。调用前应取完全部结果
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		close(wp.jobCh)
		wp.wg.Wait()
		wp.cancel()
		close(wp.resultsCh)
	})
}

// Shutdown 带超时的关闭，超时后取消正在运行的任务
func (wp *WorkerPool) Shutdown(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		wp.Stop()
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		wp.cancel()
		<-done
		return context.DeadlineExceeded
	}
}

// GetStats 获取统计信息
func (wp *WorkerPool) GetStats() PoolStats {
	s := PoolStats{
		JobsSubmitted:   atomic.LoadInt64(&wp.stats.JobsSubmitted),
		JobsCompleted:   atomic.LoadInt64(&wp.stats.JobsCompleted),
		JobsFailed:      atomic.LoadInt64(&wp.stats.JobsFailed),
		ActiveWorkers:   atomic.LoadInt64(&wp.stats.ActiveWorkers),
		TotalExecTimeNs: atomic.LoadInt64(&wp.stats.TotalExecTimeNs),
		MaxQueueDepth:   atomic.LoadInt64(&wp.stats.MaxQueueDepth),
	}
	if s.JobsCompleted > 0 {
		s.AvgExecTime = time.Duration(s.TotalExecTimeNs / s.JobsCompleted)
	}
	return s
}

// ProcedureJob 单个过程的泄漏分析任务，结果写回任务本身
type ProcedureJob struct {
	Proc   *Procedure
	Env    *Env
	Index  int
	Result *ProcedureResult
}

// ID 任务标识
func (j *ProcedureJob) ID() string {
	return j.Proc.Pos.File + ":" + j.Proc.QualifiedName()
}

// Run 执行分析。过程级别的失败记录在 Result 中
func (j *ProcedureJob) Run(ctx context.Context) error {
	j.Result = AnalyzeProcedure(ctx, j.Proc, j.Env)
	return j.Result.Err
}

// AnalyzeProcedures 用工作池并行分析全部过程，结果与输入顺序一致
func AnalyzeProcedures(ctx context.Context, procs []*Procedure, env *Env, workers int) ([]*ProcedureResult, PoolStats) {
	results := make([]*ProcedureResult, len(procs))
	if len(procs) == 0 {
		return results, PoolStats{}
	}

	pool := NewWorkerPool(ctx, workers, len(procs))
	pool.Start()
	submitted := 0
	for i, p := range procs {
		job := &ProcedureJob{Proc: p, Env: env, Index: i}
		if err := pool.Submit(job); err != nil {
			results[i] = &ProcedureResult{Procedure: p, Status: StatusInconclusive, Err: err}
			continue
		}
		submitted++
	}
collect:
	for k := 0; k < submitted; k++ {
		select {
		case r := <-pool.GetResults():
			job := r.Job.(*ProcedureJob)
			results[job.Index] = job.Result
		case <-ctx.Done():
			break collect
		}
	}
	stats := pool.GetStats()
	pool.Stop()

	for i, p := range procs {
		if results[i] == nil {
			results[i] = &ProcedureResult{Procedure: p, Status: StatusInconclusive, Err: ctx.Err()}
		}
	}
	return results, stats
}
