package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrTimeout    = errors.New("task execution timeout")
)

// TaskResult 任务结果
type TaskResult struct {
	Data  interface{}
	Error error
}

// Config Worker Pool 配置
type Config struct {
	Workers   int `mapstructure:"workers"`    // worker 数量
	QueueSize int `mapstructure:"queue_size"` // 队列缓冲区大小
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Workers:   32,
		QueueSize: 256,
	}
}

// Statistics 统计信息
type Statistics struct {
	Submitted int64 // 已提交
	Completed int64 // 已完成
	Failed    int64 // 失败
	Running   int64 // 运行中
}

// Pool 基于 ants 的 worker pool
type Pool struct {
	pool   *ants.Pool
	logger *zap.Logger

	submitted int64
	completed int64
	failed    int64

	closed int32
	wg     sync.WaitGroup
}

// New 创建 worker pool
func New(cfg *Config, logger *zap.Logger) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p, err := ants.NewPool(cfg.Workers,
		ants.WithMaxBlockingTasks(cfg.QueueSize),
		ants.WithPanicHandler(func(v interface{}) {
			logger.Error("worker panic recovered", zap.Any("panic", v))
		}),
	)
	if err != nil {
		return nil, err
	}

	return &Pool{
		pool:   p,
		logger: logger,
	}, nil
}

// Submit 提交任务
func (p *Pool) Submit(ctx context.Context, task func(ctx context.Context) error) error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return ErrPoolClosed
	}

	atomic.AddInt64(&p.submitted, 1)
	p.wg.Add(1)

	err := p.pool.Submit(func() {
		defer p.wg.Done()

		// 任务总会被执行，由任务自身响应 ctx 取消
		if err := task(ctx); err != nil {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Warn("task failed", zap.Error(err))
			return
		}
		atomic.AddInt64(&p.completed, 1)
	})
	if err != nil {
		p.wg.Done()
		atomic.AddInt64(&p.failed, 1)
		return err
	}
	return nil
}

// SubmitWithResult 提交任务并等待结果
func (p *Pool) SubmitWithResult(ctx context.Context, task func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	resultCh := make(chan TaskResult, 1)

	err := p.Submit(ctx, func(ctx context.Context) error {
		data, err := task(ctx)
		resultCh <- TaskResult{Data: data, Error: err}
		return err
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-resultCh:
		return r.Data, r.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats 获取统计信息
func (p *Pool) Stats() Statistics {
	return Statistics{
		Submitted: atomic.LoadInt64(&p.submitted),
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
		Running:   int64(p.pool.Running()),
	}
}

// Shutdown 优雅关闭，等待已提交任务完成
func (p *Pool) Shutdown(timeout time.Duration) error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return ErrPoolClosed
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.pool.Release()
		return ErrTimeout
	}

	p.pool.Release()
	return nil
}
