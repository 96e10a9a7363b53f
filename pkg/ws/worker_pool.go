package ws

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// workerPool 进程内共享的处理器执行池
// 提交方阻塞等待名额，名额上限即处理器最大并发数
type workerPool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	return &workerPool{sem: semaphore.NewWeighted(int64(size))}
}

// Submit 获取名额后在新协程中执行 fn；ctx 结束前未获得名额则返回错误，fn 不会执行
func (p *workerPool) Submit(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		fn()
	}()
	return nil
}

// Wait 等待所有已提交任务结束
func (p *workerPool) Wait() {
	p.wg.Wait()
}
