package retention

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wwwzy/OpsCopilot/internal/storage"
)

// Store 是清理所需的存储能力。
type Store interface {
	DeleteRunsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error)
	DeleteMessagesBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error)
}

var _ Store = (*storage.Storage)(nil)

// Result 汇总一次清理删除的行数。
type Result struct {
	Runs     int64
	Messages int64
}

type Pruner struct {
	cfg   Config
	store Store

	mu   sync.Mutex
	last Result
}

func NewPruner(store Store, cfg Config) (*Pruner, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	return &Pruner{cfg: cfg.withDefaults(), store: store}, nil
}

// Run 立即清理一次，然后按 Interval 周期执行，直到 ctx 结束。
func (p *Pruner) Run(ctx context.Context) error {
	if p == nil || p.store == nil {
		return errors.New("pruner not initialized")
	}

	if _, err := p.RunOnce(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
		return err
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.RunOnce(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
}

// RunOnce 以 now 为基准删除过期的运行与消息。
func (p *Pruner) RunOnce(ctx context.Context, now time.Time) (Result, error) {
	if p == nil || p.store == nil {
		return Result{}, errors.New("pruner not initialized")
	}

	var (
		resMu sync.Mutex
		res   Result
	)
	type task func(context.Context) error
	tasks := []task{
		func(ctx context.Context) error {
			n, err := p.drain(ctx, p.store.DeleteRunsBeforeLimited, now.Add(-p.cfg.KeepRuns))
			resMu.Lock()
			res.Runs = n
			resMu.Unlock()
			return err
		},
	}
	if p.cfg.KeepMessages > 0 {
		tasks = append(tasks, func(ctx context.Context) error {
			n, err := p.drain(ctx, p.store.DeleteMessagesBeforeLimited, now.Add(-p.cfg.KeepMessages))
			resMu.Lock()
			res.Messages = n
			resMu.Unlock()
			return err
		})
	}

	workers := min(p.cfg.Workers, len(tasks))
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan task)
	errs := make(chan error, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if err := job(ctx); err != nil && !errors.Is(err, context.Canceled) {
					errs <- err
				}
			}
		}()
	}

	for _, t := range tasks {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			close(errs)
			return res, ctx.Err()
		case jobs <- t:
		}
	}
	close(jobs)
	wg.Wait()
	close(errs)

	p.mu.Lock()
	p.last = res
	p.mu.Unlock()

	for err := range errs {
		if err != nil {
			p.cfg.OnError(err)
			return res, err
		}
	}
	return res, nil
}

// Last 返回最近一次 RunOnce 的结果。
func (p *Pruner) Last() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

type deleteFunc func(ctx context.Context, before time.Time, limit int) (int64, error)

// drain 分批删除直到没有匹配行。
func (p *Pruner) drain(ctx context.Context, del deleteFunc, before time.Time) (int64, error) {
	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		affected, err := del(ctx, before, p.cfg.BatchRows)
		if err != nil {
			return total, err
		}
		if affected == 0 {
			return total, nil
		}
		total += affected
		if err := p.sleepIdle(ctx); err != nil {
			return total, err
		}
	}
}

func (p *Pruner) sleepIdle(ctx context.Context) error {
	if p.cfg.IdleSleep <= 0 {
		return nil
	}
	timer := time.NewTimer(p.cfg.IdleSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
