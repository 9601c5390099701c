package retention

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Job 是由 Manager 托管的后台任务。
type Job interface {
	Run(ctx context.Context) error
}

// Manager 启动并托管后台任务；任一任务失败会取消其余任务，Wait 返回第一个错误。
type Manager struct {
	jobs []Job

	started atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	runErrMu sync.Mutex
	runErr   error
}

func NewManager(jobs ...Job) *Manager {
	m := &Manager{}
	for _, j := range jobs {
		if j != nil {
			m.jobs = append(m.jobs, j)
		}
	}
	return m
}

func (m *Manager) Start(ctx context.Context) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("manager already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, job := range m.jobs {
		m.wg.Add(1)
		go func(job Job) {
			defer m.wg.Done()
			if err := job.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				m.runErrMu.Lock()
				if m.runErr == nil {
					m.runErr = err
				}
				m.runErrMu.Unlock()
				m.cancel()
			}
		}(job)
	}
	return nil
}

func (m *Manager) Stop() {
	if m == nil || m.cancel == nil {
		return
	}
	m.cancel()
}

func (m *Manager) Wait() error {
	if m == nil {
		return nil
	}
	m.wg.Wait()
	m.runErrMu.Lock()
	defer m.runErrMu.Unlock()
	return m.runErr
}
