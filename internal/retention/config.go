package retention

import (
	"runtime"
	"time"
)

type ErrorHandler func(err error)

// Config 控制历史记录清理。
type Config struct {
	// Enabled 控制后台清理是否启用；关闭时仍可通过 storage prune 手动执行。
	Enabled bool `mapstructure:"enabled"`
	// Interval 为两次清理之间的间隔。
	Interval time.Duration `mapstructure:"interval"`
	// KeepRuns 为运行记录（含工具调用、模型调用、预算事件）的保留时长。
	KeepRuns time.Duration `mapstructure:"keep_runs"`
	// KeepMessages 为消息的保留时长；<=0 表示不清理消息。
	KeepMessages time.Duration `mapstructure:"keep_messages"`
	// BatchRows 为单次删除的最大行数，避免长时间持有写锁。
	BatchRows int `mapstructure:"batch_rows"`
	// IdleSleep 为两批删除之间的停顿。
	IdleSleep time.Duration `mapstructure:"idle_sleep"`
	// Workers 为并发执行清理任务的 worker 数量。
	Workers int `mapstructure:"workers"`

	// OnError 为异步错误回调；默认丢弃。
	OnError ErrorHandler `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:   false,
		Interval:  time.Hour,
		KeepRuns:  30 * 24 * time.Hour,
		BatchRows: 500,
		IdleSleep: 50 * time.Millisecond,
		Workers:   2,
	}
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.KeepRuns <= 0 {
		c.KeepRuns = 30 * 24 * time.Hour
	}
	if c.BatchRows <= 0 {
		c.BatchRows = 500
	}
	if c.Workers <= 0 {
		c.Workers = min(2, runtime.NumCPU())
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
	return c
}
