package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const defaultSlowThreshold = 200 * time.Millisecond

// gormLogger 把 gorm 的日志转到 slog：慢查询与错误记 WARN/ERROR，其余 SQL 记 DEBUG。
type gormLogger struct {
	l     *slog.Logger
	slow  time.Duration
	level logger.LogLevel
}

// NewGormLogger 返回写入 l 的 gorm 日志实现。
func NewGormLogger(l *slog.Logger, slowThreshold time.Duration) logger.Interface {
	if l == nil {
		l = slog.Default()
	}
	if slowThreshold <= 0 {
		slowThreshold = defaultSlowThreshold
	}
	return &gormLogger{l: l.With("component", "storage"), slow: slowThreshold, level: logger.Info}
}

func (g *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *gormLogger) Info(ctx context.Context, msg string, args ...any) {
	if g.level >= logger.Info {
		g.l.InfoContext(ctx, msg, "args", args)
	}
}

func (g *gormLogger) Warn(ctx context.Context, msg string, args ...any) {
	if g.level >= logger.Warn {
		g.l.WarnContext(ctx, msg, "args", args)
	}
}

func (g *gormLogger) Error(ctx context.Context, msg string, args ...any) {
	if g.level >= logger.Error {
		g.l.ErrorContext(ctx, msg, "args", args)
	}
}

func (g *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if g.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= logger.Error:
		sql, rows := fc()
		g.l.ErrorContext(ctx, "sql failed", "error", err, "elapsed_ms", elapsed.Milliseconds(), "rows", rows, "sql", sql)
	case elapsed > g.slow && g.level >= logger.Warn:
		sql, rows := fc()
		g.l.WarnContext(ctx, "slow sql", "elapsed_ms", elapsed.Milliseconds(), "threshold_ms", g.slow.Milliseconds(), "rows", rows, "sql", sql)
	case g.level >= logger.Info && g.l.Enabled(ctx, slog.LevelDebug):
		sql, rows := fc()
		g.l.DebugContext(ctx, "sql", "elapsed_ms", elapsed.Milliseconds(), "rows", rows, "sql", sql)
	}
}
