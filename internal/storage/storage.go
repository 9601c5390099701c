package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const defaultMemoryName = "opscopilot"

type Config struct {
	// Path 为数据库文件路径；InMemory 时作为内存库名称，为空则使用默认名称。
	Path            string        `mapstructure:"path"`
	InMemory        bool          `mapstructure:"in_memory"`
	EnableWAL       bool          `mapstructure:"enable_wal"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// SlowThreshold 超过该耗时的 SQL 以 WARN 记录，<=0 时使用 200ms。
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`

	// Logger 为空时使用 gorm 默认日志；CLI 中由 NewGormLogger 接到 slog。
	Logger logger.Interface `mapstructure:"-"`
}

// Storage 封装会话、消息与运行记录的持久化。
type Storage struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

// Open 打开数据库、设置 PRAGMA 并迁移表结构。
func Open(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn, err := dsnFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !cfg.InMemory {
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	}

	gormCfg := &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
	if cfg.Logger != nil {
		gormCfg.Logger = cfg.Logger
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	configurePool(sqlDB, cfg)

	s := &Storage{db: db, sqlDB: sqlDB}

	for _, p := range pragmas(cfg) {
		if err := s.db.WithContext(ctx).Exec(p).Error; err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

func configurePool(sqlDB *sql.DB, cfg Config) {
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	idle := cfg.MaxIdleConns
	// 共享缓存的内存库在最后一个连接关闭时被回收，至少保留一个空闲连接
	if cfg.InMemory && idle <= 0 {
		idle = 1
	}
	if idle > 0 {
		sqlDB.SetMaxIdleConns(idle)
	}
	if cfg.ConnMaxLifetime > 0 && !cfg.InMemory {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// pragmas 只作用于当前连接，WAL 与 synchronous 对文件库生效。
func pragmas(cfg Config) []string {
	out := []string{"PRAGMA foreign_keys=ON;"}
	if cfg.EnableWAL && !cfg.InMemory {
		out = append(out, "PRAGMA journal_mode=WAL;", "PRAGMA synchronous=NORMAL;")
	}
	return out
}

func (s *Storage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Storage) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return errors.New("storage not initialized")
	}
	return s.sqlDB.PingContext(ctx)
}

// Migrate 创建或补齐表结构；级联删除依赖 foreign_keys=ON。
func (s *Storage) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Session{},
		&Message{},
		&AgentRun{},
		&LLMCall{},
		&ToolCall{},
		&BudgetEvent{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (s *Storage) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func dsnFromConfig(cfg Config) (string, error) {
	timeoutMS := int(cfg.BusyTimeout / time.Millisecond)
	if timeoutMS <= 0 {
		timeoutMS = 5000
	}

	if cfg.InMemory {
		name := strings.TrimSuffix(filepath.Base(cfg.Path), filepath.Ext(cfg.Path))
		if cfg.Path == "" || name == "" || name == "." {
			name = defaultMemoryName
		}
		return fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=%d", name, timeoutMS), nil
	}

	if cfg.Path == "" {
		return "", errors.New("sqlite path is required when InMemory=false")
	}

	return fmt.Sprintf("file:%s?_busy_timeout=%d", cfg.Path, timeoutMS), nil
}
