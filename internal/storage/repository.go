package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultLimit = 200
	maxLimit     = 5000

	defaultDeleteLimit = 500
	maxDeleteLimit     = 900
)

// ErrNotFound 可以用 errors.Is 匹配所有 notFoundError。
var ErrNotFound = errors.New("not found")

// 同一时间戳的行按插入顺序返回。
const orderCreatedAsc = "created_at ASC, rowid ASC"

func (s *Storage) CreateSession(ctx context.Context, title *string) (*Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	now := time.Now().UTC()
	sess := &Session{ID: uuid.NewString(), Title: title, CreatedAt: now, UpdatedAt: now}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// EnsureSession 在会话不存在时以给定 ID 创建，已存在时不做修改。
func (s *Storage) EnsureSession(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	return ensureSession(s.db.WithContext(ctx), id, time.Now().UTC())
}

func ensureSession(tx *gorm.DB, id string, now time.Time) error {
	sess := Session{ID: id, CreatedAt: now, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&sess).Error; err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

func (s *Storage) GetSession(ctx context.Context, id string) (*Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var sess Session
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gormNotFoundError("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ListSessions 按最近活跃时间倒序返回会话。
func (s *Storage) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var out []Session
	err := s.db.WithContext(ctx).
		Order("updated_at DESC, rowid DESC").
		Limit(normalizeLimit(limit)).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (s *Storage) UpdateSessionTitle(ctx context.Context, id string, title *string) (*Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	res := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).Updates(map[string]interface{}{
		"title":      title,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return nil, fmt.Errorf("update session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, gormNotFoundError("session", id)
	}
	return s.GetSession(ctx, id)
}

// DeleteSession 删除会话及其消息、运行和运行下的所有记录。
func (s *Storage) DeleteSession(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var runIDs []string
		if err := tx.Model(&AgentRun{}).Where("session_id = ?", id).Pluck("id", &runIDs).Error; err != nil {
			return fmt.Errorf("select session runs: %w", err)
		}
		if err := deleteRunsTx(tx, runIDs); err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&Message{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&Session{})
		if res.Error != nil {
			return fmt.Errorf("delete session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return gormNotFoundError("session", id)
		}
		return nil
	})
}

// CreateMessage 写入消息并刷新会话的 UpdatedAt。
func (s *Storage) CreateMessage(ctx context.Context, msg *Message) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if msg == nil {
		return errors.New("message is nil")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		err := tx.Model(&Session{}).Where("id = ?", msg.SessionID).Update("updated_at", msg.CreatedAt).Error
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return nil
	})
}

// ListMessages 按时间正序返回会话消息；limit<=0 使用默认值。
func (s *Storage) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var out []Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order(orderCreatedAsc).
		Limit(normalizeLimit(limit)).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func (s *Storage) CreateRun(ctx context.Context, run *AgentRun) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if run == nil {
		return errors.New("run is nil")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureSession(tx, run.SessionID, run.StartedAt); err != nil {
			return err
		}
		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

// FinishRun 写入终态；运行不存在时返回 false 且不报错。
func (s *Storage) FinishRun(ctx context.Context, id string, status string, endedAt time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("storage not initialized")
	}
	res := s.db.WithContext(ctx).Model(&AgentRun{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":   status,
		"ended_at": endedAt,
	})
	if res.Error != nil {
		return false, fmt.Errorf("finish run: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Storage) GetRun(ctx context.Context, id string) (*AgentRun, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var run AgentRun
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gormNotFoundError("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

func (s *Storage) ListRunsBySession(ctx context.Context, sessionID string) ([]AgentRun, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var out []AgentRun
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("started_at ASC, rowid ASC").
		Limit(maxLimit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func (s *Storage) InsertLLMCall(ctx context.Context, call *LLMCall) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if call == nil {
		return errors.New("llm call is nil")
	}
	fillRecord(&call.ID, &call.CreatedAt)
	if err := s.db.WithContext(ctx).Create(call).Error; err != nil {
		return fmt.Errorf("insert llm call: %w", err)
	}
	return nil
}

func (s *Storage) InsertToolCall(ctx context.Context, call *ToolCall) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if call == nil {
		return errors.New("tool call is nil")
	}
	fillRecord(&call.ID, &call.CreatedAt)
	if err := s.db.WithContext(ctx).Create(call).Error; err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

func (s *Storage) InsertBudgetEvent(ctx context.Context, ev *BudgetEvent) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if ev == nil {
		return errors.New("budget event is nil")
	}
	fillRecord(&ev.ID, &ev.CreatedAt)
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("insert budget event: %w", err)
	}
	return nil
}

func (s *Storage) ListLLMCallsByRun(ctx context.Context, runID string) ([]LLMCall, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var out []LLMCall
	if err := s.db.WithContext(ctx).Where("agent_run_id = ?", runID).Order(orderCreatedAsc).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list llm calls: %w", err)
	}
	return out, nil
}

func (s *Storage) ListBudgetEventsByRun(ctx context.Context, runID string) ([]BudgetEvent, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var out []BudgetEvent
	if err := s.db.WithContext(ctx).Where("agent_run_id = ?", runID).Order(orderCreatedAsc).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list budget events: %w", err)
	}
	return out, nil
}

// ListToolCallsByRuns 返回若干运行下的工具调用，按时间正序；重复的 run id 会被合并。
func (s *Storage) ListToolCallsByRuns(ctx context.Context, runIDs []string) ([]ToolCall, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	ids := uniqueStrings(runIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	var out []ToolCall
	err := s.db.WithContext(ctx).
		Where("agent_run_id IN ?", ids).
		Order(orderCreatedAsc).
		Limit(maxLimit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	return out, nil
}

func (s *Storage) ListToolCallsByRun(ctx context.Context, runID string) ([]ToolCall, error) {
	return s.ListToolCallsByRuns(ctx, []string{runID})
}

func (s *Storage) ListToolCallsBySession(ctx context.Context, sessionID string) ([]ToolCall, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var runIDs []string
	if err := s.db.WithContext(ctx).Model(&AgentRun{}).Where("session_id = ?", sessionID).Pluck("id", &runIDs).Error; err != nil {
		return nil, fmt.Errorf("select session runs: %w", err)
	}
	return s.ListToolCallsByRuns(ctx, runIDs)
}

// Counts 汇总各表行数，供 storage info 使用。
type Counts struct {
	Sessions     int64
	Messages     int64
	AgentRuns    int64
	LLMCalls     int64
	ToolCalls    int64
	BudgetEvents int64
}

func (s *Storage) Counts(ctx context.Context) (Counts, error) {
	if s == nil || s.db == nil {
		return Counts{}, errors.New("storage not initialized")
	}
	var c Counts
	targets := []struct {
		model any
		dst   *int64
	}{
		{&Session{}, &c.Sessions},
		{&Message{}, &c.Messages},
		{&AgentRun{}, &c.AgentRuns},
		{&LLMCall{}, &c.LLMCalls},
		{&ToolCall{}, &c.ToolCalls},
		{&BudgetEvent{}, &c.BudgetEvents},
	}
	for _, t := range targets {
		if err := s.db.WithContext(ctx).Model(t.model).Count(t.dst).Error; err != nil {
			return Counts{}, fmt.Errorf("count: %w", err)
		}
	}
	return c, nil
}

// DeleteRunsBeforeLimited 删除 started_at 早于 before 且已结束的运行及其子记录，单次最多 limit 个运行。
func (s *Storage) DeleteRunsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}

	limit = normalizeDeleteLimit(limit)

	var ids []string
	db := s.db.WithContext(ctx).Model(&AgentRun{}).
		Select("id").
		Where("started_at < ? AND status <> ?", before, "running").
		Order("started_at ASC").
		Limit(limit)
	if err := db.Find(&ids).Error; err != nil {
		return 0, fmt.Errorf("select agent run ids: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteRunsTx(tx, ids)
	})
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// DeleteMessagesBeforeLimited 删除早于 before 的消息。
func (s *Storage) DeleteMessagesBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}

	limit = normalizeDeleteLimit(limit)

	var ids []string
	db := s.db.WithContext(ctx).Model(&Message{}).
		Select("id").
		Where("created_at < ?", before).
		Order("created_at ASC").
		Limit(limit)
	if err := db.Find(&ids).Error; err != nil {
		return 0, fmt.Errorf("select message ids: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&Message{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete messages: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func deleteRunsTx(tx *gorm.DB, runIDs []string) error {
	if len(runIDs) == 0 {
		return nil
	}
	for _, model := range []any{&ToolCall{}, &LLMCall{}, &BudgetEvent{}} {
		if err := tx.Where("agent_run_id IN ?", runIDs).Delete(model).Error; err != nil {
			return fmt.Errorf("delete run records: %w", err)
		}
	}
	if err := tx.Where("id IN ?", runIDs).Delete(&AgentRun{}).Error; err != nil {
		return fmt.Errorf("delete agent runs: %w", err)
	}
	return nil
}

func fillRecord(id *string, createdAt *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if createdAt.IsZero() {
		*createdAt = time.Now().UTC()
	}
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func normalizeLimit(v int) int {
	if v <= 0 {
		return defaultLimit
	}
	if v > maxLimit {
		return maxLimit
	}
	return v
}

func normalizeDeleteLimit(v int) int {
	if v <= 0 {
		return defaultDeleteLimit
	}
	if v > maxDeleteLimit {
		return maxDeleteLimit
	}
	return v
}

type notFoundError struct {
	Entity string
	ID     string
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func (e notFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func gormNotFoundError(entity string, id string) error {
	return notFoundError{Entity: entity, ID: id}
}
