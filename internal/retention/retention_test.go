package retention

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/wwwzy/OpsCopilot/internal/agent"
	"github.com/wwwzy/OpsCopilot/internal/storage"
)

func openTestStorage(t *testing.T, ctx context.Context) *storage.Storage {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "opscopilot-test.db")
	store, err := storage.Open(ctx, storage.Config{Path: dbPath, EnableWAL: true})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPruner_RunOnce_PrunesByPolicy(t *testing.T) {
	ctx := context.Background()
	store := openTestStorage(t, ctx)

	now := time.Now().UTC()
	runs := []storage.AgentRun{
		{ID: "r-old-1", SessionID: "s", Status: agent.RunStatusCompleted, StartedAt: now.Add(-40 * 24 * time.Hour)},
		{ID: "r-old-2", SessionID: "s", Status: agent.RunStatusFailed, StartedAt: now.Add(-35 * 24 * time.Hour)},
		{ID: "r-new", SessionID: "s", Status: agent.RunStatusCompleted, StartedAt: now.Add(-24 * time.Hour)},
	}
	for i := range runs {
		if err := store.CreateRun(ctx, &runs[i]); err != nil {
			t.Fatalf("create run: %v", err)
		}
	}
	msgs := []storage.Message{
		{SessionID: "s", Role: "user", Content: "old", CreatedAt: now.Add(-100 * 24 * time.Hour)},
		{SessionID: "s", Role: "user", Content: "new", CreatedAt: now.Add(-time.Hour)},
	}
	for i := range msgs {
		if err := store.CreateMessage(ctx, &msgs[i]); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}

	p, err := NewPruner(store, Config{
		KeepRuns:     30 * 24 * time.Hour,
		KeepMessages: 90 * 24 * time.Hour,
		BatchRows:    1,
	})
	if err != nil {
		t.Fatalf("new pruner: %v", err)
	}

	res, err := p.RunOnce(ctx, now)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Runs != 2 || res.Messages != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if p.Last() != res {
		t.Fatalf("last result not recorded: %+v", p.Last())
	}

	remaining, err := store.ListRunsBySession(ctx, "s")
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "r-new" {
		t.Fatalf("unexpected remaining runs: %+v", remaining)
	}
}

func TestPruner_KeepsMessagesByDefault(t *testing.T) {
	ctx := context.Background()
	store := openTestStorage(t, ctx)

	if err := store.CreateMessage(ctx, &storage.Message{
		SessionID: "s", Role: "user", Content: "ancient", CreatedAt: time.Now().UTC().Add(-365 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("create message: %v", err)
	}

	p, err := NewPruner(store, Config{})
	if err != nil {
		t.Fatalf("new pruner: %v", err)
	}
	res, err := p.RunOnce(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Messages != 0 {
		t.Fatalf("messages should be kept, got %+v", res)
	}
}

type failingStore struct{}

func (failingStore) DeleteRunsBeforeLimited(context.Context, time.Time, int) (int64, error) {
	return 0, errors.New("database is locked")
}

func (failingStore) DeleteMessagesBeforeLimited(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

func TestManager_PropagatesJobError(t *testing.T) {
	var reported error
	p, err := NewPruner(failingStore{}, Config{OnError: func(err error) { reported = err }})
	if err != nil {
		t.Fatalf("new pruner: %v", err)
	}

	m := NewManager(p)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}

	done := make(chan error, 1)
	go func() { done <- m.Wait() }()
	select {
	case err := <-done:
		if err == nil || err.Error() != "database is locked" {
			t.Fatalf("unexpected wait error: %v", err)
		}
	case <-time.After(5 * time.Second):
		m.Stop()
		t.Fatalf("manager did not stop after job failure")
	}
	if reported == nil {
		t.Fatalf("expected OnError to be called")
	}
}

func TestManager_StopCancelsJobs(t *testing.T) {
	ctx := context.Background()
	store := openTestStorage(t, ctx)
	p, err := NewPruner(store, Config{Interval: time.Hour})
	if err != nil {
		t.Fatalf("new pruner: %v", err)
	}

	m := NewManager(p, nil)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.Stop()
	if err := m.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestNewPruner_RequiresStore(t *testing.T) {
	if _, err := NewPruner(nil, Config{}); err == nil {
		t.Fatalf("expected error")
	}
}
