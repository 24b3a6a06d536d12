package consume

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/fastman/internal/model"
)

// --- モック定義 ---

// mockProgressionRepo はProgressionRepositoryのテスト用モック。
type mockProgressionRepo struct {
	nextEventsFunc   func(ctx context.Context, limit int) ([]*model.JournalEvent, error)
	consumeEventFunc func(ctx context.Context, ev *model.JournalEvent, apply func(st *model.ProgressionState) error) (bool, error)
}

func (m *mockProgressionRepo) FindByIdentity(_ context.Context, _ string) (*model.ProgressionState, error) {
	return nil, nil
}

func (m *mockProgressionRepo) NextEvents(ctx context.Context, limit int) ([]*model.JournalEvent, error) {
	if m.nextEventsFunc != nil {
		return m.nextEventsFunc(ctx, limit)
	}
	return nil, nil
}

func (m *mockProgressionRepo) ConsumeEvent(ctx context.Context, ev *model.JournalEvent, apply func(st *model.ProgressionState) error) (bool, error) {
	if m.consumeEventFunc != nil {
		return m.consumeEventFunc(ctx, ev, apply)
	}
	return true, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func fastClosedEvent(id string, at time.Time) *model.JournalEvent {
	duration := int64(16 * 3600)
	return &model.JournalEvent{
		ID:         id,
		IdentityID: "identity-1",
		EventType:  model.EventTypeWindowClosed,
		Category:   model.CategoryTimeKeeper,
		Timestamp:  at,
		Metadata: model.EventMetadata{
			WindowType:      model.WindowTypeFast,
			DurationSeconds: &duration,
		},
	}
}

// --- Consumer のテスト ---

func TestNewConsumer_DefaultBatchSize(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsumer(&mockProgressionRepo{}, newTestLogger(&buf), nil, 0)
	if c.batchSize != 100 {
		t.Errorf("batchSize = %d, want 100 (default)", c.batchSize)
	}
}

func TestConsumer_RunOnce_AppliesRules(t *testing.T) {
	var buf bytes.Buffer
	now := time.Now().UTC()

	st := &model.ProgressionState{IdentityID: "identity-1"}
	repo := &mockProgressionRepo{
		nextEventsFunc: func(ctx context.Context, limit int) ([]*model.JournalEvent, error) {
			return []*model.JournalEvent{fastClosedEvent("ev-1", now)}, nil
		},
		consumeEventFunc: func(ctx context.Context, ev *model.JournalEvent, apply func(st *model.ProgressionState) error) (bool, error) {
			if err := apply(st); err != nil {
				return false, err
			}
			return true, nil
		},
	}

	c := NewConsumer(repo, newTestLogger(&buf), nil, 10)
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() がエラーを返した: %v", err)
	}

	// 断食16時間の完遂: 20 + 16 XP
	if st.TotalXP != 36 {
		t.Errorf("TotalXP = %d, want 36", st.TotalXP)
	}
	if st.CompletedFasts != 1 {
		t.Errorf("CompletedFasts = %d, want 1", st.CompletedFasts)
	}
	if st.CurrentStreak != 1 {
		t.Errorf("CurrentStreak = %d, want 1", st.CurrentStreak)
	}
}

func TestConsumer_RunOnce_PassesBatchSize(t *testing.T) {
	var buf bytes.Buffer

	var gotLimit int
	repo := &mockProgressionRepo{
		nextEventsFunc: func(ctx context.Context, limit int) ([]*model.JournalEvent, error) {
			gotLimit = limit
			return nil, nil
		},
	}

	c := NewConsumer(repo, newTestLogger(&buf), nil, 25)
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() がエラーを返した: %v", err)
	}
	if gotLimit != 25 {
		t.Errorf("limit = %d, want 25", gotLimit)
	}
}

func TestConsumer_RunOnce_EmptyBatch(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsumer(&mockProgressionRepo{}, newTestLogger(&buf), nil, 10)

	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() がエラーを返した: %v", err)
	}
	// 空バッチではサイクル完了ログも出さない
	if strings.Contains(buf.String(), "消費サイクルが完了しました") {
		t.Error("空バッチで完了ログが出力された")
	}
}

func TestConsumer_RunOnce_NextEventsError(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockProgressionRepo{
		nextEventsFunc: func(ctx context.Context, limit int) ([]*model.JournalEvent, error) {
			return nil, errors.New("db connection failed")
		},
	}

	c := NewConsumer(repo, newTestLogger(&buf), nil, 10)
	if err := c.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce() はイベント取得エラー時にエラーを返すべき")
	}
}

func TestConsumer_RunOnce_DuplicateDeliveryNotCounted(t *testing.T) {
	var buf bytes.Buffer
	now := time.Now().UTC()

	repo := &mockProgressionRepo{
		nextEventsFunc: func(ctx context.Context, limit int) ([]*model.JournalEvent, error) {
			return []*model.JournalEvent{fastClosedEvent("ev-dup", now)}, nil
		},
		// 消費済みイベント: applyを呼ばずfalseを返す
		consumeEventFunc: func(ctx context.Context, ev *model.JournalEvent, apply func(st *model.ProgressionState) error) (bool, error) {
			return false, nil
		},
	}

	c := NewConsumer(repo, newTestLogger(&buf), nil, 10)
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() がエラーを返した: %v", err)
	}

	// ログの consumed が0であること
	var entry map[string]interface{}
	found := false
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if consumed, ok := entry["consumed"]; ok {
			if consumed == float64(0) {
				found = true
			}
			break
		}
	}
	if !found {
		t.Errorf("ログに consumed=0 が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestConsumer_RunOnce_OneFailureDoesNotStopBatch(t *testing.T) {
	var buf bytes.Buffer
	now := time.Now().UTC()

	events := []*model.JournalEvent{
		fastClosedEvent("ev-1", now),
		fastClosedEvent("ev-2", now.Add(time.Minute)),
		fastClosedEvent("ev-3", now.Add(2*time.Minute)),
	}

	var consumedIDs []string
	repo := &mockProgressionRepo{
		nextEventsFunc: func(ctx context.Context, limit int) ([]*model.JournalEvent, error) {
			return events, nil
		},
		consumeEventFunc: func(ctx context.Context, ev *model.JournalEvent, apply func(st *model.ProgressionState) error) (bool, error) {
			if ev.ID == "ev-2" {
				return false, errors.New("lock timeout")
			}
			consumedIDs = append(consumedIDs, ev.ID)
			return true, nil
		},
	}

	c := NewConsumer(repo, newTestLogger(&buf), nil, 10)
	// 個別イベントの失敗はRunOnceのエラーとはならない
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() は個別イベントの失敗でもエラーを返さないべき: %v", err)
	}

	if len(consumedIDs) != 2 {
		t.Errorf("消費されたイベント = %v, want [ev-1 ev-3]", consumedIDs)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Error("消費失敗時にERRORレベルのログが記録されていない")
	}
}

func TestConsumer_RunOnce_ProcessesInOrder(t *testing.T) {
	var buf bytes.Buffer
	now := time.Now().UTC()

	events := []*model.JournalEvent{
		fastClosedEvent("ev-1", now),
		fastClosedEvent("ev-2", now.Add(time.Minute)),
	}

	var order []string
	repo := &mockProgressionRepo{
		nextEventsFunc: func(ctx context.Context, limit int) ([]*model.JournalEvent, error) {
			return events, nil
		},
		consumeEventFunc: func(ctx context.Context, ev *model.JournalEvent, apply func(st *model.ProgressionState) error) (bool, error) {
			order = append(order, ev.ID)
			return true, nil
		},
	}

	c := NewConsumer(repo, newTestLogger(&buf), nil, 10)
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() がエラーを返した: %v", err)
	}

	// NextEventsの返す順（event_time昇順）のまま処理される
	if len(order) != 2 || order[0] != "ev-1" || order[1] != "ev-2" {
		t.Errorf("処理順 = %v, want [ev-1 ev-2]", order)
	}
}

func TestConsumer_Start_StopsOnContextCancel(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsumer(&mockProgressionRepo{}, newTestLogger(&buf), nil, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx, time.Hour)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("コンテキストキャンセル後もStartが停止しない")
	}
}
