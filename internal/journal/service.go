// Package journal はウィンドウ状態遷移のイベントフィードを提供する。
//
// イベントは追記専用の派生データであり、ウィンドウ状態が常に真実の源泉となる。
// コンシューマは重複配信をイベントID単位で冪等化する。
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fastman/internal/metrics"
	"github.com/hitoshi/fastman/internal/model"
	"github.com/hitoshi/fastman/internal/repository"
)

// defaultListLimit は一覧の既定の取得件数。
const defaultListLimit = 50

// maxListLimit は一覧の最大取得件数。
const maxListLimit = 100

// Service はジャーナルイベントの追記と閲覧を提供する。
type Service struct {
	journalRepo repository.JournalRepository
	metrics     metrics.MetricsCollector
}

// NewService はServiceを生成する。collectorはnilでもよい。
func NewService(journalRepo repository.JournalRepository, collector metrics.MetricsCollector) *Service {
	return &Service{journalRepo: journalRepo, metrics: collector}
}

// WindowOpened はウィンドウ開始イベントを追記する。
func (s *Service) WindowOpened(ctx context.Context, w *model.TimeWindow) error {
	return s.append(ctx, model.EventTypeWindowOpened, w, nil)
}

// WindowExtended はウィンドウ延長イベントを追記する。
func (s *Service) WindowExtended(ctx context.Context, w *model.TimeWindow) error {
	return s.append(ctx, model.EventTypeWindowExtended, w, nil)
}

// WindowClosed は終端遷移イベントを追記する。
// completedはwindow_closed、abandonedはwindow_abandonedとして記録され、
// 実効時間（end_time - start_time）の秒数がメタデータに含まれる。
func (s *Service) WindowClosed(ctx context.Context, w *model.TimeWindow) error {
	eventType := model.EventTypeWindowClosed
	if w.State == model.WindowStateAbandoned {
		eventType = model.EventTypeWindowAbandoned
	}

	var durationSeconds *int64
	if d, ok := w.Duration(); ok {
		secs := int64(d.Seconds())
		durationSeconds = &secs
	}

	return s.append(ctx, eventType, w, durationSeconds)
}

func (s *Service) append(ctx context.Context, eventType model.EventType, w *model.TimeWindow, durationSeconds *int64) error {
	now := time.Now().UTC()
	ev := &model.JournalEvent{
		ID:          eventID(),
		IdentityID:  w.IdentityID,
		EventType:   eventType,
		Category:    model.CategoryTimeKeeper,
		RelatedID:   w.ID,
		RelatedType: model.RelatedTypeTimeWindow,
		Timestamp:   now,
		Metadata: model.EventMetadata{
			WindowType:      w.WindowType,
			DurationSeconds: durationSeconds,
		},
		CreatedAt: now,
	}

	if err := s.journalRepo.Create(ctx, ev); err != nil {
		return fmt.Errorf("イベントの追記に失敗しました: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordJournalAppended(string(eventType))
	}
	return nil
}

// ListEvents は指定アイデンティティのイベントをevent_time降順で返す。
// limitは1〜100に丸められ、cursorがゼロ値の場合は先頭から取得する。
func (s *Service) ListEvents(ctx context.Context, identityID string, cursor time.Time, limit int) ([]*model.JournalEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	events, err := s.journalRepo.ListByIdentity(ctx, identityID, cursor, limit)
	if err != nil {
		if repository.IsUnavailable(err) {
			return nil, model.NewStoreUnavailableError()
		}
		return nil, err
	}

	return events, nil
}

// eventID は時系列順に整列するUUIDv7を生成する。
// 同時刻のイベントでもID昇順の読み出しが追記順と一致する。
// 乱数取得に失敗した場合のみv4にフォールバックする。
func eventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
