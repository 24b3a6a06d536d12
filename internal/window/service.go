package window

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fastman/internal/metrics"
	"github.com/hitoshi/fastman/internal/model"
	"github.com/hitoshi/fastman/internal/repository"
)

// Emitter は状態遷移イベントの追記先。
// WindowClosedは終端状態に応じてclosed/abandonedイベントを書き分ける。
type Emitter interface {
	WindowOpened(ctx context.Context, w *model.TimeWindow) error
	WindowExtended(ctx context.Context, w *model.TimeWindow) error
	WindowClosed(ctx context.Context, w *model.TimeWindow) error
}

// Result は状態を変更する操作の結果。
// Degradedは、状態変更は確定したがイベント追記に失敗したことを示す。
// ウィンドウ状態が真実の源泉であるため、イベント追記失敗でロールバックはしない。
type Result struct {
	Window   *model.TimeWindow
	Closed   []*model.TimeWindow // auto_closeで中断されたウィンドウ（中断順）
	Degraded bool
}

// Service は時間ウィンドウの唯一の書き込み経路。
//
// openの「読み取り→判定→書き込み」はアイデンティティ単位の排他で直列化される。
// 異なるアイデンティティの操作は互いにブロックしない。
// ストアの部分ユニークインデックスが、プロセスをまたぐ並行openの最終防衛線となる。
type Service struct {
	windowRepo repository.WindowRepository
	resolver   *Resolver
	emitter    Emitter
	metrics    metrics.MetricsCollector

	mu    sync.Mutex
	locks map[string]*identityLock
}

// NewService はServiceを生成する。collectorはnilでもよい。
func NewService(windowRepo repository.WindowRepository, resolver *Resolver, emitter Emitter, collector metrics.MetricsCollector) *Service {
	return &Service{
		windowRepo: windowRepo,
		resolver:   resolver,
		emitter:    emitter,
		metrics:    collector,
		locks:      make(map[string]*identityLock),
	}
}

// identityLock は参照カウント付きのアイデンティティ単位ロック。
type identityLock struct {
	mu   sync.Mutex
	refs int
}

// lockIdentity はアイデンティティ単位の排他を取得し、解放関数を返す。
// 参照カウントで管理し、待機者のいなくなったエントリはマップから除去する。
func (s *Service) lockIdentity(identityID string) func() {
	s.mu.Lock()
	l, ok := s.locks[identityID]
	if !ok {
		l = &identityLock{}
		s.locks[identityID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, identityID)
		}
		s.mu.Unlock()
	}
}

// Open は競合判定を経て新しいウィンドウをactive状態で開始する。
//
// 判定がrejectの場合はConflictエラー（妨げたウィンドウID付き）を返す。
// auto_close指定時、排他的なウィンドウはabandonedに中断されたうえで開始される。
// 中断と作成は1トランザクションで、全体が成功するか何も起きないかのいずれかになる。
// イベントは中断分（中断順）→開始分の順で追記される。
func (s *Service) Open(ctx context.Context, identityID string, windowType model.WindowType, scheduledEnd *time.Time, metadata map[string]string, autoClose bool) (*Result, error) {
	if !model.ValidWindowType(windowType) {
		return nil, model.NewInvalidWindowTypeError(string(windowType))
	}

	unlock := s.lockIdentity(identityID)
	defer unlock()

	now := time.Now().UTC()

	if scheduledEnd != nil && !scheduledEnd.After(now) {
		return nil, model.NewInvalidTimeRangeError("終了予定時刻が現在時刻以前です")
	}

	open, err := s.windowRepo.OpenWindows(ctx, identityID)
	if err != nil {
		return nil, storeError(err)
	}

	decision := s.resolver.Decide(windowType, open, autoClose)

	if decision.Kind == DecisionReject {
		if s.metrics != nil {
			s.metrics.RecordWindowConflict(string(windowType))
		}
		return nil, model.NewWindowConflictError(decision.BlockingIDs, decision.Reason)
	}

	w := &model.TimeWindow{
		ID:           uuid.New().String(),
		IdentityID:   identityID,
		WindowType:   windowType,
		State:        model.WindowStateActive,
		StartTime:    now,
		ScheduledEnd: scheduledEnd,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var closed []*model.TimeWindow
	switch decision.Kind {
	case DecisionAdmit:
		err = s.windowRepo.Create(ctx, w)
	case DecisionAdmitAndClose:
		closed, err = s.windowRepo.AdmitWithClosures(ctx, w, decision.CloseIDs, now)
	}
	if errors.Is(err, repository.ErrDuplicateOpenWindow) {
		// アプリ排他をすり抜けた並行INSERT。妨げたウィンドウを引き直して競合として返す。
		return nil, s.duplicateOpenConflict(ctx, identityID, windowType)
	}
	if err != nil {
		return nil, storeError(err)
	}

	degraded := false
	for _, cw := range closed {
		if err := s.emitter.WindowClosed(ctx, cw); err != nil {
			degraded = true
			s.recordEmitFailure(cw.ID, err)
		}
	}
	if err := s.emitter.WindowOpened(ctx, w); err != nil {
		degraded = true
		s.recordEmitFailure(w.ID, err)
	}

	if s.metrics != nil {
		s.metrics.RecordWindowOpened(string(windowType))
		if len(closed) > 0 {
			s.metrics.RecordAutoClosed(len(closed))
		}
	}

	return &Result{Window: w, Closed: closed, Degraded: degraded}, nil
}

// Extend はオープンウィンドウの終了予定時刻を更新する。
// 終端済みのウィンドウへの延長はInvalidState、存在しない組はNotFoundになる。
func (s *Service) Extend(ctx context.Context, windowID, identityID string, newEnd time.Time) (*Result, error) {
	if uuid.Validate(windowID) != nil {
		return nil, model.NewWindowNotFoundError(windowID)
	}

	now := time.Now().UTC()

	w, err := s.windowRepo.FindByID(ctx, windowID, identityID)
	if err != nil {
		return nil, storeError(err)
	}
	if w == nil {
		return nil, model.NewWindowNotFoundError(windowID)
	}
	if w.IsTerminal() {
		return nil, model.NewWindowStateError(windowID, w.State)
	}

	if !newEnd.After(w.StartTime) {
		return nil, model.NewInvalidTimeRangeError("終了予定時刻が開始時刻以前です")
	}
	if newEnd.Before(now) {
		return nil, model.NewInvalidTimeRangeError("終了予定時刻が過去です")
	}

	updated, err := s.windowRepo.UpdateScheduledEnd(ctx, windowID, identityID, newEnd, now)
	if err != nil {
		return nil, storeError(err)
	}
	if updated == nil {
		// 検証後のわずかな間に並行closeが先行した場合
		return nil, s.vanishedOpenWindow(ctx, windowID, identityID)
	}

	degraded := false
	if err := s.emitter.WindowExtended(ctx, updated); err != nil {
		degraded = true
		s.recordEmitFailure(updated.ID, err)
	}

	return &Result{Window: updated, Degraded: degraded}, nil
}

// Close はオープンウィンドウを終端状態に遷移させる。
//
// end_stateが空の場合はcompletedになる。metadataは既存の内容にマージされる。
// ガード付きUPDATEにより、2回目のcloseが先行する結果を上書きすることはない。
func (s *Service) Close(ctx context.Context, windowID, identityID string, endState model.WindowState, metadata map[string]string) (*Result, error) {
	if endState == "" {
		endState = model.WindowStateCompleted
	}
	if !model.ValidEndState(endState) {
		return nil, model.NewInvalidEndStateError(string(endState))
	}
	if uuid.Validate(windowID) != nil {
		return nil, model.NewWindowNotFoundError(windowID)
	}

	now := time.Now().UTC()

	w, err := s.windowRepo.FindByID(ctx, windowID, identityID)
	if err != nil {
		return nil, storeError(err)
	}
	if w == nil {
		return nil, model.NewWindowNotFoundError(windowID)
	}
	if w.IsTerminal() {
		return nil, model.NewWindowStateError(windowID, w.State)
	}

	closed, err := s.windowRepo.Close(ctx, windowID, identityID, endState, now, metadata)
	if err != nil {
		return nil, storeError(err)
	}
	if closed == nil {
		return nil, s.vanishedOpenWindow(ctx, windowID, identityID)
	}

	degraded := false
	if err := s.emitter.WindowClosed(ctx, closed); err != nil {
		degraded = true
		s.recordEmitFailure(closed.ID, err)
	}

	if s.metrics != nil {
		s.metrics.RecordWindowClosed(string(closed.WindowType), string(closed.State))
	}

	return &Result{Window: closed, Degraded: degraded}, nil
}

// GetOpen は現在のオープンウィンドウをstart_time昇順で返す。
func (s *Service) GetOpen(ctx context.Context, identityID string) ([]*model.TimeWindow, error) {
	open, err := s.windowRepo.OpenWindows(ctx, identityID)
	if err != nil {
		return nil, storeError(err)
	}
	return open, nil
}

// duplicateOpenConflict は部分ユニークインデックス違反を競合エラーに変換する。
// 妨げた側のウィンドウIDを引き直せた場合はそれを含める。
func (s *Service) duplicateOpenConflict(ctx context.Context, identityID string, windowType model.WindowType) error {
	if s.metrics != nil {
		s.metrics.RecordWindowConflict(string(windowType))
	}

	var blockingIDs []string
	if open, err := s.windowRepo.OpenWindows(ctx, identityID); err == nil {
		for _, w := range open {
			if w.WindowType == windowType {
				blockingIDs = append(blockingIDs, w.ID)
			}
		}
	}

	return model.NewWindowConflictError(blockingIDs, "同じ種別のウィンドウが既に開いています")
}

// vanishedOpenWindow はガード付きUPDATEが空振りした原因を特定する。
// 行が消えていればNotFound、並行closeで終端化していればInvalidStateになる。
func (s *Service) vanishedOpenWindow(ctx context.Context, windowID, identityID string) error {
	w, err := s.windowRepo.FindByID(ctx, windowID, identityID)
	if err != nil {
		return storeError(err)
	}
	if w == nil {
		return model.NewWindowNotFoundError(windowID)
	}
	return model.NewWindowStateError(windowID, w.State)
}

// recordEmitFailure はイベント追記失敗を記録する。状態変更は既に確定している。
func (s *Service) recordEmitFailure(windowID string, err error) {
	slog.Error("イベント追記に失敗しました（状態変更は確定済み）",
		"window_id", windowID,
		"error", err,
	)
	if s.metrics != nil {
		s.metrics.RecordJournalEmitFailure()
	}
}

// storeError はストア由来のエラーを分類する。
// 一時的な障害のみ再試行可能なStoreUnavailableとして返す。
func storeError(err error) error {
	if repository.IsUnavailable(err) {
		return model.NewStoreUnavailableError()
	}
	return err
}
