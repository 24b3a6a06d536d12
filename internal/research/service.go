// Package research は研究配信元の登録・購読・記事管理のドメインロジックを提供する。
package research

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/fastman/internal/model"
	"github.com/hitoshi/fastman/internal/repository"
)

// maxSubscriptionsPerIdentity は1アイデンティティあたりの購読上限。
const maxSubscriptionsPerIdentity = 100

// Detector は配信元URL検出のインターフェース。
// テスタビリティのためSourceDetectorを抽象化する。
type Detector interface {
	DetectSourceURL(ctx context.Context, inputURL string) (string, error)
}

// Service は配信元の登録・購読管理のサービス層。
// 検出 → 配信元保存 → 購読作成 → アイコン探索のフローを統括する。
// 配信元はアイデンティティ間で共有され、購読だけが呼び出し元に属する。
type Service struct {
	sourceRepo repository.ResearchSourceRepository
	subRepo    repository.SourceSubscriptionRepository
	detector   Detector
	iconProber IconProberService
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	sourceRepo repository.ResearchSourceRepository,
	subRepo repository.SourceSubscriptionRepository,
	detector Detector,
	iconProber IconProberService,
) *Service {
	return &Service{
		sourceRepo: sourceRepo,
		subRepo:    subRepo,
		detector:   detector,
		iconProber: iconProber,
	}
}

// RegisterSource はURLから配信元を検出し、呼び出しアイデンティティの購読として登録する。
// フロー: 購読上限チェック → フィードURL検出 → 配信元保存（重複チェック） → 購読作成 → アイコン探索
// 既知のフィードURLが検出された場合は既存の配信元を共有し、新しい購読だけを作る。
func (s *Service) RegisterSource(ctx context.Context, identityID string, inputURL string) (*model.ResearchSource, *model.SourceSubscription, error) {
	// 1. 購読上限チェック
	count, err := s.subRepo.CountByIdentityID(ctx, identityID)
	if err != nil {
		return nil, nil, fmt.Errorf("購読数の確認に失敗しました: %w", err)
	}
	if count >= maxSubscriptionsPerIdentity {
		return nil, nil, model.NewSubscriptionLimitError()
	}

	// 2. フィードURL検出
	feedURL, err := s.detector.DetectSourceURL(ctx, inputURL)
	if err != nil {
		return nil, nil, err
	}

	// 3. 既存配信元の重複チェック（feed_urlで検索）
	existing, err := s.sourceRepo.FindByFeedURL(ctx, feedURL)
	if err != nil {
		return nil, nil, fmt.Errorf("配信元の検索に失敗しました: %w", err)
	}

	var source *model.ResearchSource

	if existing != nil {
		source = existing

		// 同じアイデンティティが既に購読していないかチェック
		existingSub, err := s.subRepo.FindByIdentityAndSource(ctx, identityID, source.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("購読の確認に失敗しました: %w", err)
		}
		if existingSub != nil {
			return nil, nil, model.NewDuplicateSubscriptionError()
		}
	} else {
		now := time.Now()
		source = &model.ResearchSource{
			ID:          uuid.New().String(),
			FeedURL:     feedURL,
			SiteURL:     extractSiteURL(inputURL),
			Title:       feedURL, // 初期タイトルはフィードURL（初回フェッチのパースで更新される）
			FetchStatus: model.FetchStatusActive,
			NextFetchAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		if err := s.sourceRepo.Create(ctx, source); err != nil {
			return nil, nil, fmt.Errorf("配信元の保存に失敗しました: %w", err)
		}
	}

	// 4. 購読レコードの作成
	sub := &model.SourceSubscription{
		ID:         uuid.New().String(),
		IdentityID: identityID,
		SourceID:   source.ID,
		CreatedAt:  time.Now(),
	}

	if err := s.subRepo.Create(ctx, sub); err != nil {
		return nil, nil, fmt.Errorf("購読の作成に失敗しました: %w", err)
	}

	// 5. アイコン探索（同期実行。未検出でも登録は成功のまま）
	s.probeAndSaveIcon(ctx, source)

	return source, sub, nil
}

// ListSources は全配信元を呼び出しアイデンティティの購読フラグ付きで返す。
func (s *Service) ListSources(ctx context.Context, identityID string) ([]repository.SourceWithSubscription, error) {
	sources, err := s.sourceRepo.ListWithSubscription(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("配信元一覧の取得に失敗しました: %w", err)
	}
	return sources, nil
}

// Subscribe は既存の配信元に対する購読を作成する。
func (s *Service) Subscribe(ctx context.Context, identityID, sourceID string) (*model.SourceSubscription, error) {
	source, err := s.sourceRepo.FindByID(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("配信元の取得に失敗しました: %w", err)
	}
	if source == nil {
		return nil, model.NewSourceNotFoundError(sourceID)
	}

	existing, err := s.subRepo.FindByIdentityAndSource(ctx, identityID, sourceID)
	if err != nil {
		return nil, fmt.Errorf("購読の確認に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewDuplicateSubscriptionError()
	}

	count, err := s.subRepo.CountByIdentityID(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("購読数の確認に失敗しました: %w", err)
	}
	if count >= maxSubscriptionsPerIdentity {
		return nil, model.NewSubscriptionLimitError()
	}

	sub := &model.SourceSubscription{
		ID:         uuid.New().String(),
		IdentityID: identityID,
		SourceID:   sourceID,
		CreatedAt:  time.Now(),
	}

	if err := s.subRepo.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("購読の作成に失敗しました: %w", err)
	}

	return sub, nil
}

// Unsubscribe は購読を解除する。
// 配信元は共有資源のため残し、記事の既読・保存状態も保持する
// （再購読時にそのまま復元される）。
func (s *Service) Unsubscribe(ctx context.Context, identityID, sourceID string) error {
	existing, err := s.subRepo.FindByIdentityAndSource(ctx, identityID, sourceID)
	if err != nil {
		return fmt.Errorf("購読の取得に失敗しました: %w", err)
	}
	if existing == nil {
		return model.NewSubscriptionNotFoundError(sourceID)
	}

	if err := s.subRepo.Delete(ctx, identityID, sourceID); err != nil {
		return fmt.Errorf("購読の削除に失敗しました: %w", err)
	}

	return nil
}

// probeAndSaveIcon は配信元のアイコンURLを探索して保存する。
// 探索失敗時はログ出力のみで、登録フローは成功のまま継続する。
func (s *Service) probeAndSaveIcon(ctx context.Context, source *model.ResearchSource) {
	if s.iconProber == nil || source.IconURL != "" {
		return
	}

	siteURL := source.SiteURL
	if siteURL == "" {
		siteURL = source.FeedURL
	}

	iconURL := s.iconProber.ProbeIconURL(ctx, siteURL)
	if iconURL == "" {
		slog.Info("アイコン未検出（空のまま保存）", "source_id", source.ID, "site_url", siteURL)
		return
	}

	source.IconURL = iconURL
	source.UpdatedAt = time.Now()

	if err := s.sourceRepo.Update(ctx, source); err != nil {
		slog.Warn("アイコンURLの保存に失敗", "source_id", source.ID, "error", err)
		return
	}

	slog.Info("アイコンURLを保存しました", "source_id", source.ID, "icon_url", iconURL)
}

// extractSiteURL は入力URLからサイトのルートURLを抽出する。
func extractSiteURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
