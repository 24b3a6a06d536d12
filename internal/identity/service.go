// Package identity はアイデンティティ（匿名ユーザー）管理のドメインロジックを提供する。
// プロフィールの取得・更新と退会処理を含む。
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/fastman/internal/model"
	"github.com/hitoshi/fastman/internal/repository"
	"github.com/hitoshi/fastman/internal/security"
)

// SubscriptionDeleter は購読の一括削除インターフェース。
type SubscriptionDeleter interface {
	DeleteByIdentityID(ctx context.Context, identityID string) error
}

// ArticleStateDeleter は記事状態の一括削除インターフェース。
type ArticleStateDeleter interface {
	DeleteByIdentityID(ctx context.Context, identityID string) error
}

// Service はアイデンティティ管理のサービス層。
// プロフィール操作と退会処理のビジネスロジックを提供する。
type Service struct {
	identityRepo repository.IdentityRepository
	sessionRepo  repository.SessionRepository
	subDeleter   SubscriptionDeleter
	stateDeleter ArticleStateDeleter
	sanitizer    security.SanitizerService
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	identityRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	subDeleter SubscriptionDeleter,
	stateDeleter ArticleStateDeleter,
	sanitizer security.SanitizerService,
) *Service {
	return &Service{
		identityRepo: identityRepo,
		sessionRepo:  sessionRepo,
		subDeleter:   subDeleter,
		stateDeleter: stateDeleter,
		sanitizer:    sanitizer,
	}
}

// GetProfile はアイデンティティのプロフィールを取得する。
func (s *Service) GetProfile(ctx context.Context, identityID string) (*model.Identity, error) {
	identity, err := s.identityRepo.FindByID(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("アイデンティティの取得に失敗しました: %w", err)
	}
	if identity == nil {
		return nil, model.NewIdentityNotFoundError()
	}
	return identity, nil
}

// UpdateProfile は表示名とタイムゾーンを部分更新する。
// nilフィールドは変更せず既存の値を維持する。
// 表示名はプレーンテキストとしてサニタイズされ、
// タイムゾーンはIANA名としてtime.LoadLocationで検証される。
func (s *Service) UpdateProfile(
	ctx context.Context,
	identityID string,
	displayName *string,
	timezone *string,
) (*model.Identity, error) {
	identity, err := s.identityRepo.FindByID(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("アイデンティティの取得に失敗しました: %w", err)
	}
	if identity == nil {
		return nil, model.NewIdentityNotFoundError()
	}

	newDisplayName := identity.DisplayName
	if displayName != nil {
		newDisplayName = s.sanitizer.SanitizeText(*displayName)
	}

	newTimezone := identity.Timezone
	if timezone != nil {
		// time.LoadLocation("")はUTCを返すため、空文字列は明示的に拒否する
		if *timezone == "" {
			return nil, model.NewInvalidTimezoneError(*timezone)
		}
		if _, err := time.LoadLocation(*timezone); err != nil {
			return nil, model.NewInvalidTimezoneError(*timezone)
		}
		newTimezone = *timezone
	}

	updated, err := s.identityRepo.UpdateProfile(ctx, identityID, newDisplayName, newTimezone)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの更新に失敗しました: %w", err)
	}
	return updated, nil
}

// Withdraw はアイデンティティの退会処理を実行する。
// 削除順序: 記事状態 → 購読 → セッション → アイデンティティ行。
// ウィンドウ、ジャーナル、進捗はアイデンティティ行の削除でCASCADE削除される。
// 配信元と記事は共有キャッシュとして残す。
func (s *Service) Withdraw(ctx context.Context, identityID string) error {
	identity, err := s.identityRepo.FindByID(ctx, identityID)
	if err != nil {
		return fmt.Errorf("アイデンティティの取得に失敗しました: %w", err)
	}
	if identity == nil {
		return model.NewIdentityNotFoundError()
	}

	slog.Info("退会処理を開始します",
		slog.String("identity_id", identityID),
	)

	// 1. 記事状態を削除
	if s.stateDeleter != nil {
		if err := s.stateDeleter.DeleteByIdentityID(ctx, identityID); err != nil {
			return fmt.Errorf("記事状態の削除に失敗しました: %w", err)
		}
	}

	// 2. 購読を削除
	if s.subDeleter != nil {
		if err := s.subDeleter.DeleteByIdentityID(ctx, identityID); err != nil {
			return fmt.Errorf("購読の削除に失敗しました: %w", err)
		}
	}

	// 3. セッションを削除
	if s.sessionRepo != nil {
		if err := s.sessionRepo.DeleteByIdentityID(ctx, identityID); err != nil {
			return fmt.Errorf("セッションの削除に失敗しました: %w", err)
		}
	}

	// 4. アイデンティティを削除（ウィンドウ、ジャーナル、進捗はCASCADE削除）
	if err := s.identityRepo.DeleteByID(ctx, identityID); err != nil {
		return fmt.Errorf("アイデンティティの削除に失敗しました: %w", err)
	}

	slog.Info("退会処理が完了しました",
		slog.String("identity_id", identityID),
	)

	return nil
}
