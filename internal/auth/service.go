// Package auth は端末キー認証とセッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/fastman/internal/model"
	"github.com/hitoshi/fastman/internal/repository"
	"github.com/hitoshi/fastman/internal/security"
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionTTL time.Duration // セッション有効期間
}

// Service は認証に関するビジネスロジックを提供する。
// 端末キーによる匿名認証を提供し、キーそのものは保存しない。
type Service struct {
	identityRepo repository.IdentityRepository
	sessionRepo  repository.SessionRepository
	sanitizer    security.SanitizerService
	config       ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	identityRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	sanitizer security.SanitizerService,
	config ServiceConfig,
) *Service {
	return &Service{
		identityRepo: identityRepo,
		sessionRepo:  sessionRepo,
		sanitizer:    sanitizer,
		config:       config,
	}
}

// RegisterDevice は端末キーでログインまたは新規登録を行い、セッションを発行する。
// サーバーは端末キーのSHA-256ハッシュのみ保持する。
// 未知の端末キーの場合はアイデンティティを自動作成する。
// 既存アイデンティティのログインではdisplayName/timezoneは無視される
// （プロフィール更新はPATCHで行う）。
func (s *Service) RegisterDevice(
	ctx context.Context,
	deviceKey, displayName, timezone string,
) (*model.Session, *model.Identity, error) {
	if deviceKey == "" {
		return nil, nil, fmt.Errorf("端末キーが指定されていません")
	}

	hash := HashDeviceKey(deviceKey)

	identity, err := s.identityRepo.FindByDeviceKeyHash(ctx, hash)
	if err != nil {
		return nil, nil, fmt.Errorf("アイデンティティの検索に失敗しました: %w", err)
	}

	if identity == nil {
		// 新規端末: アイデンティティを自動作成
		tz := "UTC"
		if timezone != "" {
			if _, err := time.LoadLocation(timezone); err != nil {
				return nil, nil, model.NewInvalidTimezoneError(timezone)
			}
			tz = timezone
		}

		now := time.Now()
		identity = &model.Identity{
			ID:            uuid.New().String(),
			DeviceKeyHash: hash,
			DisplayName:   s.sanitizer.SanitizeText(displayName),
			Timezone:      tz,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		if err := s.identityRepo.Create(ctx, identity); err != nil {
			return nil, nil, fmt.Errorf("アイデンティティの作成に失敗しました: %w", err)
		}

		slog.Info("新規アイデンティティを作成しました",
			slog.String("identity_id", identity.ID),
		)
	} else {
		slog.Info("既存アイデンティティがログインしました",
			slog.String("identity_id", identity.ID),
		)
	}

	session, err := s.createSession(ctx, identity.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("セッションの作成に失敗しました: %w", err)
	}

	return session, identity, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("セッションIDが指定されていません")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("セッションの削除に失敗しました: %w", err)
	}

	slog.Info("ログアウトしました", slog.String("session_id", sessionID))
	return nil
}

// GetCurrentIdentity はセッショントークンから現在のアイデンティティを取得する。
// セッションが存在しないか期限切れの場合はエラーを返す。
func (s *Service) GetCurrentIdentity(ctx context.Context, sessionID string) (*model.Identity, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("セッションIDが指定されていません")
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("セッションが存在しないか期限切れです")
	}

	identity, err := s.identityRepo.FindByID(ctx, session.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("アイデンティティの取得に失敗しました: %w", err)
	}
	if identity == nil {
		return nil, fmt.Errorf("アイデンティティが見つかりません")
	}

	return identity, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, identityID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("セッションIDの生成に失敗しました: %w", err)
	}

	session := &model.Session{
		ID:         sessionID,
		IdentityID: identityID,
		ExpiresAt:  time.Now().Add(s.config.SessionTTL),
		CreatedAt:  time.Now(),
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("セッションの保存に失敗しました: %w", err)
	}

	return session, nil
}

// HashDeviceKey は端末キーのSHA-256ハッシュを16進文字列で返す。
func HashDeviceKey(deviceKey string) string {
	sum := sha256.Sum256([]byte(deviceKey))
	return hex.EncodeToString(sum[:])
}

// generateSessionID は暗号的に安全なセッショントークンを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
