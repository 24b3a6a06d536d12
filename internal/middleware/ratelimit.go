package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // API全般のバーストサイズ
	SourceRegRate   rate.Limit    // 配信元登録のレート（req/sec）。10/60
	SourceRegBurst  int           // 配信元登録のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min、配信元登録 10 req/min をアイデンティティごとに適用する。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0), // 2 req/sec
		GeneralBurst:    120,
		SourceRegRate:   rate.Limit(10.0 / 60.0), // ~0.167 req/sec
		SourceRegBurst:  10,
		CleanupInterval: 5 * time.Minute,
	}
}

// identityLimiter はアイデンティティごとのレートリミッターとアクセス時刻を保持する。
type identityLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はアイデンティティごとのレート制限を管理する。
// API全般のレート制限と配信元登録のレート制限の2種類を提供する。
type RateLimiter struct {
	config RateLimiterConfig

	generalMu       sync.RWMutex
	generalLimiters map[string]*identityLimiter

	sourceRegMu       sync.RWMutex
	sourceRegLimiters map[string]*identityLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:            config,
		generalLimiters:   make(map[string]*identityLimiter),
		sourceRegLimiters: make(map[string]*identityLimiter),
		stopCh:            make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// リクエストコンテキストにアイデンティティIDが含まれている必要がある
// （SessionMiddlewareの後に配置）。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identityID, err := IdentityIDFromContext(r.Context())
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			limiter := rl.getOrCreateGeneralLimiter(identityID)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.GeneralRate)
				slog.Warn("rate limit exceeded",
					slog.String("identity_id", identityID),
					slog.String("limit_type", "general"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SourceRegistrationMiddleware は配信元登録専用のレート制限ミドルウェアを返す。
// 外部URLへのフェッチを伴うため、API全般より厳しい上限を独立に適用する。
func (rl *RateLimiter) SourceRegistrationMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identityID, err := IdentityIDFromContext(r.Context())
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			limiter := rl.getOrCreateSourceRegLimiter(identityID)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.SourceRegRate)
				slog.Warn("rate limit exceeded",
					slog.String("identity_id", identityID),
					slog.String("limit_type", "source_registration"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	rl.generalMu.RLock()
	defer rl.generalMu.RUnlock()
	return len(rl.generalLimiters)
}

// SourceRegLimiterCount は現在管理されている配信元登録リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) SourceRegLimiterCount() int {
	rl.sourceRegMu.RLock()
	defer rl.sourceRegMu.RUnlock()
	return len(rl.sourceRegLimiters)
}

// getOrCreateGeneralLimiter はアイデンティティのAPI全般リミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateGeneralLimiter(identityID string) *rate.Limiter {
	rl.generalMu.RLock()
	il, exists := rl.generalLimiters[identityID]
	rl.generalMu.RUnlock()

	if exists {
		rl.generalMu.Lock()
		il.lastAccess = time.Now()
		rl.generalMu.Unlock()
		return il.limiter
	}

	rl.generalMu.Lock()
	defer rl.generalMu.Unlock()

	// ダブルチェック
	if il, exists := rl.generalLimiters[identityID]; exists {
		il.lastAccess = time.Now()
		return il.limiter
	}

	limiter := rate.NewLimiter(rl.config.GeneralRate, rl.config.GeneralBurst)
	rl.generalLimiters[identityID] = &identityLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// getOrCreateSourceRegLimiter はアイデンティティの配信元登録リミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateSourceRegLimiter(identityID string) *rate.Limiter {
	rl.sourceRegMu.RLock()
	il, exists := rl.sourceRegLimiters[identityID]
	rl.sourceRegMu.RUnlock()

	if exists {
		rl.sourceRegMu.Lock()
		il.lastAccess = time.Now()
		rl.sourceRegMu.Unlock()
		return il.limiter
	}

	rl.sourceRegMu.Lock()
	defer rl.sourceRegMu.Unlock()

	// ダブルチェック
	if il, exists := rl.sourceRegLimiters[identityID]; exists {
		il.lastAccess = time.Now()
		return il.limiter
	}

	limiter := rate.NewLimiter(rl.config.SourceRegRate, rl.config.SourceRegBurst)
	rl.sourceRegLimiters[identityID] = &identityLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2

	now := time.Now()

	rl.generalMu.Lock()
	for identityID, il := range rl.generalLimiters {
		if now.Sub(il.lastAccess) > ttl {
			delete(rl.generalLimiters, identityID)
		}
	}
	rl.generalMu.Unlock()

	rl.sourceRegMu.Lock()
	for identityID, il := range rl.sourceRegLimiters {
		if now.Sub(il.lastAccess) > ttl {
			delete(rl.sourceRegLimiters, identityID)
		}
	}
	rl.sourceRegMu.Unlock()
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:      "RATE_LIMIT_EXCEEDED",
		Message:   "リクエスト数が上限に達しました。",
		Category:  "system",
		Action:    "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
		Retryable: true,
	})
}
