// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/fastman/internal/model"
)

// IdentityRepository はアイデンティティデータの永続化インターフェース。
type IdentityRepository interface {
	// FindByID は指定IDのアイデンティティを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Identity, error)

	// FindByDeviceKeyHash は端末キーハッシュでアイデンティティを検索する。
	// 見つからない場合はnilを返す。
	FindByDeviceKeyHash(ctx context.Context, hash string) (*model.Identity, error)

	// Create はアイデンティティを作成する。
	Create(ctx context.Context, identity *model.Identity) error

	// UpdateProfile は表示名とタイムゾーンを更新し、更新後の値を返す。
	UpdateProfile(ctx context.Context, id, displayName, timezone string) (*model.Identity, error)

	// DeleteByID は指定IDのアイデンティティを削除する。
	// ウィンドウ、ジャーナル、進捗、購読、記事状態はCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByIdentityID は指定アイデンティティの全セッションを削除する。
	DeleteByIdentityID(ctx context.Context, identityID string) error
}

// WindowRepository は時間ウィンドウの永続化インターフェース。
// 書き込みはすべて単一トランザクションで原子的に行われ、
// 終端状態のウィンドウはガード付きUPDATEにより上書きから保護される。
type WindowRepository interface {
	// OpenWindows は指定アイデンティティのオープンウィンドウ
	// （state ∈ {scheduled, active}）をstart_time昇順で返す。
	OpenWindows(ctx context.Context, identityID string) ([]*model.TimeWindow, error)

	// FindByID は指定IDかつ指定アイデンティティ所有のウィンドウを取得する。
	// id/identityの組が一致しない場合はnilを返す。
	FindByID(ctx context.Context, id, identityID string) (*model.TimeWindow, error)

	// Create は新規ウィンドウを作成する。
	// 同種別のオープンウィンドウが既に存在する場合はErrDuplicateOpenWindowを返す。
	Create(ctx context.Context, w *model.TimeWindow) error

	// AdmitWithClosures はcloseIDsのウィンドウをabandonedに遷移させたうえで
	// 新規ウィンドウを作成する。全体が1トランザクションで、どちらかが失敗すれば
	// 何も可視にならない。実際に遷移したウィンドウをcloseIDsの順で返す
	// （既に終端だったものは結果に含まれない）。
	AdmitWithClosures(ctx context.Context, w *model.TimeWindow, closeIDs []string, endTime time.Time) ([]*model.TimeWindow, error)

	// UpdateScheduledEnd はオープンウィンドウのscheduled_endを更新する。
	// オープン状態の行が一致しない場合はnilを返す（存在しないか終端済み）。
	UpdateScheduledEnd(ctx context.Context, id, identityID string, newEnd, updatedAt time.Time) (*model.TimeWindow, error)

	// Close はオープンウィンドウを指定の終端状態に遷移させ、metadataをマージする。
	// オープン状態の行が一致しない場合はnilを返す（存在しないか終端済み）。
	// 2回目のcloseが先行するcloseの結果を上書きすることはない。
	Close(ctx context.Context, id, identityID string, state model.WindowState, endTime time.Time, metadata map[string]string) (*model.TimeWindow, error)
}

// JournalRepository はジャーナルイベントの永続化インターフェース。
// イベントは追記専用で、更新・削除の操作は保持期間クリーンアップ以外に存在しない。
type JournalRepository interface {
	// Create はイベントを追記する。
	Create(ctx context.Context, ev *model.JournalEvent) error

	// ListByIdentity は指定アイデンティティのイベントをevent_time降順で返す。
	// cursorがゼロ値の場合は先頭から取得する。
	ListByIdentity(ctx context.Context, identityID string, cursor time.Time, limit int) ([]*model.JournalEvent, error)
}

// ProgressionRepository は進捗集計とイベント消費記録の永続化インターフェース。
type ProgressionRepository interface {
	// FindByIdentity は指定アイデンティティの進捗を取得する。見つからない場合はnilを返す。
	FindByIdentity(ctx context.Context, identityID string) (*model.ProgressionState, error)

	// NextEvents は未消費のジャーナルイベントをevent_time昇順（同時刻はID昇順）で返す。
	NextEvents(ctx context.Context, limit int) ([]*model.JournalEvent, error)

	// ConsumeEvent はイベントを1件消費する。1トランザクションで消費記録を挿入し、
	// 進捗行をロックしてapplyを適用し、更新を書き戻す。
	// 既に消費済みのイベントの場合はapplyを呼ばずfalseを返す（冪等）。
	ConsumeEvent(ctx context.Context, ev *model.JournalEvent, apply func(st *model.ProgressionState) error) (bool, error)
}

// ResearchSourceRepository は研究配信元の永続化インターフェース。
type ResearchSourceRepository interface {
	// FindByID は指定IDの配信元を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ResearchSource, error)

	// FindByFeedURL はフィードURLで配信元を検索する。見つからない場合はnilを返す。
	FindByFeedURL(ctx context.Context, feedURL string) (*model.ResearchSource, error)

	// Create は配信元を作成する。
	Create(ctx context.Context, source *model.ResearchSource) error

	// Update は配信元情報を更新する。
	Update(ctx context.Context, source *model.ResearchSource) error

	// ListWithSubscription は全配信元を購読フラグ付きで返す。
	ListWithSubscription(ctx context.Context, identityID string) ([]SourceWithSubscription, error)

	// ListDueForFetch はフェッチ対象の配信元を取得する。
	// next_fetch_at <= now() かつ fetch_status = 'active' かつ購読者が存在する配信元を
	// FOR UPDATE SKIP LOCKEDで排他的に取得する。
	ListDueForFetch(ctx context.Context) ([]*model.ResearchSource, error)

	// UpdateFetchState は配信元のフェッチ状態を更新する。
	// fetch_status、consecutive_errors、error_message、next_fetch_at、etag、last_modifiedを更新する。
	UpdateFetchState(ctx context.Context, source *model.ResearchSource) error
}

// SourceSubscriptionRepository は購読データの永続化インターフェース。
type SourceSubscriptionRepository interface {
	// FindByIdentityAndSource はアイデンティティIDと配信元IDで購読を検索する。
	// 見つからない場合はnilを返す。
	FindByIdentityAndSource(ctx context.Context, identityID, sourceID string) (*model.SourceSubscription, error)

	// CountByIdentityID はアイデンティティの購読数を返す。
	CountByIdentityID(ctx context.Context, identityID string) (int, error)

	// Create は購読を作成する。
	Create(ctx context.Context, sub *model.SourceSubscription) error

	// Delete はアイデンティティIDと配信元IDで購読を削除する。
	Delete(ctx context.Context, identityID, sourceID string) error

	// DeleteByIdentityID はアイデンティティの全購読を削除する。
	DeleteByIdentityID(ctx context.Context, identityID string) error
}

// ArticleRepository は研究記事の永続化インターフェース。
// 記事の同一性判定（3段階の優先順位）とCRUD操作を提供する。
type ArticleRepository interface {
	// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ResearchArticle, error)

	// FindBySourceAndGUID はsource_idとguid_or_idで記事を検索する。
	// 同一性判定の最優先手段。見つからない場合はnilを返す。
	FindBySourceAndGUID(ctx context.Context, sourceID, guid string) (*model.ResearchArticle, error)

	// FindBySourceAndLink はsource_idとlinkで記事を検索する。
	// 同一性判定の第2優先手段。見つからない場合はnilを返す。
	FindBySourceAndLink(ctx context.Context, sourceID, link string) (*model.ResearchArticle, error)

	// FindByContentHash はsource_idとcontent_hashで記事を検索する。
	// 同一性判定の第3優先手段（hash(title+published+summary)）。見つからない場合はnilを返す。
	FindByContentHash(ctx context.Context, sourceID, contentHash string) (*model.ResearchArticle, error)

	// ListBySubscribed は購読中の配信元の記事一覧をアイデンティティの状態とJOINして取得する。
	// published_at降順でカーソルベースページネーションを使用する。
	// cursorがゼロ値の場合は先頭から取得する。
	// filter: "all"=全件, "unread"=未読のみ, "saved"=保存済みのみ
	ListBySubscribed(ctx context.Context, identityID string, filter model.ArticleFilter, cursor time.Time, limit int) ([]model.ArticleWithState, error)

	// Create は新規記事を作成する。
	Create(ctx context.Context, article *model.ResearchArticle) error

	// Update は既存記事を上書き更新する。履歴は保持しない。
	Update(ctx context.Context, article *model.ResearchArticle) error
}

// CitationArticleRepository は被引用数取得に必要な記事データ操作のインターフェース。
type CitationArticleRepository interface {
	// ListNeedingCitationFetch は被引用数の取得が必要なDOI付き記事を取得する。
	// citation_fetched_at IS NULL（未取得）を優先し、次にttlを超えて古い順に処理する。
	ListNeedingCitationFetch(ctx context.Context, ttl time.Duration, limit int) ([]*model.ResearchArticle, error)

	// UpdateCitationCount は記事の被引用数と取得日時を更新する。
	UpdateCitationCount(ctx context.Context, articleID string, count int, fetchedAt time.Time) error
}

// ArticleStateRepository はアイデンティティごとの記事状態（既読/保存）の永続化インターフェース。
type ArticleStateRepository interface {
	// FindByIdentityAndArticle はアイデンティティIDと記事IDで記事状態を取得する。
	// 見つからない場合はnilを返す。
	FindByIdentityAndArticle(ctx context.Context, identityID, articleID string) (*model.ArticleState, error)

	// Upsert は記事状態を冪等にUPSERTする。
	// nilフィールドは変更せず、既存の値を維持する部分更新を行う。
	Upsert(ctx context.Context, identityID, articleID string, isRead *bool, isSaved *bool) (*model.ArticleState, error)

	// DeleteByIdentityID はアイデンティティに関連する全ての記事状態を削除する。
	DeleteByIdentityID(ctx context.Context, identityID string) error
}

// SourceWithSubscription は配信元と呼び出し元の購読状態を結合した構造体。
type SourceWithSubscription struct {
	model.ResearchSource
	IsSubscribed bool
}
