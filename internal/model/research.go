// Package model はドメインモデルを定義する。
package model

import "time"

// ResearchSource は断食・栄養研究のRSS/Atom配信元を表す。
// アイデンティティ間で共有され、フェッチはワーカーが一元的に行う。
type ResearchSource struct {
	ID                string
	FeedURL           string
	SiteURL           string
	Title             string
	Description       string
	IconURL           string
	ETag              string
	LastModified      string
	FetchStatus       FetchStatus
	ConsecutiveErrors int
	ErrorMessage      string
	NextFetchAt       time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FetchStatus は配信元のフェッチ状態を表す。
type FetchStatus string

const (
	// FetchStatusActive はアクティブなフェッチ状態。
	FetchStatusActive FetchStatus = "active"
	// FetchStatusStopped は停止されたフェッチ状態。
	FetchStatusStopped FetchStatus = "stopped"
	// FetchStatusError はエラーによるフェッチ停止状態。
	FetchStatusError FetchStatus = "error"
)

// SourceSubscription はアイデンティティと配信元の購読関係を表す。
type SourceSubscription struct {
	ID         string
	IdentityID string
	SourceID   string
	CreatedAt  time.Time
}

// ResearchArticle は配信元から取得した研究記事を表す。
type ResearchArticle struct {
	ID                string
	SourceID          string
	GuidOrID          string
	Title             string
	Link              string
	Summary           string // サニタイズ済みHTML
	Authors           string
	DOI               string
	CitationCount     int
	CitationFetchedAt *time.Time
	PublishedAt       *time.Time
	IsDateEstimated   bool
	FetchedAt         time.Time
	ContentHash       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ArticleWithState は記事とアイデンティティごとの状態（既読/保存）を結合したモデル。
// article_statesテーブルとLEFT JOINして取得される。
type ArticleWithState struct {
	ResearchArticle
	IsRead  bool
	IsSaved bool
}

// ArticleFilter は記事一覧のフィルタ種別を表す。
type ArticleFilter string

const (
	// ArticleFilterAll は全記事を表示するフィルタ。
	ArticleFilterAll ArticleFilter = "all"
	// ArticleFilterUnread は未読記事のみを表示するフィルタ。
	ArticleFilterUnread ArticleFilter = "unread"
	// ArticleFilterSaved は保存済み記事のみを表示するフィルタ。
	ArticleFilterSaved ArticleFilter = "saved"
)

// ArticleState はアイデンティティごとの記事状態（既読/保存）を表す。
type ArticleState struct {
	ID         string
	IdentityID string
	ArticleID  string
	IsRead     bool
	IsSaved    bool
	ReadAt     *time.Time
	SavedAt    *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ParsedArticle はフィードパーサーから取得した未保存の記事データを表す。
// ワーカーが配信元をパースした後、ArticleUpsertServiceに渡される。
type ParsedArticle struct {
	GuidOrID    string
	Title       string
	Link        string
	Summary     string // 未サニタイズ
	Authors     string
	DOI         string
	PublishedAt *time.Time
}
