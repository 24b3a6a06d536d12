// Package model はドメインモデルを定義する。
package model

import "time"

// EventType はジャーナルイベントの種別を表す。
type EventType string

const (
	// EventTypeWindowOpened はウィンドウ開始イベント。
	EventTypeWindowOpened EventType = "window_opened"
	// EventTypeWindowExtended はウィンドウ延長イベント。
	EventTypeWindowExtended EventType = "window_extended"
	// EventTypeWindowClosed はウィンドウ完遂イベント。
	EventTypeWindowClosed EventType = "window_closed"
	// EventTypeWindowAbandoned はウィンドウ中断イベント。
	EventTypeWindowAbandoned EventType = "window_abandoned"
)

const (
	// CategoryTimeKeeper はウィンドウライフサイクルイベントのカテゴリ値。
	CategoryTimeKeeper = "time_keeper"
	// RelatedTypeTimeWindow はTimeWindowを参照するイベントのrelated_type値。
	RelatedTypeTimeWindow = "time_window"
)

// EventMetadata はジャーナルイベントに付随するメタデータ。
// duration_secondsはクローズ系イベントにのみ設定される。
type EventMetadata struct {
	WindowType      WindowType `json:"window_type"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
}

// JournalEvent はウィンドウの状態遷移ごとに1件追記される不変のイベントレコード。
// コンシューマ（進捗ワーカー、アクティビティフィード）はこのフィードを
// 追記専用として扱い、重複配信はイベントID単位で冪等化する。
type JournalEvent struct {
	ID          string
	IdentityID  string
	EventType   EventType
	Category    string
	RelatedID   string
	RelatedType string
	Timestamp   time.Time
	Metadata    EventMetadata
	CreatedAt   time.Time
}
