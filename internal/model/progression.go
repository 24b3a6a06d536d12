// Package model はドメインモデルを定義する。
package model

import "time"

// ProgressionState はアイデンティティごとの進捗集計（ストリーク/XP）を表す。
// ジャーナルイベントを消費する進捗ワーカーだけが更新する派生データであり、
// ウィンドウ状態が常に真実の源泉となる。
type ProgressionState struct {
	IdentityID        string
	TotalXP           int64
	CurrentStreak     int
	LongestStreak     int
	LastFastDay       *time.Time // 最後に断食を完遂したUTC日付（00:00:00固定）
	CompletedFasts    int
	CompletedEating   int
	CompletedWorkouts int
	CompletedRecovery int
	UpdatedAt         time.Time
}
