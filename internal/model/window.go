// Package model はドメインモデルを定義する。
package model

import "time"

// WindowType は時間ウィンドウの種別を表す。
type WindowType string

const (
	// WindowTypeFast は断食ウィンドウ。
	WindowTypeFast WindowType = "fast"
	// WindowTypeEating は食事ウィンドウ。
	WindowTypeEating WindowType = "eating"
	// WindowTypeWorkout は運動ウィンドウ。
	WindowTypeWorkout WindowType = "workout"
	// WindowTypeRecovery は回復ウィンドウ。
	WindowTypeRecovery WindowType = "recovery"
)

// ValidWindowType は既知のウィンドウ種別かどうかを返す。
func ValidWindowType(t WindowType) bool {
	switch t {
	case WindowTypeFast, WindowTypeEating, WindowTypeWorkout, WindowTypeRecovery:
		return true
	}
	return false
}

// WindowState はウィンドウのライフサイクル状態を表す。
// 遷移は前進のみ: scheduled → active → completed/abandoned。
// completed と abandoned は終端状態で、以降の遷移は存在しない。
type WindowState string

const (
	// WindowStateScheduled は開始前の予約状態。
	// ストアが保持できる初期状態だが、公開操作からは生成されない。
	WindowStateScheduled WindowState = "scheduled"
	// WindowStateActive は進行中状態。
	WindowStateActive WindowState = "active"
	// WindowStateCompleted は完遂された終端状態。
	WindowStateCompleted WindowState = "completed"
	// WindowStateAbandoned は中断された終端状態。
	WindowStateAbandoned WindowState = "abandoned"
)

// ValidEndState はcloseのend_stateとして許可される状態かどうかを返す。
func ValidEndState(s WindowState) bool {
	return s == WindowStateCompleted || s == WindowStateAbandoned
}

// TimeWindow は1つのアイデンティティが所有する有界の時間区間を表す。
// end_time は状態が終端になったときに1度だけ設定される。
type TimeWindow struct {
	ID           string
	IdentityID   string
	WindowType   WindowType
	State        WindowState
	StartTime    time.Time
	ScheduledEnd *time.Time
	EndTime      *time.Time
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsOpen はウィンドウが未終端（scheduled または active）かどうかを返す。
func (w *TimeWindow) IsOpen() bool {
	return w.State == WindowStateScheduled || w.State == WindowStateActive
}

// IsTerminal はウィンドウが終端状態かどうかを返す。
func (w *TimeWindow) IsTerminal() bool {
	return w.State == WindowStateCompleted || w.State == WindowStateAbandoned
}

// Duration は実際の経過時間（end_time - start_time）を返す。
// 未クローズの場合は第2戻り値がfalseになる。
func (w *TimeWindow) Duration() (time.Duration, bool) {
	if w.EndTime == nil {
		return 0, false
	}
	return w.EndTime.Sub(w.StartTime), true
}
