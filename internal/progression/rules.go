// Package progression はジャーナルイベントから導出される進捗集計を提供する。
//
// 集計はウィンドウ状態から再計算可能な派生データで、
// 進捗ワーカーだけが更新する。冪等化は消費記録（イベントID単位）が担う。
package progression

import (
	"time"

	"github.com/hitoshi/fastman/internal/model"
)

// XP付与量。断食は基礎値に実効時間1時間ごとの加算が付く。
const (
	xpFastBase    = 20
	xpFastPerHour = 1
	xpWorkout     = 15
	xpEating      = 5
	xpRecovery    = 5
)

// Apply は1件のジャーナルイベントを進捗集計に適用する。
//
// 完遂（window_closed）だけがXP・完遂数・ストリークに寄与する。
// 中断（window_abandoned）、開始、延長のイベントは何も変えないが、
// 消費済みとして記録される点は呼び出し側の責務になる。
func Apply(st *model.ProgressionState, ev *model.JournalEvent) {
	if ev.EventType != model.EventTypeWindowClosed {
		return
	}

	st.TotalXP += xpFor(ev)

	switch ev.Metadata.WindowType {
	case model.WindowTypeFast:
		st.CompletedFasts++
		applyFastStreak(st, ev.Timestamp)
	case model.WindowTypeEating:
		st.CompletedEating++
	case model.WindowTypeWorkout:
		st.CompletedWorkouts++
	case model.WindowTypeRecovery:
		st.CompletedRecovery++
	}
}

// xpFor は完遂イベント1件のXP付与量を返す。
func xpFor(ev *model.JournalEvent) int64 {
	switch ev.Metadata.WindowType {
	case model.WindowTypeFast:
		xp := int64(xpFastBase)
		if ev.Metadata.DurationSeconds != nil {
			xp += (*ev.Metadata.DurationSeconds / 3600) * xpFastPerHour
		}
		return xp
	case model.WindowTypeWorkout:
		return xpWorkout
	case model.WindowTypeEating:
		return xpEating
	case model.WindowTypeRecovery:
		return xpRecovery
	}
	return 0
}

// applyFastStreak は断食完遂のUTC日付ストリークを更新する。
//
// 前回完遂日の翌日なら+1、同じ日なら変化なし、空白日が挟まれば1にリセット。
// 過去日のイベント（遅延再配信）は現在のストリークを壊さない。
// 最長ストリークは単調増加で、リセットされても縮まない。
func applyFastStreak(st *model.ProgressionState, at time.Time) {
	day := utcDay(at)

	switch {
	case st.LastFastDay == nil:
		st.CurrentStreak = 1
		st.LastFastDay = &day
	case day.Equal(*st.LastFastDay):
		// 同じ日の複数完遂はストリークに影響しない
	case day.Equal(st.LastFastDay.AddDate(0, 0, 1)):
		st.CurrentStreak++
		st.LastFastDay = &day
	case day.After(*st.LastFastDay):
		st.CurrentStreak = 1
		st.LastFastDay = &day
	}

	if st.CurrentStreak > st.LongestStreak {
		st.LongestStreak = st.CurrentStreak
	}
}

// utcDay は時刻をUTC日付（00:00:00固定）に丸める。
func utcDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
