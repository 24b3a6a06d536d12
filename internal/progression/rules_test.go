package progression

import (
	"testing"
	"time"

	"github.com/hitoshi/fastman/internal/model"
)

func closedEvent(windowType model.WindowType, at time.Time, durationSeconds int64) *model.JournalEvent {
	return &model.JournalEvent{
		ID:        "ev-" + string(windowType) + at.Format(time.RFC3339),
		EventType: model.EventTypeWindowClosed,
		Timestamp: at,
		Metadata: model.EventMetadata{
			WindowType:      windowType,
			DurationSeconds: &durationSeconds,
		},
	}
}

// TestApply_XPByWindowType は種別ごとのXP付与量をテストする。
func TestApply_XPByWindowType(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name            string
		windowType      model.WindowType
		durationSeconds int64
		wantXP          int64
	}{
		{"断食16時間", model.WindowTypeFast, 16 * 3600, 20 + 16},
		{"断食1時間未満", model.WindowTypeFast, 1800, 20},
		{"断食15.5時間は切り捨てで15時間分", model.WindowTypeFast, 15*3600 + 1800, 20 + 15},
		{"運動", model.WindowTypeWorkout, 3600, 15},
		{"食事", model.WindowTypeEating, 3600, 5},
		{"回復", model.WindowTypeRecovery, 8 * 3600, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &model.ProgressionState{IdentityID: "identity-1"}
			Apply(st, closedEvent(tt.windowType, now, tt.durationSeconds))
			if st.TotalXP != tt.wantXP {
				t.Errorf("TotalXP = %d, want %d", st.TotalXP, tt.wantXP)
			}
		})
	}
}

// TestApply_FastWithoutDuration はduration欠落の断食完遂が基礎XPのみになることをテストする。
func TestApply_FastWithoutDuration(t *testing.T) {
	st := &model.ProgressionState{IdentityID: "identity-1"}
	ev := &model.JournalEvent{
		EventType: model.EventTypeWindowClosed,
		Timestamp: time.Now().UTC(),
		Metadata:  model.EventMetadata{WindowType: model.WindowTypeFast},
	}
	Apply(st, ev)
	if st.TotalXP != 20 {
		t.Errorf("TotalXP = %d, want 20", st.TotalXP)
	}
}

// TestApply_NonClosedEventsAwardNothing は完遂以外のイベントが集計を変えないことをテストする。
func TestApply_NonClosedEventsAwardNothing(t *testing.T) {
	now := time.Now().UTC()
	duration := int64(16 * 3600)

	for _, eventType := range []model.EventType{
		model.EventTypeWindowOpened,
		model.EventTypeWindowExtended,
		model.EventTypeWindowAbandoned,
	} {
		st := &model.ProgressionState{IdentityID: "identity-1"}
		ev := &model.JournalEvent{
			EventType: eventType,
			Timestamp: now,
			Metadata: model.EventMetadata{
				WindowType:      model.WindowTypeFast,
				DurationSeconds: &duration,
			},
		}
		Apply(st, ev)

		if st.TotalXP != 0 || st.CurrentStreak != 0 || st.CompletedFasts != 0 {
			t.Errorf("%s: 集計が変化した: %+v", eventType, st)
		}
	}
}

// TestApply_CompletionCounters は種別ごとの完遂数が数えられることをテストする。
func TestApply_CompletionCounters(t *testing.T) {
	st := &model.ProgressionState{IdentityID: "identity-1"}
	now := time.Now().UTC()

	Apply(st, closedEvent(model.WindowTypeFast, now, 3600))
	Apply(st, closedEvent(model.WindowTypeEating, now, 3600))
	Apply(st, closedEvent(model.WindowTypeEating, now, 3600))
	Apply(st, closedEvent(model.WindowTypeWorkout, now, 3600))
	Apply(st, closedEvent(model.WindowTypeRecovery, now, 3600))

	if st.CompletedFasts != 1 {
		t.Errorf("CompletedFasts = %d, want 1", st.CompletedFasts)
	}
	if st.CompletedEating != 2 {
		t.Errorf("CompletedEating = %d, want 2", st.CompletedEating)
	}
	if st.CompletedWorkouts != 1 {
		t.Errorf("CompletedWorkouts = %d, want 1", st.CompletedWorkouts)
	}
	if st.CompletedRecovery != 1 {
		t.Errorf("CompletedRecovery = %d, want 1", st.CompletedRecovery)
	}
}

// TestApply_StreakFirstFast は最初の断食完遂でストリークが1になることをテストする。
func TestApply_StreakFirstFast(t *testing.T) {
	st := &model.ProgressionState{IdentityID: "identity-1"}
	at := time.Date(2026, 3, 10, 18, 30, 0, 0, time.UTC)

	Apply(st, closedEvent(model.WindowTypeFast, at, 16*3600))

	if st.CurrentStreak != 1 {
		t.Errorf("CurrentStreak = %d, want 1", st.CurrentStreak)
	}
	if st.LongestStreak != 1 {
		t.Errorf("LongestStreak = %d, want 1", st.LongestStreak)
	}
	if st.LastFastDay == nil {
		t.Fatal("LastFastDayが未設定")
	}
	want := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	if !st.LastFastDay.Equal(want) {
		t.Errorf("LastFastDay = %v, want %v", st.LastFastDay, want)
	}
}

// TestApply_StreakConsecutiveDays は連続する日の完遂でストリークが伸びることをテストする。
func TestApply_StreakConsecutiveDays(t *testing.T) {
	st := &model.ProgressionState{IdentityID: "identity-1"}
	day1 := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)

	Apply(st, closedEvent(model.WindowTypeFast, day1, 16*3600))
	Apply(st, closedEvent(model.WindowTypeFast, day1.AddDate(0, 0, 1), 16*3600))
	Apply(st, closedEvent(model.WindowTypeFast, day1.AddDate(0, 0, 2), 16*3600))

	if st.CurrentStreak != 3 {
		t.Errorf("CurrentStreak = %d, want 3", st.CurrentStreak)
	}
	if st.LongestStreak != 3 {
		t.Errorf("LongestStreak = %d, want 3", st.LongestStreak)
	}
}

// TestApply_StreakSameDayNoChange は同じ日の複数完遂がストリークを変えないことをテストする。
func TestApply_StreakSameDayNoChange(t *testing.T) {
	st := &model.ProgressionState{IdentityID: "identity-1"}
	morning := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 3, 10, 21, 0, 0, 0, time.UTC)

	Apply(st, closedEvent(model.WindowTypeFast, morning, 12*3600))
	Apply(st, closedEvent(model.WindowTypeFast, evening, 4*3600))

	if st.CurrentStreak != 1 {
		t.Errorf("CurrentStreak = %d, want 1", st.CurrentStreak)
	}
	if st.CompletedFasts != 2 {
		t.Errorf("CompletedFasts = %d, want 2（完遂数は日に関係なく数える）", st.CompletedFasts)
	}
}

// TestApply_StreakGapResets は空白日でストリークが1にリセットされることをテストする。
func TestApply_StreakGapResets(t *testing.T) {
	st := &model.ProgressionState{IdentityID: "identity-1"}
	day1 := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)

	Apply(st, closedEvent(model.WindowTypeFast, day1, 16*3600))
	Apply(st, closedEvent(model.WindowTypeFast, day1.AddDate(0, 0, 1), 16*3600))
	// 2日空けて再開
	Apply(st, closedEvent(model.WindowTypeFast, day1.AddDate(0, 0, 4), 16*3600))

	if st.CurrentStreak != 1 {
		t.Errorf("CurrentStreak = %d, want 1", st.CurrentStreak)
	}
	if st.LongestStreak != 2 {
		t.Errorf("LongestStreak = %d, want 2（リセットでも縮まない）", st.LongestStreak)
	}
}

// TestApply_StreakPastDayIgnored は過去日のイベントがストリークを壊さないことをテストする。
// 再配信や順序の乱れで古いイベントが後から届くケース。
func TestApply_StreakPastDayIgnored(t *testing.T) {
	st := &model.ProgressionState{IdentityID: "identity-1"}
	day5 := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

	Apply(st, closedEvent(model.WindowTypeFast, day5, 16*3600))
	Apply(st, closedEvent(model.WindowTypeFast, day5.AddDate(0, 0, 1), 16*3600))
	// 3日前のイベントが遅れて届く
	Apply(st, closedEvent(model.WindowTypeFast, day5.AddDate(0, 0, -3), 16*3600))

	if st.CurrentStreak != 2 {
		t.Errorf("CurrentStreak = %d, want 2", st.CurrentStreak)
	}
	want := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if !st.LastFastDay.Equal(want) {
		t.Errorf("LastFastDay = %v, want %v", st.LastFastDay, want)
	}
}

// TestApply_StreakUTCDayBoundary はUTC日付境界をまたぐ完遂の扱いをテストする。
// 23:30と翌0:30は別の日として連続扱いになる。
func TestApply_StreakUTCDayBoundary(t *testing.T) {
	st := &model.ProgressionState{IdentityID: "identity-1"}

	Apply(st, closedEvent(model.WindowTypeFast, time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC), 16*3600))
	Apply(st, closedEvent(model.WindowTypeFast, time.Date(2026, 3, 11, 0, 30, 0, 0, time.UTC), 16*3600))

	if st.CurrentStreak != 2 {
		t.Errorf("CurrentStreak = %d, want 2", st.CurrentStreak)
	}
}

// TestApply_StreakNonUTCTimestamp は非UTCタイムゾーンの時刻がUTC日付に正規化されることをテストする。
func TestApply_StreakNonUTCTimestamp(t *testing.T) {
	st := &model.ProgressionState{IdentityID: "identity-1"}
	jst := time.FixedZone("JST", 9*3600)

	// JST 2026-03-11 08:00 = UTC 2026-03-10 23:00
	Apply(st, closedEvent(model.WindowTypeFast, time.Date(2026, 3, 11, 8, 0, 0, 0, jst), 16*3600))

	want := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	if !st.LastFastDay.Equal(want) {
		t.Errorf("LastFastDay = %v, want %v", st.LastFastDay, want)
	}
}

// TestApply_OnlyFastAffectsStreak は断食以外の完遂がストリークに影響しないことをテストする。
func TestApply_OnlyFastAffectsStreak(t *testing.T) {
	st := &model.ProgressionState{IdentityID: "identity-1"}
	now := time.Now().UTC()

	Apply(st, closedEvent(model.WindowTypeWorkout, now, 3600))
	Apply(st, closedEvent(model.WindowTypeEating, now, 3600))

	if st.CurrentStreak != 0 {
		t.Errorf("CurrentStreak = %d, want 0", st.CurrentStreak)
	}
	if st.LastFastDay != nil {
		t.Errorf("LastFastDay = %v, want nil", st.LastFastDay)
	}
}
