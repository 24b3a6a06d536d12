// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// ウィンドウ競合では原因となったウィンドウIDの一覧も保持する。
type APIError struct {
	Code              string   // エラーコード
	Message           string   // エラーメッセージ
	Category          string   // カテゴリ: auth, validation, window, research, system
	Action            string   // ユーザー向け対処方法
	BlockingWindowIDs []string // 競合エラー時のみ: 許可を妨げたウィンドウID
	Retryable         bool     // 呼び出し側がバックオフ付きで再試行してよいか
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeWindowNotFound        = "WINDOW_NOT_FOUND"
	ErrCodeWindowStateInvalid    = "WINDOW_STATE_INVALID"
	ErrCodeWindowConflict        = "WINDOW_CONFLICT"
	ErrCodeInvalidWindowType     = "INVALID_WINDOW_TYPE"
	ErrCodeInvalidEndState       = "INVALID_END_STATE"
	ErrCodeInvalidTimeRange      = "INVALID_TIME_RANGE"
	ErrCodeStoreUnavailable      = "STORE_UNAVAILABLE"
	ErrCodeIdentityNotFound      = "IDENTITY_NOT_FOUND"
	ErrCodeInvalidTimezone       = "INVALID_TIMEZONE"
	ErrCodeSourceNotDetected     = "SOURCE_NOT_DETECTED"
	ErrCodeInvalidURL            = "INVALID_URL"
	ErrCodeSSRFBlocked           = "SSRF_BLOCKED"
	ErrCodeFetchFailed           = "FETCH_FAILED"
	ErrCodeParseFailed           = "PARSE_FAILED"
	ErrCodeSubscriptionLimit     = "SUBSCRIPTION_LIMIT"
	ErrCodeDuplicateSubscription = "DUPLICATE_SUBSCRIPTION"
	ErrCodeSourceNotFound        = "SOURCE_NOT_FOUND"
	ErrCodeSubscriptionNotFound  = "SUBSCRIPTION_NOT_FOUND"
	ErrCodeArticleNotFound       = "ARTICLE_NOT_FOUND"
	ErrCodeInvalidFilter         = "INVALID_FILTER"
)

// NewWindowNotFoundError はウィンドウ未検出エラーを生成する。
// 指定IDのウィンドウが存在しないか、他のアイデンティティの所有物の場合に使う。
func NewWindowNotFoundError(windowID string) *APIError {
	return &APIError{
		Code:     ErrCodeWindowNotFound,
		Message:  fmt.Sprintf("指定されたウィンドウが見つかりません: %s", windowID),
		Category: "window",
		Action:   "ウィンドウIDを確認してください。",
	}
}

// NewWindowStateError は終端状態のウィンドウへの操作エラーを生成する。
func NewWindowStateError(windowID string, state WindowState) *APIError {
	return &APIError{
		Code:     ErrCodeWindowStateInvalid,
		Message:  fmt.Sprintf("ウィンドウは既に%sのため操作できません: %s", stateLabel(state), windowID),
		Category: "window",
		Action:   "終了済みのウィンドウは変更できません。新しいウィンドウを開始してください。",
	}
}

// NewWindowConflictError は競合マトリクスによる開始拒否エラーを生成する。
// blockingIDsには許可を妨げたウィンドウIDをすべて含める。
func NewWindowConflictError(blockingIDs []string, reason string) *APIError {
	return &APIError{
		Code:              ErrCodeWindowConflict,
		Message:           fmt.Sprintf("開いているウィンドウと競合しています（%s）: %s", reason, strings.Join(blockingIDs, ", ")),
		Category:          "window",
		Action:            "競合しているウィンドウを終了するか、auto_closeを指定して再度お試しください。",
		BlockingWindowIDs: blockingIDs,
	}
}

// NewInvalidWindowTypeError は未知のウィンドウ種別エラーを生成する。
func NewInvalidWindowTypeError(t string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidWindowType,
		Message:  fmt.Sprintf("無効なウィンドウ種別です: %s", t),
		Category: "validation",
		Action:   "window_typeには fast、eating、workout、recovery のいずれかを指定してください。",
	}
}

// NewInvalidEndStateError はcloseの終端状態が不正な場合のエラーを生成する。
func NewInvalidEndStateError(s string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEndState,
		Message:  fmt.Sprintf("無効な終端状態です: %s", s),
		Category: "validation",
		Action:   "end_stateには completed または abandoned を指定してください。",
	}
}

// NewInvalidTimeRangeError は時刻の前後関係が不正な場合のエラーを生成する。
func NewInvalidTimeRangeError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTimeRange,
		Message:  fmt.Sprintf("無効な時刻指定です: %s", reason),
		Category: "validation",
		Action:   "終了予定時刻は開始時刻より後、かつ現在時刻より後を指定してください。",
	}
}

// NewStoreUnavailableError はストレージの一時的な障害エラーを生成する。
// 唯一の再試行可能エラーであり、呼び出し側はバックオフ付きで再試行してよい。
func NewStoreUnavailableError() *APIError {
	return &APIError{
		Code:      ErrCodeStoreUnavailable,
		Message:   "ストレージへのアクセスが一時的に失敗しました。",
		Category:  "system",
		Action:    "しばらく待ってから再度お試しください。",
		Retryable: true,
	}
}

// NewIdentityNotFoundError はアイデンティティが見つからない場合のエラーを生成する。
func NewIdentityNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeIdentityNotFound,
		Message:  "アイデンティティが見つかりません。",
		Category: "auth",
		Action:   "端末を登録し直してください。",
	}
}

// NewInvalidTimezoneError はタイムゾーン名が不正な場合のエラーを生成する。
func NewInvalidTimezoneError(tz string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTimezone,
		Message:  fmt.Sprintf("無効なタイムゾーンです: %s", tz),
		Category: "validation",
		Action:   "IANA形式のタイムゾーン名（例: Asia/Tokyo）を指定してください。",
	}
}

// NewSourceNotDetectedError は配信元未検出エラーを生成する。
func NewSourceNotDetectedError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeSourceNotDetected,
		Message:  fmt.Sprintf("指定されたURLからRSS/Atomフィードを検出できませんでした: %s", url),
		Category: "research",
		Action:   "フィードのURLを直接入力するか、フィードが公開されているページのURLを確認してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewFetchFailedError はフェッチ失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("URLの取得に失敗しました: %s", reason),
		Category: "research",
		Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
	}
}

// NewParseFailedError はパース失敗エラーを生成する。
func NewParseFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeParseFailed,
		Message:  "フィードの解析に失敗しました。",
		Category: "research",
		Action:   "有効なRSS/Atomフィードかどうか確認してください。",
	}
}

// NewSubscriptionLimitError は購読上限エラーを生成する。
func NewSubscriptionLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionLimit,
		Message:  "購読数が上限（100件）に達しています。",
		Category: "research",
		Action:   "不要な購読を解除してから、新しい配信元を登録してください。",
	}
}

// NewDuplicateSubscriptionError は既に購読済みの配信元を再度購読しようとした場合のエラーを生成する。
func NewDuplicateSubscriptionError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateSubscription,
		Message:  "この配信元は既に購読しています。",
		Category: "research",
		Action:   "購読一覧から該当の配信元を確認してください。",
	}
}

// NewSourceNotFoundError は配信元が見つからない場合のエラーを生成する。
func NewSourceNotFoundError(sourceID string) *APIError {
	return &APIError{
		Code:     ErrCodeSourceNotFound,
		Message:  fmt.Sprintf("指定された配信元が見つかりません: %s", sourceID),
		Category: "research",
		Action:   "配信元IDを確認してください。",
	}
}

// NewSubscriptionNotFoundError は購読が見つからない場合のエラーを生成する。
func NewSubscriptionNotFoundError(sourceID string) *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionNotFound,
		Message:  fmt.Sprintf("指定された配信元を購読していません: %s", sourceID),
		Category: "research",
		Action:   "購読一覧を確認してください。",
	}
}

// NewArticleNotFoundError は記事未検出エラーを生成する。
func NewArticleNotFoundError(articleID string) *APIError {
	return &APIError{
		Code:     ErrCodeArticleNotFound,
		Message:  fmt.Sprintf("指定された記事が見つかりません: %s", articleID),
		Category: "research",
		Action:   "記事IDを確認してください。",
	}
}

// NewInvalidFilterError は無効なフィルタエラーを生成する。
func NewInvalidFilterError(filter string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFilter,
		Message:  fmt.Sprintf("無効なフィルタです: %s", filter),
		Category: "validation",
		Action:   "フィルタには all、unread、saved のいずれかを指定してください。",
	}
}

// stateLabel は状態の日本語表示名を返す。
func stateLabel(s WindowState) string {
	switch s {
	case WindowStateCompleted:
		return "完了済み"
	case WindowStateAbandoned:
		return "中断済み"
	case WindowStateScheduled:
		return "予約中"
	case WindowStateActive:
		return "進行中"
	default:
		return string(s)
	}
}
