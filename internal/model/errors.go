package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 利用者に返す原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, pipeline, schedule, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeEmptyCollection = "EMPTY_COLLECTION"
	ErrCodeDeliveryFailed  = "DELIVERY_FAILED"
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
	ErrCodeInvalidSchedule = "INVALID_SCHEDULE"
	ErrCodeEmptyNarration  = "EMPTY_NARRATION"
	ErrCodeRunTimeout      = "RUN_TIMEOUT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeInternal        = "INTERNAL_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
)

// ConditionRecoveryDegraded は構造化出力の復元が第1段階以外で行われた、
// または復元できなかったことを示す劣化条件。致命的ではない。
const ConditionRecoveryDegraded = "RECOVERY_DEGRADED"

// NewEmptyCollectionError は全ソースから記事を1件も取得できなかった場合のエラーを生成する。
func NewEmptyCollectionError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyCollection,
		Message:  "どのフィードからも記事を取得できませんでした。",
		Category: "pipeline",
		Action:   "フィードURLが正しいか確認し、しばらく待ってから再度お試しください。",
	}
}

// NewDeliveryFailedError はメール配信に失敗した場合のエラーを生成する。
func NewDeliveryFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeDeliveryFailed,
		Message:  fmt.Sprintf("ダイジェストの配信に失敗しました: %s", reason),
		Category: "pipeline",
		Action:   "宛先メールアドレスを確認し、しばらく待ってから再度お試しください。",
	}
}

// NewInvalidRequestError はリクエスト内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewInvalidScheduleError はスケジュール指定が不正な場合のエラーを生成する。
func NewInvalidScheduleError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSchedule,
		Message:  fmt.Sprintf("無効なスケジュールです: %s", reason),
		Category: "schedule",
		Action:   "配信時刻はHH:MM形式、日数は1以上で指定してください。",
	}
}

// NewRunTimeoutError はパイプライン実行が制限時間を超えた場合のエラーを生成する。
func NewRunTimeoutError() *APIError {
	return &APIError{
		Code:     ErrCodeRunTimeout,
		Message:  "ダイジェストの生成が制限時間内に完了しませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUnauthorizedError は内部エンドポイントのトークンが不正な場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証トークンが不正です。",
		Category: "auth",
		Action:   "正しいトークンを指定してください。",
	}
}

// NewInternalError は詳細を利用者に見せない内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewNotFoundError は指定されたリソースが存在しない、または呼び出し元の所有でない場合のエラーを生成する。
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  resource + "が見つかりません。",
		Category: "validation",
		Action:   "IDを確認してください。",
	}
}
