package model

import "time"

// DateLayout は日付（UTC日付単位）の文字列表現。
const DateLayout = "2006-01-02"

// ScheduledTask はユーザーごとの日次ダイジェスト配信スケジュールを表す。
// LastRunDateは一度設定されると過去の値より前に戻ることはない。
type ScheduledTask struct {
	ID                string
	UserID            string
	Recipient         string
	ScheduleTimeOfDay string // "HH:MM"（Timezoneにおける現地時刻）
	Timezone          string
	ActiveUntilDate   time.Time // UTC日付。この日を過ぎると期限切れ
	LastRunDate       *time.Time
	Language          string
	FeedURLs          []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RunStatus はパイプライン実行の終端状態を表す。
type RunStatus string

const (
	// RunStatusDelivered は配信まで完了した状態。
	RunStatusDelivered RunStatus = "delivered"
	// RunStatusFailed は致命的エラーで中断した状態。
	RunStatusFailed RunStatus = "failed"
)

// RunRecord は1回のパイプライン実行の結果記録。
type RunRecord struct {
	ID             string
	UserID         string
	TaskID         string
	Status         RunStatus
	Reason         string
	ItemCount      int
	RealChunks     int
	FallbackChunks int
	Translated     bool
	HasDocument    bool
	StartedAt      time.Time
	FinishedAt     time.Time
}

// TruncateToDate は時刻をUTCの日付境界に切り詰める。
func TruncateToDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
