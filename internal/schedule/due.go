// Package schedule は定期配信タスクの実行判定とスケジューリングを提供する。
// 判定関数IsDueは副作用を持たず、DueCheckerがリポジトリとパイプラインを結び付ける。
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/digestcast/internal/model"
)

// Tolerance は配信時刻の前後に許容する幅。
const Tolerance = 15 * time.Minute

const minutesPerDay = 24 * 60

// utcOffsetMinutes はサポートするタイムゾーンのUTCからのオフセット（分）。
// 夏時間は考慮しない固定値。
var utcOffsetMinutes = map[string]int{
	"UTC":                 0,
	"Europe/London":       0,
	"Europe/Berlin":       60,
	"Europe/Paris":        60,
	"Asia/Dubai":          240,
	"Asia/Kolkata":        330,
	"Asia/Singapore":      480,
	"Asia/Shanghai":       480,
	"Asia/Tokyo":          540,
	"Australia/Sydney":    600,
	"America/Sao_Paulo":   -180,
	"America/New_York":    -300,
	"America/Chicago":     -360,
	"America/Denver":      -420,
	"America/Los_Angeles": -480,
}

// Offset はタイムゾーンのUTCオフセット（分）を返す。
// サポート外のタイムゾーンでは0とfalseを返し、時刻は変換せずに扱われる。
func Offset(timezone string) (int, bool) {
	m, ok := utcOffsetMinutes[timezone]
	return m, ok
}

// ParseTimeOfDay は"HH:MM"形式の時刻を0時からの経過分に変換する。
func ParseTimeOfDay(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, fmt.Errorf("時刻はHH:MM形式で指定してください: %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("時の値が不正です: %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("分の値が不正です: %q", s)
	}
	return h*60 + m, nil
}

// IsDue はタスクが現在時刻に実行すべきかを判定する。
// 以下を全て満たす場合にtrueを返す。
//   - 配信時刻をUTCに換算した時刻と現在のUTC時刻の差が±15分以内（日付をまたぐ比較は行わない）
//   - 本日（UTC）まだ実行していない
//   - 有効期限（UTC日付）が本日以降
//
// 比較をUTCで行うため、判定の窓が途切れるのはUTCの0時のみで、実行済み判定のUTC日付と一致する。
// 判定の窓を逃したタスクは翌日まで実行されない。
func IsDue(task model.ScheduledTask, nowUTC time.Time) bool {
	scheduled, err := ParseTimeOfDay(task.ScheduleTimeOfDay)
	if err != nil {
		return false
	}

	now := nowUTC.UTC()
	today := model.TruncateToDate(now)

	if task.LastRunDate != nil && model.TruncateToDate(*task.LastRunDate).Equal(today) {
		return false
	}
	if model.TruncateToDate(task.ActiveUntilDate).Before(today) {
		return false
	}

	offset, _ := Offset(task.Timezone)
	scheduledUTC := ((scheduled-offset)%minutesPerDay + minutesPerDay) % minutesPerDay

	diff := now.Hour()*60 + now.Minute() - scheduledUTC
	if diff < 0 {
		diff = -diff
	}
	return diff <= int(Tolerance/time.Minute)
}
