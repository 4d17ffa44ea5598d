// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/digestcast/internal/model"
)

// ScheduledTaskRepository は定期配信タスクの永続化インターフェース。
type ScheduledTaskRepository interface {
	// Create はタスクを作成する。
	Create(ctx context.Context, task *model.ScheduledTask) error

	// FindByID は指定IDのタスクを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ScheduledTask, error)

	// ListActiveDue は判定対象のタスクを取得する。
	// active_until_date >= today かつ本日まだ実行されていないタスクを返す。行ロックは取得しない。
	ListActiveDue(ctx context.Context, today time.Time) ([]*model.ScheduledTask, error)

	// Claim はタスクの実行権をnowからleaseの間だけ取得する。
	// 本日実行済み、または他の実行者が有効な実行権を持つ場合はfalseを返す。
	Claim(ctx context.Context, taskID string, now time.Time, lease time.Duration) (bool, error)

	// RecordRun はタスクの最終実行日を更新し、実行権を解放する。
	// 既存の値より前の日付では上書きしない（GREATEST）。
	RecordRun(ctx context.Context, taskID string, runDate time.Time) error
}

// RunRecordRepository はパイプライン実行記録の永続化インターフェース。
type RunRecordRepository interface {
	// Create は実行記録を作成する。
	Create(ctx context.Context, record *model.RunRecord) error

	// ListByUserID はユーザーの実行記録を新しい順にlimit件まで返す。
	ListByUserID(ctx context.Context, userID string, limit int) ([]*model.RunRecord, error)
}

// InterestRepository はユーザーの関心トピックの永続化インターフェース。
type InterestRepository interface {
	// FindByUserID はユーザーの関心トピックを登録順に返す。未登録の場合は空スライスを返す。
	FindByUserID(ctx context.Context, userID string) ([]string, error)

	// Replace はユーザーの関心トピックを置き換える。
	Replace(ctx context.Context, userID string, interests []string) error
}
