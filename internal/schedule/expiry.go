package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/digestcast/internal/metrics"
	"github.com/hitoshi/digestcast/internal/model"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ExpiryJob は有効期限を過ぎた定期配信タスクの削除ジョブ。
// 日次実行を想定しており、削除対象がない場合もエラーにならない。
type ExpiryJob struct {
	db      Executor
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time
}

// NewExpiryJob は新しいExpiryJobを生成する。
func NewExpiryJob(db Executor, logger *slog.Logger, m metrics.MetricsCollector) *ExpiryJob {
	return &ExpiryJob{
		db:      db,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Run はactive_until_dateが本日（UTC）より前のタスクを削除する。
// 実行記録のtask_idはON DELETE SET NULLで切り離される。
func (j *ExpiryJob) Run(ctx context.Context) error {
	start := time.Now()
	today := model.TruncateToDate(j.now())

	result, err := j.db.ExecContext(ctx,
		`DELETE FROM scheduled_tasks WHERE active_until_date < $1`, today,
	)
	if err != nil {
		j.logger.Error("期限切れタスクの削除ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("期限切れタスクの削除に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	if j.metrics != nil {
		j.metrics.RecordTasksExpired(int(deletedCount))
	}

	j.logger.Info("期限切れタスクの削除ジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.String("today", today.Format(model.DateLayout)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は24時間ごとに削除ジョブを実行する。
func (j *ExpiryJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := j.Run(ctx); err != nil {
		j.logger.Error("期限切れタスクの削除に失敗しました", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("期限切れタスクの削除に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}
