package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/digestcast/internal/metrics"
	"github.com/hitoshi/digestcast/internal/model"
	"github.com/hitoshi/digestcast/internal/pipeline"
	"github.com/hitoshi/digestcast/internal/repository"
)

// DigestRunner はダイジェスト生成パイプラインの実行インターフェース。
type DigestRunner interface {
	Run(ctx context.Context, req model.DigestRequest) pipeline.Outcome
}

// CheckSummary は1回の判定サイクルの集計結果。
type CheckSummary struct {
	Evaluated int `json:"evaluated"` // 判定したタスク数
	Fired     int `json:"fired"`     // 実行を開始したタスク数
	Delivered int `json:"delivered"` // 配信まで完了したタスク数
	Failed    int `json:"failed"`    // 致命的エラーで終了したタスク数
	Abandoned int `json:"abandoned"` // 制限時間を超えて打ち切ったタスク数
}

// DueChecker は定期配信タスクの実行判定とパイプライン起動を行う。
// タスクは1件ずつ順に処理し、各実行は制限時間で打ち切る。
// 最終実行日は配信完了または失敗が確定した場合にのみ記録し、打ち切った場合は記録しない。
// 実行前にタスクの実行権を取得するため、複数の判定サイクルが並行しても同じタスクは1回だけ実行される。
type DueChecker struct {
	taskRepo    repository.ScheduledTaskRepository
	runner      DigestRunner
	logger      *slog.Logger
	metrics     metrics.MetricsCollector
	taskTimeout time.Duration
}

// NewDueChecker はDueCheckerの新しいインスタンスを生成する。
// taskTimeoutが0以下の場合はデフォルト値10分を使用する。
func NewDueChecker(
	taskRepo repository.ScheduledTaskRepository,
	runner DigestRunner,
	logger *slog.Logger,
	m metrics.MetricsCollector,
	taskTimeout time.Duration,
) *DueChecker {
	if taskTimeout <= 0 {
		taskTimeout = 10 * time.Minute
	}
	return &DueChecker{
		taskRepo:    taskRepo,
		runner:      runner,
		logger:      logger,
		metrics:     m,
		taskTimeout: taskTimeout,
	}
}

// Start は指定間隔のティッカーで判定サイクルを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (c *DueChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("定期配信スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("task_timeout", c.taskTimeout),
	)

	// 起動直後に1回実行
	c.runCycle(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("定期配信スケジューラを停止しました")
			return
		case now := <-ticker.C:
			c.runCycle(ctx, now)
		}
	}
}

func (c *DueChecker) runCycle(ctx context.Context, now time.Time) {
	if _, err := c.RunOnce(ctx, now); err != nil {
		c.logger.Error("定期配信の判定サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は判定対象タスクを取得し、実行すべきタスクのパイプラインを順に起動する。
func (c *DueChecker) RunOnce(ctx context.Context, now time.Time) (CheckSummary, error) {
	start := time.Now()
	now = now.UTC()
	today := model.TruncateToDate(now)

	var summary CheckSummary

	tasks, err := c.taskRepo.ListActiveDue(ctx, today)
	if err != nil {
		return summary, err
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}

		summary.Evaluated++
		if !IsDue(*task, now) {
			c.record("skipped")
			continue
		}

		claimed, err := c.taskRepo.Claim(ctx, task.ID, now, c.taskTimeout)
		if err != nil {
			c.record("claim_error")
			c.logger.Error("タスクの実行権の取得に失敗しました",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !claimed {
			c.record("claimed_elsewhere")
			c.logger.Info("他の判定サイクルが実行中のためスキップします",
				slog.String("task_id", task.ID),
			)
			continue
		}

		summary.Fired++
		c.record("fired")

		outcome, finished := c.runWithTimeout(ctx, task, now)
		if !finished {
			summary.Abandoned++
			c.record("abandoned")
			c.logger.Warn("定期配信の実行が制限時間を超えたため打ち切りました",
				slog.String("task_id", task.ID),
				slog.String("user_id", task.UserID),
				slog.Duration("task_timeout", c.taskTimeout),
			)
			continue
		}

		if outcome.Status == model.RunStatusDelivered {
			summary.Delivered++
			c.record("delivered")
		} else {
			summary.Failed++
			c.record("failed")
		}

		if err := c.taskRepo.RecordRun(ctx, task.ID, today); err != nil {
			c.logger.Error("最終実行日の記録に失敗しました",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.logger.Info("定期配信の判定サイクルが完了しました",
		slog.Int("evaluated", summary.Evaluated),
		slog.Int("fired", summary.Fired),
		slog.Int("delivered", summary.Delivered),
		slog.Int("failed", summary.Failed),
		slog.Int("abandoned", summary.Abandoned),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return summary, nil
}

// runWithTimeout はタスクのパイプラインを制限時間付きで実行する。
// パイプラインがコンテキストを無視して応答しない場合でも、制限時間で呼び出し元に制御を戻す。
// 結果が確定した場合はfinished=trueを返す。
func (c *DueChecker) runWithTimeout(ctx context.Context, task *model.ScheduledTask, now time.Time) (pipeline.Outcome, bool) {
	runCtx, cancel := context.WithTimeout(ctx, c.taskTimeout)
	defer cancel()

	req := model.DigestRequest{
		UserID:      task.UserID,
		Recipient:   task.Recipient,
		Language:    task.Language,
		FeedURLs:    task.FeedURLs,
		TaskID:      task.ID,
		RequestedAt: now,
	}

	done := make(chan pipeline.Outcome, 1)
	go func() {
		done <- c.runner.Run(runCtx, req)
	}()

	select {
	case outcome := <-done:
		// 制限時間による失敗は確定した結果として扱わない
		if outcome.Status != model.RunStatusDelivered && runCtx.Err() != nil {
			return outcome, false
		}
		return outcome, true
	case <-runCtx.Done():
		return pipeline.Outcome{}, false
	}
}

func (c *DueChecker) record(result string) {
	if c.metrics != nil {
		c.metrics.RecordDueCheckTask(result)
	}
}
