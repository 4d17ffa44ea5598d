package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/hitoshi/digestcast/internal/model"
)

// psql はPostgreSQLのプレースホルダ形式（$1, $2...）を使うクエリビルダ。
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// taskColumns はscheduled_tasksの取得カラム。scanTaskの順序と一致させる。
var taskColumns = []string{
	"id", "user_id", "recipient", "schedule_time_of_day", "timezone",
	"active_until_date", "last_run_date", "language", "feed_urls",
	"created_at", "updated_at",
}

// PostgresTaskRepo はPostgreSQLを使用した定期配信タスクリポジトリ。
type PostgresTaskRepo struct {
	db *sql.DB
}

// NewPostgresTaskRepo はPostgresTaskRepoを生成する。
func NewPostgresTaskRepo(db *sql.DB) *PostgresTaskRepo {
	return &PostgresTaskRepo{db: db}
}

// Create はタスクを作成する。
func (r *PostgresTaskRepo) Create(ctx context.Context, task *model.ScheduledTask) error {
	query, args, err := psql.Insert("scheduled_tasks").
		Columns(taskColumns...).
		Values(
			task.ID, task.UserID, task.Recipient, task.ScheduleTimeOfDay, task.Timezone,
			task.ActiveUntilDate, nullTime(task.LastRunDate), nullString(task.Language),
			pq.Array(task.FeedURLs), task.CreatedAt, task.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("タスク作成クエリの構築に失敗しました: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("タスクの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのタスクを取得する。見つからない場合はnilを返す。
func (r *PostgresTaskRepo) FindByID(ctx context.Context, id string) (*model.ScheduledTask, error) {
	query, args, err := psql.Select(taskColumns...).
		From("scheduled_tasks").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("タスク取得クエリの構築に失敗しました: %w", err)
	}

	task, err := scanTask(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("タスクの取得に失敗しました: %w", err)
	}
	return task, nil
}

// ListActiveDue は判定対象のタスクを取得する。
// 取得はロックを伴わないため、実行前にClaimで実行権を取得すること。
func (r *PostgresTaskRepo) ListActiveDue(ctx context.Context, today time.Time) ([]*model.ScheduledTask, error) {
	query, args, err := activeDueQuery(today).ToSql()
	if err != nil {
		return nil, fmt.Errorf("判定対象タスク取得クエリの構築に失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("判定対象タスクの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var tasks []*model.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("判定対象タスクの読み取りに失敗しました: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("判定対象タスクの読み取りに失敗しました: %w", err)
	}
	return tasks, nil
}

// activeDueQuery は有効期限内かつ本日未実行のタスクを取得するクエリを構築する。
func activeDueQuery(today time.Time) sq.SelectBuilder {
	date := model.TruncateToDate(today)
	return psql.Select(taskColumns...).
		From("scheduled_tasks").
		Where(sq.GtOrEq{"active_until_date": date}).
		Where(sq.Or{
			sq.Eq{"last_run_date": nil},
			sq.Lt{"last_run_date": date},
		}).
		OrderBy("schedule_time_of_day ASC", "id ASC")
}

// Claim はタスクの実行権をleaseの間だけ取得する。
// 本日未実行かつ他の実行者の実行権が失効している場合のみ条件付きUPDATEが成功し、trueを返す。
// 実行権が失効すれば、打ち切られたタスクは同日中に再度取得できる。
func (r *PostgresTaskRepo) Claim(ctx context.Context, taskID string, now time.Time, lease time.Duration) (bool, error) {
	query, args, err := claimQuery(taskID, now, lease).ToSql()
	if err != nil {
		return false, fmt.Errorf("実行権取得クエリの構築に失敗しました: %w", err)
	}

	var id string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("実行権の取得に失敗しました: %w", err)
	}
	return true, nil
}

// claimQuery は実行権を取得する条件付きUPDATEを構築する。
func claimQuery(taskID string, now time.Time, lease time.Duration) sq.UpdateBuilder {
	now = now.UTC()
	date := model.TruncateToDate(now)
	return psql.Update("scheduled_tasks").
		Set("claimed_until", now.Add(lease)).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": taskID}).
		Where(sq.Or{
			sq.Eq{"last_run_date": nil},
			sq.Lt{"last_run_date": date},
		}).
		Where(sq.Or{
			sq.Eq{"claimed_until": nil},
			sq.LtOrEq{"claimed_until": now},
		}).
		Suffix("RETURNING id")
}

// RecordRun はタスクの最終実行日を更新し、実行権を解放する。
// GREATESTにより最終実行日は単調に増加し、古い日付で巻き戻ることはない。
func (r *PostgresTaskRepo) RecordRun(ctx context.Context, taskID string, runDate time.Time) error {
	date := model.TruncateToDate(runDate)
	_, err := r.db.ExecContext(ctx,
		`UPDATE scheduled_tasks
		 SET last_run_date = GREATEST(COALESCE(last_run_date, $2::date), $2::date),
		     claimed_until = NULL,
		     updated_at = now()
		 WHERE id = $1`,
		taskID, date,
	)
	if err != nil {
		return fmt.Errorf("最終実行日の更新に失敗しました: %w", err)
	}
	return nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.ScheduledTask, error) {
	task := &model.ScheduledTask{}
	var lastRun sql.NullTime
	var language sql.NullString

	if err := row.Scan(
		&task.ID, &task.UserID, &task.Recipient, &task.ScheduleTimeOfDay, &task.Timezone,
		&task.ActiveUntilDate, &lastRun, &language, pq.Array(&task.FeedURLs),
		&task.CreatedAt, &task.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if lastRun.Valid {
		t := lastRun.Time
		task.LastRunDate = &t
	}
	task.Language = nullStringValue(language)
	return task, nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullTime はnilをsql.NullTimeに変換する。
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
