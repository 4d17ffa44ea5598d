package repository

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/hitoshi/digestcast/internal/model"
)

var runColumns = []string{
	"id", "user_id", "task_id", "status", "reason", "item_count",
	"real_chunks", "fallback_chunks", "translated", "has_document",
	"started_at", "finished_at",
}

// PostgresRunRepo はPostgreSQLを使用した実行記録リポジトリ。
type PostgresRunRepo struct {
	db *sql.DB
}

// NewPostgresRunRepo はPostgresRunRepoを生成する。
func NewPostgresRunRepo(db *sql.DB) *PostgresRunRepo {
	return &PostgresRunRepo{db: db}
}

// Create は実行記録を作成する。
func (r *PostgresRunRepo) Create(ctx context.Context, record *model.RunRecord) error {
	query, args, err := psql.Insert("run_records").
		Columns(runColumns...).
		Values(
			record.ID, record.UserID, nullString(record.TaskID), string(record.Status),
			nullString(record.Reason), record.ItemCount, record.RealChunks, record.FallbackChunks,
			record.Translated, record.HasDocument, record.StartedAt, record.FinishedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("実行記録作成クエリの構築に失敗しました: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("実行記録の作成に失敗しました: %w", err)
	}
	return nil
}

// ListByUserID はユーザーの実行記録を新しい順にlimit件まで返す。
func (r *PostgresRunRepo) ListByUserID(ctx context.Context, userID string, limit int) ([]*model.RunRecord, error) {
	query, args, err := psql.Select(runColumns...).
		From("run_records").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("started_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("実行記録取得クエリの構築に失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("実行記録の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []*model.RunRecord
	for rows.Next() {
		rec := &model.RunRecord{}
		var taskID, reason sql.NullString
		var status string
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &taskID, &status, &reason, &rec.ItemCount,
			&rec.RealChunks, &rec.FallbackChunks, &rec.Translated, &rec.HasDocument,
			&rec.StartedAt, &rec.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("実行記録の読み取りに失敗しました: %w", err)
		}
		rec.TaskID = nullStringValue(taskID)
		rec.Reason = nullStringValue(reason)
		rec.Status = model.RunStatus(status)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("実行記録の読み取りに失敗しました: %w", err)
	}
	return records, nil
}
