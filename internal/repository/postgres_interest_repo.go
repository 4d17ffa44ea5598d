package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresInterestRepo はPostgreSQLを使用した関心トピックリポジトリ。
type PostgresInterestRepo struct {
	db TxBeginner
}

// TxBeginner はトランザクション開始とクエリ実行のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// NewPostgresInterestRepo はPostgresInterestRepoを生成する。
func NewPostgresInterestRepo(db TxBeginner) *PostgresInterestRepo {
	return &PostgresInterestRepo{db: db}
}

// FindByUserID はユーザーの関心トピックを登録順に返す。
func (r *PostgresInterestRepo) FindByUserID(ctx context.Context, userID string) ([]string, error) {
	query, args, err := psql.Select("topic").
		From("user_interests").
		Where("user_id = ?", userID).
		OrderBy("position ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("関心トピック取得クエリの構築に失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("関心トピックの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	interests := []string{}
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, fmt.Errorf("関心トピックの読み取りに失敗しました: %w", err)
		}
		interests = append(interests, topic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("関心トピックの読み取りに失敗しました: %w", err)
	}
	return interests, nil
}

// Replace はユーザーの関心トピックを同一トランザクションで置き換える。
func (r *PostgresInterestRepo) Replace(ctx context.Context, userID string, interests []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_interests WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("関心トピックの削除に失敗しました: %w", err)
	}

	if len(interests) > 0 {
		insert := psql.Insert("user_interests").Columns("user_id", "position", "topic")
		for i, topic := range interests {
			insert = insert.Values(userID, i, topic)
		}
		query, args, err := insert.ToSql()
		if err != nil {
			return fmt.Errorf("関心トピック登録クエリの構築に失敗しました: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("関心トピックの登録に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}
