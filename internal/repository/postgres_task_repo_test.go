package repository

import (
	"database/sql"
	"strings"
	"testing"
	"time"
)

// PostgresTaskRepoはScheduledTaskRepositoryインターフェースを満たすことを検証
func TestPostgresTaskRepo_ImplementsInterface(t *testing.T) {
	var _ ScheduledTaskRepository = (*PostgresTaskRepo)(nil)
}

// PostgresRunRepoはRunRecordRepositoryインターフェースを満たすことを検証
func TestPostgresRunRepo_ImplementsInterface(t *testing.T) {
	var _ RunRecordRepository = (*PostgresRunRepo)(nil)
}

// PostgresInterestRepoはInterestRepositoryインターフェースを満たすことを検証
func TestPostgresInterestRepo_ImplementsInterface(t *testing.T) {
	var _ InterestRepository = (*PostgresInterestRepo)(nil)
	var _ TxBeginner = (*sql.DB)(nil)
}

// 判定対象タスクのクエリが期限と本日未実行の条件を含むことを検証
func TestActiveDueQuery_FiltersByDate(t *testing.T) {
	now := time.Date(2026, 10, 16, 3, 35, 0, 0, time.UTC)

	query, args, err := activeDueQuery(now).ToSql()
	if err != nil {
		t.Fatalf("クエリの構築に失敗: %v", err)
	}

	for _, want := range []string{
		"FROM scheduled_tasks",
		"active_until_date >= $1",
		"last_run_date IS NULL",
		"last_run_date < $2",
	} {
		if !strings.Contains(query, want) {
			t.Errorf("クエリに %q が含まれるべき: %s", want, query)
		}
	}

	if len(args) != 2 {
		t.Fatalf("引数は2つであるべき, got %d", len(args))
	}
	today := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	for i, a := range args {
		if got, ok := a.(time.Time); !ok || !got.Equal(today) {
			t.Errorf("引数%dはUTC日付に切り詰められるべき, got %v", i, a)
		}
	}
}

// 自動コミットの参照でロックを取ったつもりにならないことを検証
func TestActiveDueQuery_DoesNotLock(t *testing.T) {
	query, _, err := activeDueQuery(time.Now()).ToSql()
	if err != nil {
		t.Fatalf("クエリの構築に失敗: %v", err)
	}
	if strings.Contains(query, "FOR UPDATE") {
		t.Errorf("一覧取得はロックを伴わないべき: %s", query)
	}
}

// 実行権取得のクエリが本日未実行かつ実行権失効の条件で更新することを検証
func TestClaimQuery_ConditionalUpdate(t *testing.T) {
	now := time.Date(2026, 10, 16, 3, 35, 0, 0, time.UTC)

	query, args, err := claimQuery("task-1", now, 10*time.Minute).ToSql()
	if err != nil {
		t.Fatalf("クエリの構築に失敗: %v", err)
	}

	for _, want := range []string{
		"UPDATE scheduled_tasks SET claimed_until = $1",
		"updated_at = now()",
		"id = $2",
		"last_run_date IS NULL",
		"last_run_date < $3",
		"claimed_until IS NULL",
		"claimed_until <= $4",
		"RETURNING id",
	} {
		if !strings.Contains(query, want) {
			t.Errorf("クエリに %q が含まれるべき: %s", want, query)
		}
	}

	if len(args) != 4 {
		t.Fatalf("引数は4つであるべき, got %d", len(args))
	}
	if got, ok := args[0].(time.Time); !ok || !got.Equal(now.Add(10*time.Minute)) {
		t.Errorf("実行権の期限はnow+leaseであるべき, got %v", args[0])
	}
	if got, ok := args[2].(time.Time); !ok || !got.Equal(time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("最終実行日の比較はUTC日付であるべき, got %v", args[2])
	}
	if got, ok := args[3].(time.Time); !ok || !got.Equal(now) {
		t.Errorf("実行権の失効判定は現在時刻であるべき, got %v", args[3])
	}
}

// nullTimeがnilを無効値に変換することを検証
func TestNullTime(t *testing.T) {
	if nullTime(nil).Valid {
		t.Error("nilは無効値になるべき")
	}
	now := time.Now()
	if nt := nullTime(&now); !nt.Valid || !nt.Time.Equal(now) {
		t.Error("値はそのまま保持されるべき")
	}
}

// nullStringが空文字列をNULLに変換することを検証
func TestNullString(t *testing.T) {
	if nullString("").Valid {
		t.Error("空文字列は無効値になるべき")
	}
	if got := nullStringValue(nullString("ja")); got != "ja" {
		t.Errorf("nullStringValue = %q, want ja", got)
	}
}
