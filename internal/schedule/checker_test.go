package schedule

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/digestcast/internal/model"
	"github.com/hitoshi/digestcast/internal/pipeline"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// mockTaskRepo はテスト用のScheduledTaskRepository実装。
// RecordRunで最終実行日を更新し、以降の判定に反映する。
// Claimは条件付きUPDATEと同じく、本日未実行かつ実行権が失効している場合のみ成功する。
type mockTaskRepo struct {
	mu           sync.Mutex
	tasks        []*model.ScheduledTask
	listErr      error
	claimErr     error
	claimedUntil map[string]time.Time
	recorded     []string
}

func (m *mockTaskRepo) Create(_ context.Context, task *model.ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	return nil
}

func (m *mockTaskRepo) FindByID(_ context.Context, id string) (*model.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, nil
}

func (m *mockTaskRepo) ListActiveDue(_ context.Context, _ time.Time) ([]*model.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	result := make([]*model.ScheduledTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		copied := *t
		result = append(result, &copied)
	}
	return result, nil
}

func (m *mockTaskRepo) Claim(_ context.Context, taskID string, now time.Time, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return false, m.claimErr
	}
	today := model.TruncateToDate(now)
	for _, t := range m.tasks {
		if t.ID != taskID {
			continue
		}
		if t.LastRunDate != nil && !model.TruncateToDate(*t.LastRunDate).Before(today) {
			return false, nil
		}
		if until, ok := m.claimedUntil[taskID]; ok && until.After(now) {
			return false, nil
		}
		if m.claimedUntil == nil {
			m.claimedUntil = make(map[string]time.Time)
		}
		m.claimedUntil[taskID] = now.Add(lease)
		return true, nil
	}
	return false, nil
}

func (m *mockTaskRepo) RecordRun(_ context.Context, taskID string, runDate time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, taskID)
	delete(m.claimedUntil, taskID)
	for _, t := range m.tasks {
		if t.ID == taskID {
			d := runDate
			t.LastRunDate = &d
		}
	}
	return nil
}

func (m *mockTaskRepo) recordedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.recorded...)
}

// mockRunner はタスクIDごとに振る舞いを切り替えられるテスト用ランナー。
type mockRunner struct {
	mu       sync.Mutex
	behavior map[string]func(ctx context.Context) pipeline.Outcome
	requests []model.DigestRequest
}

func (m *mockRunner) Run(ctx context.Context, req model.DigestRequest) pipeline.Outcome {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	fn := m.behavior[req.TaskID]
	m.mu.Unlock()

	if fn == nil {
		return pipeline.Outcome{Status: model.RunStatusDelivered}
	}
	return fn(ctx)
}

func (m *mockRunner) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func scheduledTask(id, timeOfDay string) *model.ScheduledTask {
	return &model.ScheduledTask{
		ID:                id,
		UserID:            "user-" + id,
		Recipient:         id + "@example.com",
		ScheduleTimeOfDay: timeOfDay,
		Timezone:          "Asia/Kolkata",
		ActiveUntilDate:   time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
		Language:          "ja",
		FeedURLs:          []string{"https://example.com/feed"},
	}
}

// 03:35 UTC = 09:05 IST
var checkTime = time.Date(2026, 10, 16, 3, 35, 0, 0, time.UTC)

// 実行対象のタスクのみパイプラインが起動され、最終実行日が記録されることを検証
func TestDueChecker_RunOnce_FiresDueTasks(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockTaskRepo{tasks: []*model.ScheduledTask{
		scheduledTask("due", "09:00"),
		scheduledTask("later", "18:00"),
	}}
	runner := &mockRunner{}

	checker := NewDueChecker(repo, runner, newTestLogger(&buf), nil, time.Second)
	summary, err := checker.RunOnce(context.Background(), checkTime)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	if summary.Evaluated != 2 || summary.Fired != 1 || summary.Delivered != 1 {
		t.Errorf("集計結果が一致しない: %+v", summary)
	}
	if ids := repo.recordedIDs(); len(ids) != 1 || ids[0] != "due" {
		t.Errorf("実行したタスクのみ記録されるべき, got %v", ids)
	}

	req := runner.requests[0]
	if req.TaskID != "due" || req.Recipient != "due@example.com" || req.Language != "ja" {
		t.Errorf("タスクの内容がリクエストに反映されるべき: %+v", req)
	}
	if !req.RequestedAt.Equal(checkTime) {
		t.Errorf("RequestedAtは判定時刻であるべき, got %v", req.RequestedAt)
	}
}

// 記録後の同日2回目の判定では実行されないことを検証
func TestDueChecker_RunOnce_NotFiredTwiceSameDay(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockTaskRepo{tasks: []*model.ScheduledTask{scheduledTask("due", "09:00")}}
	runner := &mockRunner{}
	checker := NewDueChecker(repo, runner, newTestLogger(&buf), nil, time.Second)

	if _, err := checker.RunOnce(context.Background(), checkTime); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	summary, err := checker.RunOnce(context.Background(), checkTime.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	if summary.Fired != 0 {
		t.Errorf("同日2回目は実行されないべき: %+v", summary)
	}
	if runner.requestCount() != 1 {
		t.Errorf("パイプラインは1回のみ起動されるべき, got %d", runner.requestCount())
	}
}

// 並行する2つの判定サイクルが同じタスクを二重に実行しないことを検証
func TestDueChecker_RunOnce_ConcurrentCyclesFireOnce(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockTaskRepo{tasks: []*model.ScheduledTask{scheduledTask("due", "09:00")}}
	started := make(chan struct{})
	release := make(chan struct{})
	runner := &mockRunner{behavior: map[string]func(context.Context) pipeline.Outcome{
		"due": func(context.Context) pipeline.Outcome {
			close(started)
			<-release
			return pipeline.Outcome{Status: model.RunStatusDelivered}
		},
	}}
	worker := NewDueChecker(repo, runner, newTestLogger(&buf), nil, time.Minute)
	trigger := NewDueChecker(repo, runner, newTestLogger(&buf), nil, time.Minute)

	done := make(chan CheckSummary, 1)
	go func() {
		summary, _ := worker.RunOnce(context.Background(), checkTime)
		done <- summary
	}()
	<-started

	// 1つ目のサイクルの実行中に2つ目のサイクルが同じタスクを一覧から取得する
	second, err := trigger.RunOnce(context.Background(), checkTime.Add(30*time.Second))
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	close(release)
	first := <-done

	if first.Fired != 1 || second.Fired != 0 {
		t.Errorf("タスクは1回だけ実行されるべき: first=%+v second=%+v", first, second)
	}
	if runner.requestCount() != 1 {
		t.Errorf("パイプラインは1回のみ起動されるべき, got %d", runner.requestCount())
	}
	if !strings.Contains(buf.String(), "他の判定サイクルが実行中") {
		t.Error("実行権を取得できなかったことがログに記録されるべき")
	}
}

// 打ち切られたタスクは実行権の失効後に同日中に再実行されることを検証
func TestDueChecker_RunOnce_AbandonedTaskRetriedAfterLease(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockTaskRepo{tasks: []*model.ScheduledTask{scheduledTask("slow", "09:00")}}
	var calls atomic.Int32
	runner := &mockRunner{behavior: map[string]func(context.Context) pipeline.Outcome{
		"slow": func(ctx context.Context) pipeline.Outcome {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return pipeline.Outcome{Status: model.RunStatusFailed, Reason: model.ErrCodeRunTimeout, Err: ctx.Err()}
			}
			return pipeline.Outcome{Status: model.RunStatusDelivered}
		},
	}}

	checker := NewDueChecker(repo, runner, newTestLogger(&buf), nil, 20*time.Millisecond)
	if _, err := checker.RunOnce(context.Background(), checkTime); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	summary, err := checker.RunOnce(context.Background(), checkTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	if summary.Delivered != 1 {
		t.Errorf("実行権の失効後に再実行されるべき: %+v", summary)
	}
	if ids := repo.recordedIDs(); len(ids) != 1 || ids[0] != "slow" {
		t.Errorf("再実行の結果が記録されるべき, got %v", ids)
	}
}

// 実行権の取得に失敗したタスクは実行されないことを検証
func TestDueChecker_RunOnce_ClaimError(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockTaskRepo{
		tasks:    []*model.ScheduledTask{scheduledTask("due", "09:00")},
		claimErr: errors.New("db down"),
	}
	runner := &mockRunner{}

	checker := NewDueChecker(repo, runner, newTestLogger(&buf), nil, time.Second)
	summary, err := checker.RunOnce(context.Background(), checkTime)
	if err != nil {
		t.Fatalf("個別タスクの失敗はエラーにならないべき: %v", err)
	}
	if summary.Fired != 0 || runner.requestCount() != 0 {
		t.Errorf("実行権がなければ実行されないべき: %+v", summary)
	}
}

// 失敗が確定した場合も最終実行日が記録されることを検証
func TestDueChecker_RunOnce_RecordsReportedFailure(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockTaskRepo{tasks: []*model.ScheduledTask{scheduledTask("due", "09:00")}}
	runner := &mockRunner{behavior: map[string]func(context.Context) pipeline.Outcome{
		"due": func(context.Context) pipeline.Outcome {
			return pipeline.Outcome{Status: model.RunStatusFailed, Reason: model.ErrCodeEmptyCollection}
		},
	}}

	checker := NewDueChecker(repo, runner, newTestLogger(&buf), nil, time.Second)
	summary, err := checker.RunOnce(context.Background(), checkTime)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	if summary.Failed != 1 {
		t.Errorf("失敗が1件であるべき: %+v", summary)
	}
	if len(repo.recordedIDs()) != 1 {
		t.Error("失敗が確定した場合も記録されるべき")
	}
}

// 応答しない実行は打ち切られ、記録されず、後続のタスクの判定を妨げないことを検証
func TestDueChecker_RunOnce_AbandonsStuckRun(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockTaskRepo{tasks: []*model.ScheduledTask{
		scheduledTask("stuck", "09:00"),
		scheduledTask("next", "09:10"),
	}}
	release := make(chan struct{})
	defer close(release)
	runner := &mockRunner{behavior: map[string]func(context.Context) pipeline.Outcome{
		// コンテキストを無視して応答しない
		"stuck": func(context.Context) pipeline.Outcome {
			<-release
			return pipeline.Outcome{Status: model.RunStatusDelivered}
		},
	}}

	checker := NewDueChecker(repo, runner, newTestLogger(&buf), nil, 50*time.Millisecond)

	start := time.Now()
	summary, err := checker.RunOnce(context.Background(), checkTime)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("制限時間で打ち切られるべき, elapsed=%v", elapsed)
	}

	if summary.Abandoned != 1 || summary.Delivered != 1 {
		t.Errorf("打ち切り1件・配信1件であるべき: %+v", summary)
	}
	if ids := repo.recordedIDs(); len(ids) != 1 || ids[0] != "next" {
		t.Errorf("打ち切ったタスクは記録されないべき, got %v", ids)
	}
	if !bytes.Contains(buf.Bytes(), []byte("打ち切りました")) {
		t.Error("打ち切りがログに記録されるべき")
	}
}

// 制限時間切れで失敗を返した実行は打ち切りとして扱われることを検証
func TestDueChecker_RunOnce_TimeoutFailureIsAbandoned(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockTaskRepo{tasks: []*model.ScheduledTask{scheduledTask("slow", "09:00")}}
	runner := &mockRunner{behavior: map[string]func(context.Context) pipeline.Outcome{
		"slow": func(ctx context.Context) pipeline.Outcome {
			<-ctx.Done()
			return pipeline.Outcome{Status: model.RunStatusFailed, Reason: model.ErrCodeRunTimeout, Err: ctx.Err()}
		},
	}}

	checker := NewDueChecker(repo, runner, newTestLogger(&buf), nil, 20*time.Millisecond)
	summary, err := checker.RunOnce(context.Background(), checkTime)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	if summary.Abandoned != 1 || summary.Failed != 0 {
		t.Errorf("打ち切りとして扱われるべき: %+v", summary)
	}
	if len(repo.recordedIDs()) != 0 {
		t.Error("打ち切った実行は記録されないべき")
	}
}

// タスク一覧の取得失敗がエラーとして返ることを検証
func TestDueChecker_RunOnce_ListError(t *testing.T) {
	var buf bytes.Buffer
	cause := errors.New("db down")
	repo := &mockTaskRepo{listErr: cause}

	checker := NewDueChecker(repo, &mockRunner{}, newTestLogger(&buf), nil, time.Second)
	_, err := checker.RunOnce(context.Background(), checkTime)
	if !errors.Is(err, cause) {
		t.Errorf("取得失敗のエラーが返るべき, got %v", err)
	}
}

// Startがコンテキストのキャンセルで停止することを検証
func TestDueChecker_Start_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockTaskRepo{}
	checker := NewDueChecker(repo, &mockRunner{}, newTestLogger(&buf), nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("キャンセル後にStartが終了するべき")
	}
}

// mockMetricsBase は全メソッドを何もしない実装として持つメトリクスのモック。
type mockMetricsBase struct{}

func (mockMetricsBase) RecordRun(string)                      {}
func (mockMetricsBase) RecordRunDuration(time.Duration)       {}
func (mockMetricsBase) RecordStageDegraded(string)            {}
func (mockMetricsBase) RecordRecoveryTier(string)             {}
func (mockMetricsBase) RecordSynthesisAttempt(string, string) {}
func (mockMetricsBase) RecordSynthesisChunk(string)           {}
func (mockMetricsBase) RecordHTTPStatus(int)                  {}
func (mockMetricsBase) RecordFeedFetch(string)                {}
func (mockMetricsBase) RecordFetchLatency(time.Duration)      {}
func (mockMetricsBase) RecordDueCheckTask(string)             {}
func (mockMetricsBase) RecordTasksExpired(int)                {}

type dueCheckMetrics struct {
	mockMetricsBase
	mu      sync.Mutex
	results []string
}

func (m *dueCheckMetrics) RecordDueCheckTask(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
}

// 判定結果がタスクごとにメトリクスへ記録されることを検証
func TestDueChecker_RunOnce_RecordsMetrics(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockTaskRepo{tasks: []*model.ScheduledTask{
		scheduledTask("due", "09:00"),
		scheduledTask("later", "18:00"),
	}}
	m := &dueCheckMetrics{}

	checker := NewDueChecker(repo, &mockRunner{}, newTestLogger(&buf), m, time.Second)
	if _, err := checker.RunOnce(context.Background(), checkTime); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	got := strings.Join(m.results, ",")
	if got != "fired,delivered,skipped" {
		t.Errorf("メトリクスの記録順が一致しない: %s", got)
	}
}
