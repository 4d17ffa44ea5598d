// Package pipeline はダイジェスト生成の各ステージを順に実行するオーケストレーターを提供する。
// ステージの失敗は方針表に従って致命的（FATAL）か劣化継続（DEGRADED）かに振り分けられ、
// FATALのみが実行結果の失敗として呼び出し元に返る。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hitoshi/digestcast/internal/metrics"
	"github.com/hitoshi/digestcast/internal/model"
)

// Policy はステージ失敗時の扱いを表す。
type Policy int

const (
	// Degrade は失敗を記録して次のステージに進む。
	Degrade Policy = iota
	// Fatal は実行を中断する。
	Fatal
)

// Update はステージの結果をコンテキストに反映する関数。
type Update func(Context) Context

// StageFunc はステージ本体。
// 入力コンテキストは読み取り専用で、結果はUpdateとして返す。
// 劣化継続するステージはエラーと同時に代替結果のUpdateを返してよい。
type StageFunc func(ctx context.Context, pc Context) (Update, error)

// Stage はパイプラインの1ステージ。
type Stage struct {
	Name      string
	Policy    Policy
	FatalCode string // Policy=Fatalの場合の失敗理由コード
	Run       StageFunc
}

// Step は同時に実行するステージの組。
// 2つ以上のステージを含む場合は並行実行し、全ての完了を待ってから宣言順に結果を反映する。
type Step []Stage

// StageError はFATALで中断したステージの情報。
type StageError struct {
	Stage string
	Code  string
	Err   error
}

// Error はerrorインターフェースを実装する。
func (e *StageError) Error() string {
	return fmt.Sprintf("ステージ %s が失敗しました [%s]: %v", e.Stage, e.Code, e.Err)
}

// Unwrap は原因となったエラーを返す。
func (e *StageError) Unwrap() error {
	return e.Err
}

// Runner はステップを順に実行し、失敗時の方針を適用する。
type Runner struct {
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewRunner はRunnerの新しいインスタンスを生成する。
func NewRunner(logger *slog.Logger, m metrics.MetricsCollector) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger, metrics: m}
}

type stageResult struct {
	update Update
	err    error
}

// Run はステップを順に実行し、最終的なコンテキストを返す。
// FATALのステージが失敗した場合、またはコンテキストが終了した場合は*StageErrorを返す。
func (r *Runner) Run(ctx context.Context, pc Context, steps []Step) (Context, error) {
	for _, step := range steps {
		if len(step) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return pc, &StageError{Stage: stepName(step), Code: model.ErrCodeRunTimeout, Err: err}
		}

		results := r.runStep(ctx, pc, step)

		for i, s := range step {
			next, err := r.apply(pc, s, results[i])
			if err != nil {
				return pc, err
			}
			pc = next
		}
	}
	return pc, nil
}

// runStep はステップ内のステージを実行する。
// 並行実行するステージには同じ入力コンテキストを渡す。
func (r *Runner) runStep(ctx context.Context, pc Context, step Step) []stageResult {
	results := make([]stageResult, len(step))
	if len(step) == 1 {
		results[0] = r.runStage(ctx, step[0], pc)
		return results
	}

	var wg sync.WaitGroup
	for i, s := range step {
		wg.Add(1)
		go func(i int, s Stage) {
			defer wg.Done()
			results[i] = r.runStage(ctx, s, pc)
		}(i, s)
	}
	wg.Wait()
	return results
}

// runStage はステージを実行する。ステージ内のpanicはエラーとして扱う。
func (r *Runner) runStage(ctx context.Context, s Stage, pc Context) (res stageResult) {
	defer func() {
		if p := recover(); p != nil {
			res = stageResult{err: fmt.Errorf("ステージ %s でpanicが発生しました: %v", s.Name, p)}
		}
	}()
	update, err := s.Run(ctx, pc)
	return stageResult{update: update, err: err}
}

// apply はステージの結果を方針に従ってコンテキストに反映する。
func (r *Runner) apply(pc Context, s Stage, res stageResult) (Context, error) {
	if res.err == nil {
		if res.update != nil {
			pc = res.update(pc)
		}
		return pc, nil
	}

	if s.Policy == Fatal {
		code := s.FatalCode
		var apiErr *model.APIError
		if errors.As(res.err, &apiErr) {
			code = apiErr.Code
		}
		r.logger.Error("ステージが失敗したため実行を中断しました",
			slog.String("run_id", pc.RunID),
			slog.String("stage", s.Name),
			slog.String("code", code),
			slog.String("error", res.err.Error()),
		)
		return pc, &StageError{Stage: s.Name, Code: code, Err: res.err}
	}

	r.logger.Warn("ステージが失敗しましたが処理を継続します",
		slog.String("run_id", pc.RunID),
		slog.String("stage", s.Name),
		slog.String("error", res.err.Error()),
	)
	if r.metrics != nil {
		r.metrics.RecordStageDegraded(s.Name)
	}

	pc = pc.WithDegradation(Degradation{Stage: s.Name, Reason: res.err.Error()})
	if res.update != nil {
		pc = res.update(pc)
	}
	return pc, nil
}

func stepName(step Step) string {
	names := make([]string, len(step))
	for i, s := range step {
		names[i] = s.Name
	}
	return strings.Join(names, "+")
}
