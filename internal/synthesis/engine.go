// Package synthesis はナレーションテキストの音声合成を提供する。
// テキストのチャンク分割、複数バックエンドへのリトライ、音声データの検証、
// 全バックエンド失敗時の無音差し込みを含む。
package synthesis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/digestcast/internal/metrics"
	"github.com/hitoshi/digestcast/internal/model"
)

// ErrEmptyText はナレーションテキストが空であることを示す。
// 合成エンジンが呼び出し元に返す唯一のエラー。
var ErrEmptyText = errors.New("ナレーションテキストが空です")

// errAttemptTimeout は試行ごとの制限時間を超えたことを示す。
var errAttemptTimeout = errors.New("音声合成の試行が制限時間を超えました")

// Config は合成エンジンの設定。
type Config struct {
	ChunkSize      int           // 1チャンクの最大文字数
	MaxAttempts    int           // 1バックエンドあたりの最大試行回数
	BackoffBase    time.Duration // 一時的な失敗時のバックオフ基準値
	AttemptTimeout time.Duration // 1回の試行の制限時間
	MinPayloadSize int           // 正常な音声とみなす最小バイト数
}

// DefaultConfig は既定の設定を返す。
func DefaultConfig() Config {
	return Config{
		ChunkSize:      DefaultChunkSize,
		MaxAttempts:    3,
		BackoffBase:    500 * time.Millisecond,
		AttemptTimeout: 10 * time.Second,
		MinPayloadSize: DefaultMinPayloadSize,
	}
}

// Result は合成結果を表す。Audioは全チャンクの音声を元の順序で連結したもの。
type Result struct {
	Audio          []byte
	Outcomes       []model.SynthesisOutcome
	RealChunks     int
	FallbackChunks int
}

// Engine は優先順位付きのバックエンドでチャンクを順に合成する。
// チャンクは常に逐次処理され、並行には処理しない。
type Engine struct {
	backends []Backend
	cfg      Config
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
	sleep    func(ctx context.Context, d time.Duration) error // テスト用に差し替え可能
}

// NewEngine はEngineの新しいインスタンスを生成する。
// cfgの0値の項目には既定値を使用する。metricsはnilでもよい。
func NewEngine(backends []Backend, cfg Config, logger *slog.Logger, m metrics.MetricsCollector) *Engine {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.MinPayloadSize <= 0 {
		cfg.MinPayloadSize = def.MinPayloadSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		backends: backends,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		sleep:    sleepContext,
	}
}

// Synthesize はテキストを音声に変換する。
// 空のテキストにはErrEmptyTextを返す。それ以外では失敗せず、
// 合成できなかったチャンクには同じ長さ相当の無音を差し込む。
func (e *Engine) Synthesize(ctx context.Context, text, languageHint string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyText
	}

	lang := NormalizeLanguage(languageHint)
	texts := SplitText(text, e.cfg.ChunkSize)

	result := Result{Outcomes: make([]model.SynthesisOutcome, 0, len(texts))}
	for i, t := range texts {
		outcome := e.synthesizeChunk(ctx, model.NarrationChunk{Index: i, Text: t}, lang)
		result.Outcomes = append(result.Outcomes, outcome)
		result.Audio = append(result.Audio, outcome.Bytes...)
		if outcome.Kind == model.OutcomeReal {
			result.RealChunks++
		} else {
			result.FallbackChunks++
		}
		if e.metrics != nil {
			e.metrics.RecordSynthesisChunk(string(outcome.Kind))
		}
	}

	e.logger.Info("音声合成が完了しました",
		slog.Int("chunk_count", len(texts)),
		slog.Int("real_chunks", result.RealChunks),
		slog.Int("fallback_chunks", result.FallbackChunks),
		slog.String("language", lang),
	)

	return result, nil
}

// synthesizeChunk は1チャンクをバックエンドの優先順に試し、全て失敗した場合は無音を返す。
func (e *Engine) synthesizeChunk(ctx context.Context, chunk model.NarrationChunk, lang string) model.SynthesisOutcome {
	chars := utf8.RuneCountInString(chunk.Text)

	for _, b := range e.backends {
		if data, ok := e.tryBackend(ctx, b, chunk, lang); ok {
			return model.SynthesisOutcome{
				Index:          chunk.Index,
				Kind:           model.OutcomeReal,
				Bytes:          data,
				DurationHintMs: chars * msPerChar,
				Backend:        b.Name(),
			}
		}
	}

	e.logger.Warn("全ての音声合成バックエンドが失敗したため無音を差し込みます",
		slog.Int("chunk_index", chunk.Index),
		slog.Int("chars", chars),
	)
	data, durationMs := silence(chars, e.cfg.MinPayloadSize)
	return model.SynthesisOutcome{
		Index:          chunk.Index,
		Kind:           model.OutcomeFallbackSilence,
		Bytes:          data,
		DurationHintMs: durationMs,
	}
}

// tryBackend は1つのバックエンドで最大MaxAttempts回試行する。
// 一時的な失敗（429/503/試行タイムアウト）はbase×2^attempt待って再試行し、
// それ以外の失敗と不正な音声データは直ちに諦める。
func (e *Engine) tryBackend(ctx context.Context, b Backend, chunk model.NarrationChunk, lang string) ([]byte, bool) {
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		data, err := e.callWithTimeout(ctx, b, chunk.Text, lang)
		if err == nil {
			if verr := ValidatePayload(data, e.cfg.MinPayloadSize); verr != nil {
				e.logger.Warn("音声合成サービスが不正な音声データを返しました",
					slog.String("backend", b.Name()),
					slog.Int("chunk_index", chunk.Index),
					slog.Int("size", len(data)),
					slog.String("error", verr.Error()),
				)
				e.recordAttempt(b.Name(), "invalid_payload")
				return nil, false
			}
			e.recordAttempt(b.Name(), attemptOK.String())
			return data, true
		}

		var se *StatusError
		if errors.As(err, &se) && e.metrics != nil {
			e.metrics.RecordHTTPStatus(se.Code)
		}

		result := classifyError(err, errors.Is(err, errAttemptTimeout))
		e.recordAttempt(b.Name(), result.String())
		if result != attemptRetry {
			e.logger.Warn("音声合成に失敗したため次のバックエンドに切り替えます",
				slog.String("backend", b.Name()),
				slog.Int("chunk_index", chunk.Index),
				slog.String("error", err.Error()),
			)
			return nil, false
		}

		if attempt == e.cfg.MaxAttempts-1 {
			break
		}
		delay := CalculateBackoff(e.cfg.BackoffBase, attempt)
		e.logger.Info("音声合成が一時的に失敗したため再試行します",
			slog.String("backend", b.Name()),
			slog.Int("chunk_index", chunk.Index),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		if err := e.sleep(ctx, delay); err != nil {
			return nil, false
		}
	}

	e.logger.Warn("音声合成の再試行回数が上限に達しました",
		slog.String("backend", b.Name()),
		slog.Int("chunk_index", chunk.Index),
		slog.Int("max_attempts", e.cfg.MaxAttempts),
	)
	return nil, false
}

// callWithTimeout はAttemptTimeoutを上限としてバックエンドを呼び出す。
// バックエンドがコンテキストを無視した場合でも制限時間で打ち切る。
func (e *Engine) callWithTimeout(ctx context.Context, b Backend, text, lang string) ([]byte, error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	type reply struct {
		data []byte
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		data, err := b.Synthesize(actx, text, lang)
		ch <- reply{data: data, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, errAttemptTimeout
		}
		return r.data, r.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errAttemptTimeout
	}
}

func (e *Engine) recordAttempt(backend, result string) {
	if e.metrics != nil {
		e.metrics.RecordSynthesisAttempt(backend, result)
	}
}

// sleepContext はdの間待機する。コンテキストがキャンセルされた場合は即座に戻る。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
