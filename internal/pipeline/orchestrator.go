package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/digestcast/internal/metrics"
	"github.com/hitoshi/digestcast/internal/model"
	"github.com/hitoshi/digestcast/internal/recovery"
	"github.com/hitoshi/digestcast/internal/synthesis"
)

// ステージ名
const (
	StageCollect           = "collect"
	StageTranslate         = "translate"
	StageScriptGeneration  = "script_generation"
	StageInterestRanking   = "interest_ranking"
	StageSentimentAnalysis = "sentiment_analysis"
	StageSynthesize        = "synthesize"
	StageEnrich            = "enrich"
	StageRender            = "render"
	StageDeliver           = "deliver"
)

// 添付ファイル名
const (
	AudioFilename    = "digest.mp3"
	DocumentFilename = "digest.html"
)

// ErrEmptyCollection は全ソースから記事を1件も取得できなかったことを示す。
var ErrEmptyCollection = errors.New("収集した記事が0件です")

// ReasonFallbackSilence は音声合成の一部が無音で代替されたことを示す劣化理由。
const ReasonFallbackSilence = "FALLBACK_SILENCE"

// recordTimeout は実行記録の保存に使う制限時間。
const recordTimeout = 5 * time.Second

// Deps はオーケストレーターが使う外部コンポーネント。
// Translator、Interests、Sentiment、Renderer、Recorderはnilでもよく、その場合は該当処理を省略する。
type Deps struct {
	Collector   Collector
	Translator  Translator
	Generator   Generator
	Interests   InterestSource
	Sentiment   SentimentAnalyzer
	Synthesizer Synthesizer
	Renderer    Renderer
	Deliverer   Deliverer
	Recorder    RunRecorder
	Recoverer   *recovery.Recoverer
}

// Outcome はパイプライン実行の終端結果。
type Outcome struct {
	RunID        string
	Status       model.RunStatus
	Reason       string // 失敗時のエラーコード
	Err          error
	Context      Context
	Degradations []Degradation
}

// APIError は失敗理由を利用者向けのエラーに変換する。成功時はnilを返す。
func (o Outcome) APIError() *model.APIError {
	if o.Status == model.RunStatusDelivered {
		return nil
	}
	var apiErr *model.APIError
	if errors.As(o.Err, &apiErr) {
		return apiErr
	}
	switch o.Reason {
	case model.ErrCodeEmptyCollection:
		return model.NewEmptyCollectionError()
	case model.ErrCodeDeliveryFailed:
		reason := "不明なエラー"
		if cause := errors.Unwrap(o.Err); cause != nil {
			reason = cause.Error()
		}
		return model.NewDeliveryFailedError(reason)
	default:
		return model.NewRunTimeoutError()
	}
}

// Orchestrator はダイジェスト生成の各ステージを方針表に従って実行する。
type Orchestrator struct {
	deps    Deps
	runner  *Runner
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time
	newID   func() string
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
func NewOrchestrator(deps Deps, logger *slog.Logger, m metrics.MetricsCollector) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Recoverer == nil {
		deps.Recoverer = recovery.NewRecoverer(logger)
	}
	return &Orchestrator{
		deps:    deps,
		runner:  NewRunner(logger, m),
		logger:  logger,
		metrics: m,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Steps はステージの実行順序と失敗時の方針を返す。
func (o *Orchestrator) Steps() []Step {
	return []Step{
		{{Name: StageCollect, Policy: Fatal, FatalCode: model.ErrCodeEmptyCollection, Run: o.collect}},
		{{Name: StageTranslate, Policy: Degrade, Run: o.translate}},
		{{Name: StageScriptGeneration, Policy: Degrade, Run: o.generateScript}},
		{
			{Name: StageInterestRanking, Policy: Degrade, Run: o.rankInterests},
			{Name: StageSentimentAnalysis, Policy: Degrade, Run: o.analyzeSentiment},
		},
		{{Name: StageSynthesize, Policy: Degrade, Run: o.synthesize}},
		{{Name: StageEnrich, Policy: Degrade, Run: o.enrich}},
		{{Name: StageRender, Policy: Degrade, Run: o.render}},
		{{Name: StageDeliver, Policy: Fatal, FatalCode: model.ErrCodeDeliveryFailed, Run: o.deliver}},
	}
}

// Run はリクエストに対してパイプラインを実行し、終端結果を返す。
// FATALのステージが失敗した場合のみStatusがfailedになる。
func (o *Orchestrator) Run(ctx context.Context, req model.DigestRequest) Outcome {
	start := o.now()
	if req.RequestedAt.IsZero() {
		req.RequestedAt = start
	}

	runID := o.newID()
	o.logger.Info("ダイジェスト生成を開始しました",
		slog.String("run_id", runID),
		slog.String("user_id", req.UserID),
		slog.Int("feed_count", len(req.FeedURLs)),
	)

	final, err := o.runner.Run(ctx, NewContext(runID, req), o.Steps())

	outcome := Outcome{
		RunID:        runID,
		Status:       model.RunStatusDelivered,
		Err:          err,
		Context:      final,
		Degradations: final.Degradations,
	}
	if err != nil {
		outcome.Status = model.RunStatusFailed
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			outcome.Reason = stageErr.Code
		}
	}

	duration := o.now().Sub(start)
	o.observe(outcome, duration)
	o.record(ctx, outcome, start)

	return outcome
}

func (o *Orchestrator) observe(outcome Outcome, duration time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordRun(string(outcome.Status))
		o.metrics.RecordRunDuration(duration)
		if outcome.Context.RecoveryTier != "" {
			o.metrics.RecordRecoveryTier(outcome.Context.RecoveryTier)
		}
	}

	attrs := []any{
		slog.String("run_id", outcome.RunID),
		slog.String("user_id", outcome.Context.Request.UserID),
		slog.String("status", string(outcome.Status)),
		slog.Int("item_count", len(outcome.Context.FinalItems())),
		slog.Int("real_chunks", outcome.Context.Audio.RealChunks),
		slog.Int("fallback_chunks", outcome.Context.Audio.FallbackChunks),
		slog.Int("degradations", len(outcome.Degradations)),
		slog.Duration("duration", duration),
	}
	if outcome.Status == model.RunStatusDelivered {
		o.logger.Info("ダイジェストを配信しました", attrs...)
		return
	}
	attrs = append(attrs, slog.String("reason", outcome.Reason))
	o.logger.Error("ダイジェスト生成が失敗しました", attrs...)
}

// record は実行記録を保存する。保存の失敗は実行結果に影響しない。
func (o *Orchestrator) record(ctx context.Context, outcome Outcome, start time.Time) {
	if o.deps.Recorder == nil {
		return
	}

	pc := outcome.Context
	rec := &model.RunRecord{
		ID:             outcome.RunID,
		UserID:         pc.Request.UserID,
		TaskID:         pc.Request.TaskID,
		Status:         outcome.Status,
		Reason:         outcome.Reason,
		ItemCount:      len(pc.FinalItems()),
		RealChunks:     pc.Audio.RealChunks,
		FallbackChunks: pc.Audio.FallbackChunks,
		Translated:     pc.Translated,
		HasDocument:    pc.HasDocument(),
		StartedAt:      start,
		FinishedAt:     o.now(),
	}

	// 実行の制限時間を超えた場合でも記録は残す
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := o.deps.Recorder.Create(recordCtx, rec); err != nil {
		o.logger.Error("実行記録の保存に失敗しました",
			slog.String("run_id", outcome.RunID),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) collect(ctx context.Context, pc Context) (Update, error) {
	items, err := o.deps.Collector.Collect(ctx, pc.Request.FeedURLs)
	if err != nil {
		return nil, fmt.Errorf("記事の収集に失敗しました: %w", err)
	}

	items = Dedup(items)
	if len(items) == 0 {
		return nil, ErrEmptyCollection
	}

	return func(c Context) Context {
		return c.WithRawItems(items, false)
	}, nil
}

// translate は記事のタイトルと説明文を翻訳する。
// 翻訳先の言語が指定されていない場合は何もしない。
func (o *Orchestrator) translate(ctx context.Context, pc Context) (Update, error) {
	target := pc.Request.Language
	if o.deps.Translator == nil || target == "" {
		return nil, nil
	}

	texts := make([]string, 0, len(pc.RawItems)*2)
	for _, item := range pc.RawItems {
		texts = append(texts, item.Title, item.Description)
	}

	translated, err := o.deps.Translator.Translate(ctx, texts, target)
	if err != nil {
		return nil, fmt.Errorf("翻訳に失敗したため原文のまま続行します: %w", err)
	}
	if len(translated) != len(texts) {
		return nil, fmt.Errorf("翻訳結果の件数が一致しません: got %d, want %d", len(translated), len(texts))
	}

	items := make([]model.RawSourceItem, len(pc.RawItems))
	for i, item := range pc.RawItems {
		item.Title = translated[i*2]
		item.Description = translated[i*2+1]
		items[i] = item
	}

	return func(c Context) Context {
		return c.WithRawItems(items, true)
	}, nil
}

// generateScript は生成サービスの応答から記事を復元し、ナレーション原稿を組み立てる。
// 生成サービスが失敗した場合や記事を復元できなかった場合は、収集した記事から直接組み立てる。
func (o *Orchestrator) generateScript(ctx context.Context, pc Context) (Update, error) {
	fallback := func(tier string) Update {
		items := ItemsFromRaw(pc.RawItems)
		return func(c Context) Context {
			return c.WithScript(items, tier, BuildScript(items))
		}
	}

	raw, err := o.deps.Generator.Generate(ctx, pc.RawItems, pc.Request.Interests)
	if err != nil {
		return fallback(recovery.TierNone), fmt.Errorf("生成サービスの呼び出しに失敗しました: %w", err)
	}

	result := o.deps.Recoverer.Recover(raw)
	if len(result.Items) == 0 {
		return fallback(result.Tier), fmt.Errorf("%s: 生成サービスの応答から記事を復元できませんでした", model.ConditionRecoveryDegraded)
	}

	return func(c Context) Context {
		c = c.WithScript(result.Items, result.Tier, BuildScript(result.Items))
		if result.Degraded {
			c = c.WithDegradation(Degradation{
				Stage:  StageScriptGeneration,
				Reason: model.ConditionRecoveryDegraded + ": " + result.Tier,
			})
		}
		return c
	}, nil
}

func (o *Orchestrator) rankInterests(ctx context.Context, pc Context) (Update, error) {
	interests := pc.Request.Interests
	if len(interests) == 0 && o.deps.Interests != nil {
		loaded, err := o.deps.Interests.Interests(ctx, pc.Request.UserID)
		if err != nil {
			return nil, fmt.Errorf("関心トピックの取得に失敗しました: %w", err)
		}
		interests = loaded
	}

	ranks := RankByInterests(pc.Items, interests)
	return func(c Context) Context {
		return c.WithRankings(ranks)
	}, nil
}

func (o *Orchestrator) analyzeSentiment(ctx context.Context, pc Context) (Update, error) {
	if o.deps.Sentiment == nil || len(pc.Items) == 0 {
		return nil, nil
	}

	texts := make([]string, len(pc.Items))
	for i, item := range pc.Items {
		texts[i] = item.Title + "\n" + item.Summary
	}

	results, err := o.deps.Sentiment.Analyze(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("感情分析に失敗しました: %w", err)
	}
	if len(results) != len(texts) {
		return nil, fmt.Errorf("感情分析の結果件数が一致しません: got %d, want %d", len(results), len(texts))
	}

	return func(c Context) Context {
		return c.WithSentiments(results)
	}, nil
}

// synthesize はナレーション原稿を音声に変換する。
// 言語ヒントは翻訳した場合は翻訳先の言語、翻訳していない場合は原稿の文字種から推定した言語とする。
// 一部のチャンクが無音で代替された場合は劣化として記録する。
func (o *Orchestrator) synthesize(ctx context.Context, pc Context) (Update, error) {
	hint := synthesis.DetectLanguage(pc.Script)
	if pc.Translated {
		hint = pc.Request.Language
	}

	res, err := o.deps.Synthesizer.Synthesize(ctx, pc.Script, hint)
	if err != nil {
		return nil, fmt.Errorf("音声合成に失敗しました: %w", err)
	}

	return func(c Context) Context {
		c = c.WithAudio(Audio{
			Bytes:          res.Audio,
			RealChunks:     res.RealChunks,
			FallbackChunks: res.FallbackChunks,
		})
		if res.FallbackChunks > 0 {
			c = c.WithDegradation(Degradation{
				Stage:  StageSynthesize,
				Reason: fmt.Sprintf("%s: %d/%d", ReasonFallbackSilence, res.FallbackChunks, res.RealChunks+res.FallbackChunks),
			})
		}
		return c
	}, nil
}

func (o *Orchestrator) enrich(_ context.Context, pc Context) (Update, error) {
	items := Enrich(pc.Items, pc.Sentiments, pc.Rankings)
	return func(c Context) Context {
		return c.WithEnriched(items)
	}, nil
}

func (o *Orchestrator) render(ctx context.Context, pc Context) (Update, error) {
	if o.deps.Renderer == nil {
		return nil, nil
	}

	doc, err := o.deps.Renderer.Render(ctx, pc.DigestDocument())
	if err != nil {
		return nil, fmt.Errorf("文書の生成に失敗したため添付せずに配信します: %w", err)
	}
	if len(doc) == 0 {
		return nil, errors.New("文書の生成結果が空のため添付せずに配信します")
	}

	return func(c Context) Context {
		return c.WithDocument(doc)
	}, nil
}

func (o *Orchestrator) deliver(ctx context.Context, pc Context) (Update, error) {
	var attachments []model.Attachment
	if len(pc.Audio.Bytes) > 0 {
		attachments = append(attachments, model.Attachment{
			Filename:    AudioFilename,
			ContentType: "audio/mpeg",
			Data:        pc.Audio.Bytes,
		})
	}
	if pc.HasDocument() {
		attachments = append(attachments, model.Attachment{
			Filename:    DocumentFilename,
			ContentType: "text/html; charset=utf-8",
			Data:        pc.Document,
		})
	}

	if err := o.deps.Deliverer.Deliver(ctx, pc.Request.Recipient, pc.DigestDocument(), attachments); err != nil {
		return nil, fmt.Errorf("ダイジェストの配信に失敗しました: %w", err)
	}

	return func(c Context) Context {
		return c.WithDelivered()
	}, nil
}
