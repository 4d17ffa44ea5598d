package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/digestcast/internal/model"
	"github.com/hitoshi/digestcast/internal/recovery"
	"github.com/hitoshi/digestcast/internal/synthesis"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// --- テスト用モック ---

type mockCollector struct {
	items []model.RawSourceItem
	err   error
	feeds []string
}

func (m *mockCollector) Collect(_ context.Context, feedURLs []string) ([]model.RawSourceItem, error) {
	m.feeds = feedURLs
	return m.items, m.err
}

type mockTranslator struct {
	err    error
	called bool
}

func (m *mockTranslator) Translate(_ context.Context, texts []string, target string) ([]string, error) {
	m.called = true
	if m.err != nil {
		return nil, m.err
	}
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = "[" + target + "] " + t
	}
	return out, nil
}

type mockGenerator struct {
	response string
	err      error
	received []model.RawSourceItem
}

func (m *mockGenerator) Generate(_ context.Context, items []model.RawSourceItem, _ []string) (string, error) {
	m.received = items
	return m.response, m.err
}

type mockSentiment struct {
	label model.Sentiment
	err   error
}

func (m *mockSentiment) Analyze(_ context.Context, texts []string) ([]model.SentimentResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	results := make([]model.SentimentResult, len(texts))
	for i := range texts {
		results[i] = model.SentimentResult{Label: m.label, Score: 0.8, Available: true}
	}
	return results, nil
}

type mockInterests struct {
	interests []string
	err       error
}

func (m *mockInterests) Interests(_ context.Context, _ string) ([]string, error) {
	return m.interests, m.err
}

// mockSynthesizer は固定の合成結果を返す。
type mockSynthesizer struct {
	result synthesis.Result
	err    error
	hint   string
}

func (m *mockSynthesizer) Synthesize(_ context.Context, _ string, hint string) (synthesis.Result, error) {
	m.hint = hint
	return m.result, m.err
}

type mockRenderer struct {
	doc []byte
	err error
}

func (m *mockRenderer) Render(_ context.Context, _ model.DigestDocument) ([]byte, error) {
	return m.doc, m.err
}

type deliveryCall struct {
	recipient   string
	doc         model.DigestDocument
	attachments []model.Attachment
}

type mockDeliverer struct {
	mu    sync.Mutex
	calls []deliveryCall
	err   error
}

func (m *mockDeliverer) Deliver(_ context.Context, recipient string, doc model.DigestDocument, attachments []model.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, deliveryCall{recipient: recipient, doc: doc, attachments: attachments})
	return m.err
}

type mockRecorder struct {
	records []*model.RunRecord
}

func (m *mockRecorder) Create(_ context.Context, rec *model.RunRecord) error {
	m.records = append(m.records, rec)
	return nil
}

// flakyBackend は最初のfailures回は503を返し、以降は有効な音声を返す。
type flakyBackend struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (b *flakyBackend) Name() string { return "flaky" }

func (b *flakyBackend) Synthesize(_ context.Context, _, _ string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.failures {
		return nil, &synthesis.StatusError{Backend: "flaky", Code: 503}
	}
	data := bytes.Repeat([]byte{0x00}, 512)
	copy(data, "ID3")
	return data, nil
}

func threeRawItems() []model.RawSourceItem {
	return []model.RawSourceItem{
		{Title: "Go 1.25 released", Link: "https://example.com/a", Description: "New release of Go."},
		{Title: "Rust in the kernel", Link: "https://example.com/b", Description: "Kernel adopts Rust."},
		{Title: "Postgres tuning", Link: "https://example.com/c", Description: "Index tips."},
	}
}

// 要約フィールドにエスケープされていない引用符を1つ含む生成サービスの応答
const responseWithStrayQuote = `Here is your digest:
{"items": [
  {"title": "Go 1.25 released", "summary": "The team calls it "the best" release yet", "sentiment": "positive", "sentimentScore": 0.9},
  {"title": "Rust in the kernel", "summary": "More drivers move to Rust", "sentiment": "neutral", "sentimentScore": 0.5},
  {"title": "Postgres tuning", "summary": "Index tips for large tables", "sentiment": "neutral", "sentimentScore": 0.5}
]}`

type testDeps struct {
	collector  *mockCollector
	generator  *mockGenerator
	deliverer  *mockDeliverer
	renderer   *mockRenderer
	recorder   *mockRecorder
	sentiment  *mockSentiment
	translator *mockTranslator
}

func newTestDeps() *testDeps {
	return &testDeps{
		collector:  &mockCollector{items: threeRawItems()},
		generator:  &mockGenerator{response: responseWithStrayQuote},
		deliverer:  &mockDeliverer{},
		renderer:   &mockRenderer{doc: []byte("<html>digest</html>")},
		recorder:   &mockRecorder{},
		sentiment:  &mockSentiment{label: model.SentimentPositive},
		translator: &mockTranslator{},
	}
}

func (d *testDeps) build(synth Synthesizer, logger *slog.Logger) *Orchestrator {
	return NewOrchestrator(Deps{
		Collector:   d.collector,
		Translator:  d.translator,
		Generator:   d.generator,
		Sentiment:   d.sentiment,
		Synthesizer: synth,
		Renderer:    d.renderer,
		Deliverer:   d.deliverer,
		Recorder:    d.recorder,
		Recoverer:   recovery.NewRecoverer(logger),
	}, logger, nil)
}

func realAudio() *mockSynthesizer {
	audio := bytes.Repeat([]byte{0x00}, 512)
	copy(audio, "ID3")
	return &mockSynthesizer{result: synthesis.Result{Audio: audio, RealChunks: 1}}
}

// 3件の記事、引用符が壊れた生成応答、2回失敗してから成功する合成バックエンドで配信まで完了することを検証
func TestOrchestrator_EndToEnd_DeliveredDespiteFaults(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	deps := newTestDeps()

	backend := &flakyBackend{failures: 2}
	engine := synthesis.NewEngine([]synthesis.Backend{backend}, synthesis.Config{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	}, logger, nil)

	orch := deps.build(engine, logger)
	outcome := orch.Run(context.Background(), model.DigestRequest{
		UserID:    "user-1",
		Recipient: "user@example.com",
		Interests: []string{"Go"},
	})

	if outcome.Status != model.RunStatusDelivered {
		t.Fatalf("配信完了になるべき, got %s (reason=%s, err=%v)", outcome.Status, outcome.Reason, outcome.Err)
	}
	if got := len(outcome.Context.Enriched); got != 3 {
		t.Errorf("エンリッチ済み記事は3件であるべき, got %d", got)
	}
	if outcome.Context.Audio.FallbackChunks != 0 {
		t.Errorf("無音の代替は発生しないべき, got %d", outcome.Context.Audio.FallbackChunks)
	}
	if outcome.Context.Audio.RealChunks == 0 {
		t.Error("合成された音声チャンクがあるべき")
	}
	if !outcome.Context.HasDocument() {
		t.Error("レンダリング結果があるべき")
	}
	if outcome.Context.RecoveryTier != "repair" {
		t.Errorf("修復段階で復元されるべき, got %s", outcome.Context.RecoveryTier)
	}
	if backend.calls < 3 {
		t.Errorf("バックエンドは再試行されるべき, calls=%d", backend.calls)
	}

	if len(deps.deliverer.calls) != 1 {
		t.Fatalf("配信は1回行われるべき, got %d", len(deps.deliverer.calls))
	}
	call := deps.deliverer.calls[0]
	if call.recipient != "user@example.com" {
		t.Errorf("宛先が一致しない: %s", call.recipient)
	}
	names := make([]string, 0, len(call.attachments))
	for _, a := range call.attachments {
		names = append(names, a.Filename)
	}
	if strings.Join(names, ",") != AudioFilename+","+DocumentFilename {
		t.Errorf("音声と文書が添付されるべき, got %v", names)
	}
	if call.doc.Items[0].Title != "Go 1.25 released" {
		t.Errorf("関心トピックに一致する記事が先頭になるべき, got %s", call.doc.Items[0].Title)
	}
	if !strings.Contains(call.doc.Items[0].Summary, `"the best"`) {
		t.Errorf("引用符を含む要約が保持されるべき, got %s", call.doc.Items[0].Summary)
	}

	if len(deps.recorder.records) != 1 || deps.recorder.records[0].Status != model.RunStatusDelivered {
		t.Error("配信完了の実行記録が保存されるべき")
	}
}

// 全ソースから0件の場合にEMPTY_COLLECTIONで失敗し配信しないことを検証
func TestOrchestrator_EmptyCollection_FailsWithoutDelivery(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	deps := newTestDeps()
	deps.collector.items = nil

	orch := deps.build(realAudio(), logger)
	outcome := orch.Run(context.Background(), model.DigestRequest{UserID: "user-1", Recipient: "user@example.com"})

	if outcome.Status != model.RunStatusFailed {
		t.Fatalf("失敗になるべき, got %s", outcome.Status)
	}
	if outcome.Reason != model.ErrCodeEmptyCollection {
		t.Errorf("理由はEMPTY_COLLECTIONであるべき, got %s", outcome.Reason)
	}
	if !errors.Is(outcome.Err, ErrEmptyCollection) {
		t.Errorf("ErrEmptyCollectionがラップされるべき, got %v", outcome.Err)
	}
	if len(deps.deliverer.calls) != 0 {
		t.Error("配信は行われないべき")
	}
	if apiErr := outcome.APIError(); apiErr == nil || apiErr.Code != model.ErrCodeEmptyCollection {
		t.Errorf("APIErrorのコードが一致しない: %v", apiErr)
	}
	if len(deps.recorder.records) != 1 || deps.recorder.records[0].Reason != model.ErrCodeEmptyCollection {
		t.Error("失敗の実行記録が保存されるべき")
	}
}

// 重複する記事が生成サービスに渡る前に除去されることを検証
func TestOrchestrator_DeduplicatesBeforeGeneration(t *testing.T) {
	var buf bytes.Buffer
	deps := newTestDeps()
	deps.collector.items = append(threeRawItems(), model.RawSourceItem{Title: "dup", Link: "https://example.com/a"})

	orch := deps.build(realAudio(), newTestLogger(&buf))
	orch.Run(context.Background(), model.DigestRequest{UserID: "u", Recipient: "r@example.com"})

	if len(deps.generator.received) != 3 {
		t.Errorf("重複除去後の3件が渡るべき, got %d", len(deps.generator.received))
	}
}

// 配信失敗がDELIVERY_FAILEDの失敗になることを検証
func TestOrchestrator_DeliveryFailureIsFatal(t *testing.T) {
	var buf bytes.Buffer
	deps := newTestDeps()
	deps.deliverer.err = errors.New("smtp: connection refused")

	orch := deps.build(realAudio(), newTestLogger(&buf))
	outcome := orch.Run(context.Background(), model.DigestRequest{UserID: "u", Recipient: "r@example.com"})

	if outcome.Status != model.RunStatusFailed || outcome.Reason != model.ErrCodeDeliveryFailed {
		t.Fatalf("DELIVERY_FAILEDで失敗するべき, got %s/%s", outcome.Status, outcome.Reason)
	}
	apiErr := outcome.APIError()
	if apiErr == nil || !strings.Contains(apiErr.Message, "connection refused") {
		t.Errorf("原因がメッセージに含まれるべき: %v", apiErr)
	}
}

// レンダリング失敗時に文書なしで配信され成功扱いになることを検証
func TestOrchestrator_RenderFailureDegrades(t *testing.T) {
	var buf bytes.Buffer
	deps := newTestDeps()
	deps.renderer.err = errors.New("template error")

	orch := deps.build(realAudio(), newTestLogger(&buf))
	outcome := orch.Run(context.Background(), model.DigestRequest{UserID: "u", Recipient: "r@example.com"})

	if outcome.Status != model.RunStatusDelivered {
		t.Fatalf("配信完了になるべき, got %s", outcome.Status)
	}
	if outcome.Context.HasDocument() {
		t.Error("文書は存在しないべき")
	}
	if !hasDegradation(outcome, StageRender) {
		t.Error("レンダリングの劣化が記録されるべき")
	}
	for _, a := range deps.deliverer.calls[0].attachments {
		if a.Filename == DocumentFilename {
			t.Error("文書は添付されないべき")
		}
	}
}

// 翻訳の割り当て超過時に原文のまま継続することを検証
func TestOrchestrator_TranslateQuotaDegrades(t *testing.T) {
	var buf bytes.Buffer
	deps := newTestDeps()
	deps.translator.err = errors.New("quota exceeded")

	synth := realAudio()
	orch := deps.build(synth, newTestLogger(&buf))
	outcome := orch.Run(context.Background(), model.DigestRequest{UserID: "u", Recipient: "r@example.com", Language: "ja"})

	if outcome.Status != model.RunStatusDelivered {
		t.Fatalf("配信完了になるべき, got %s", outcome.Status)
	}
	if outcome.Context.Translated {
		t.Error("翻訳済みにならないべき")
	}
	if !hasDegradation(outcome, StageTranslate) {
		t.Error("翻訳の劣化が記録されるべき")
	}
	if deps.generator.received[0].Title != "Go 1.25 released" {
		t.Errorf("原文が生成サービスに渡るべき, got %s", deps.generator.received[0].Title)
	}
	if synth.hint != "" {
		t.Errorf("未翻訳の場合は言語ヒントを渡さないべき, got %q", synth.hint)
	}
}

// 翻訳できなかった日本語の記事は日本語の言語ヒントで合成されることを検証
func TestOrchestrator_UntranslatedJapaneseUsesDetectedLanguage(t *testing.T) {
	var buf bytes.Buffer
	deps := newTestDeps()
	deps.translator.err = errors.New("quota exceeded")
	deps.collector.items = []model.RawSourceItem{
		{Title: "Go 1.25がリリース", Link: "https://example.jp/a", Description: "新しいリリースです。"},
	}
	deps.generator.response = `{"items":[{"title":"Go 1.25がリリース","summary":"新しいリリースです。","sentiment":"positive","sentimentScore":0.8}]}`

	synth := realAudio()
	orch := deps.build(synth, newTestLogger(&buf))
	outcome := orch.Run(context.Background(), model.DigestRequest{UserID: "u", Recipient: "r@example.com", Language: "en"})

	if outcome.Status != model.RunStatusDelivered {
		t.Fatalf("配信完了になるべき, got %s", outcome.Status)
	}
	if outcome.Context.Translated {
		t.Error("翻訳済みにならないべき")
	}
	if synth.hint != "ja" {
		t.Errorf("原稿の言語が言語ヒントになるべき, got %q", synth.hint)
	}
}

// 翻訳が成功した場合は翻訳後の記事と言語ヒントが使われることを検証
func TestOrchestrator_TranslateSucceeds(t *testing.T) {
	var buf bytes.Buffer
	deps := newTestDeps()

	synth := realAudio()
	orch := deps.build(synth, newTestLogger(&buf))
	outcome := orch.Run(context.Background(), model.DigestRequest{UserID: "u", Recipient: "r@example.com", Language: "ja"})

	if !outcome.Context.Translated {
		t.Error("翻訳済みになるべき")
	}
	if !strings.HasPrefix(deps.generator.received[0].Title, "[ja] ") {
		t.Errorf("翻訳後の記事が生成サービスに渡るべき, got %s", deps.generator.received[0].Title)
	}
	if synth.hint != "ja" {
		t.Errorf("言語ヒントはjaであるべき, got %q", synth.hint)
	}
}

// 生成サービスの失敗時に収集した記事から原稿を作ることを検証
func TestOrchestrator_GeneratorFailureFallsBackToRawItems(t *testing.T) {
	var buf bytes.Buffer
	deps := newTestDeps()
	deps.generator.err = errors.New("upstream 500")

	orch := deps.build(realAudio(), newTestLogger(&buf))
	outcome := orch.Run(context.Background(), model.DigestRequest{UserID: "u", Recipient: "r@example.com"})

	if outcome.Status != model.RunStatusDelivered {
		t.Fatalf("配信完了になるべき, got %s", outcome.Status)
	}
	if len(outcome.Context.Items) != 3 {
		t.Errorf("収集した3件から記事を作るべき, got %d", len(outcome.Context.Items))
	}
	if outcome.Context.Items[0].Summary != "New release of Go." {
		t.Errorf("説明文が要約になるべき, got %s", outcome.Context.Items[0].Summary)
	}
	if !strings.Contains(outcome.Context.Script, "Go 1.25 released.") {
		t.Errorf("原稿にタイトルが含まれるべき: %s", outcome.Context.Script)
	}
	if !hasDegradation(outcome, StageScriptGeneration) {
		t.Error("原稿生成の劣化が記録されるべき")
	}
}

// 無音で代替されたチャンクがある場合も成功扱いで劣化が記録されることを検証
func TestOrchestrator_FallbackSilenceRecordedAsDegradation(t *testing.T) {
	var buf bytes.Buffer
	deps := newTestDeps()
	synth := &mockSynthesizer{result: synthesis.Result{
		Audio:          synthesis.Silence(100),
		RealChunks:     1,
		FallbackChunks: 2,
	}}

	orch := deps.build(synth, newTestLogger(&buf))
	outcome := orch.Run(context.Background(), model.DigestRequest{UserID: "u", Recipient: "r@example.com"})

	if outcome.Status != model.RunStatusDelivered {
		t.Fatalf("配信完了になるべき, got %s", outcome.Status)
	}
	if !hasDegradation(outcome, StageSynthesize) {
		t.Error("音声合成の劣化が記録されるべき")
	}
	if got := deps.deliverer.calls[0].doc.FallbackChunks; got != 2 {
		t.Errorf("配信内容に無音チャンク数が含まれるべき, got %d", got)
	}
}

// 感情分析の失敗時に復元時の感情がそのまま使われることを検証
func TestOrchestrator_SentimentFailureKeepsRecoveredValues(t *testing.T) {
	var buf bytes.Buffer
	deps := newTestDeps()
	deps.sentiment.err = errors.New("timeout")

	orch := deps.build(realAudio(), newTestLogger(&buf))
	outcome := orch.Run(context.Background(), model.DigestRequest{UserID: "u", Recipient: "r@example.com"})

	if outcome.Status != model.RunStatusDelivered {
		t.Fatalf("配信完了になるべき, got %s", outcome.Status)
	}
	if !hasDegradation(outcome, StageSentimentAnalysis) {
		t.Error("感情分析の劣化が記録されるべき")
	}
	for _, item := range outcome.Context.Enriched {
		if item.Title == "Go 1.25 released" && item.Sentiment != model.SentimentPositive {
			t.Errorf("復元時の感情が保持されるべき, got %s", item.Sentiment)
		}
	}
}

// リクエストに関心トピックがない場合は関心トピックの取得元を使うことを検証
func TestOrchestrator_LoadsInterestsWhenNotProvided(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	deps := newTestDeps()

	orch := NewOrchestrator(Deps{
		Collector:   deps.collector,
		Generator:   deps.generator,
		Interests:   &mockInterests{interests: []string{"postgres"}},
		Synthesizer: realAudio(),
		Deliverer:   deps.deliverer,
	}, logger, nil)
	outcome := orch.Run(context.Background(), model.DigestRequest{UserID: "u", Recipient: "r@example.com"})

	if outcome.Context.Enriched[0].Title != "Postgres tuning" {
		t.Errorf("関心トピックに一致する記事が先頭になるべき, got %s", outcome.Context.Enriched[0].Title)
	}
	if outcome.Context.Enriched[0].Topic != "postgres" {
		t.Errorf("一致したトピックが付与されるべき, got %s", outcome.Context.Enriched[0].Topic)
	}
}

// キャンセル済みのコンテキストではRUN_TIMEOUTで失敗することを検証
func TestOrchestrator_CancelledContextFails(t *testing.T) {
	var buf bytes.Buffer
	deps := newTestDeps()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch := deps.build(realAudio(), newTestLogger(&buf))
	outcome := orch.Run(ctx, model.DigestRequest{UserID: "u", Recipient: "r@example.com"})

	if outcome.Status != model.RunStatusFailed || outcome.Reason != model.ErrCodeRunTimeout {
		t.Errorf("RUN_TIMEOUTで失敗するべき, got %s/%s", outcome.Status, outcome.Reason)
	}
	if len(deps.deliverer.calls) != 0 {
		t.Error("配信は行われないべき")
	}
	if len(deps.recorder.records) != 1 {
		t.Error("キャンセル時も実行記録が保存されるべき")
	}
}

func hasDegradation(o Outcome, stage string) bool {
	for _, d := range o.Degradations {
		if d.Stage == stage {
			return true
		}
	}
	return false
}
