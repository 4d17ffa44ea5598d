package pipeline

import (
	"github.com/hitoshi/digestcast/internal/model"
)

// Degradation はステージが劣化して継続したことの記録。
type Degradation struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// Audio は音声合成ステージの結果。
type Audio struct {
	Bytes          []byte
	RealChunks     int
	FallbackChunks int
}

// Context は1回のパイプライン実行で蓄積される結果。
// 値として受け渡し、With系メソッドは新しい値を返して元の値を変更しない。
// 実行ごとに生成され、実行間で共有しない。
type Context struct {
	RunID   string
	Request model.DigestRequest

	RawItems   []model.RawSourceItem
	Translated bool

	Items        []model.DigestItem // 構造化出力から復元した記事
	RecoveryTier string
	Script       string

	Sentiments []model.SentimentResult
	Rankings   []model.InterestRank
	Enriched   []model.DigestItem

	Audio    Audio
	Document []byte

	Delivered    bool
	Degradations []Degradation
}

// NewContext はリクエストから初期状態のコンテキストを生成する。
func NewContext(runID string, req model.DigestRequest) Context {
	return Context{RunID: runID, Request: req}
}

// WithRawItems は収集した記事を設定した新しいコンテキストを返す。
func (c Context) WithRawItems(items []model.RawSourceItem, translated bool) Context {
	c.RawItems = append([]model.RawSourceItem(nil), items...)
	c.Translated = translated
	return c
}

// WithScript は復元した記事とナレーション原稿を設定した新しいコンテキストを返す。
func (c Context) WithScript(items []model.DigestItem, tier, script string) Context {
	c.Items = append([]model.DigestItem(nil), items...)
	c.RecoveryTier = tier
	c.Script = script
	return c
}

// WithSentiments は感情分析の結果を設定した新しいコンテキストを返す。
func (c Context) WithSentiments(results []model.SentimentResult) Context {
	c.Sentiments = append([]model.SentimentResult(nil), results...)
	return c
}

// WithRankings は関心度ランキングの結果を設定した新しいコンテキストを返す。
func (c Context) WithRankings(ranks []model.InterestRank) Context {
	c.Rankings = append([]model.InterestRank(nil), ranks...)
	return c
}

// WithAudio は音声合成の結果を設定した新しいコンテキストを返す。
func (c Context) WithAudio(a Audio) Context {
	a.Bytes = append([]byte(nil), a.Bytes...)
	c.Audio = a
	return c
}

// WithEnriched は感情とトピックを付与した記事を設定した新しいコンテキストを返す。
func (c Context) WithEnriched(items []model.DigestItem) Context {
	c.Enriched = append([]model.DigestItem(nil), items...)
	return c
}

// WithDocument はレンダリング結果を設定した新しいコンテキストを返す。
func (c Context) WithDocument(doc []byte) Context {
	c.Document = append([]byte(nil), doc...)
	return c
}

// WithDelivered は配信完了を記録した新しいコンテキストを返す。
func (c Context) WithDelivered() Context {
	c.Delivered = true
	return c
}

// WithDegradation は劣化の記録を追加した新しいコンテキストを返す。
func (c Context) WithDegradation(d Degradation) Context {
	degradations := make([]Degradation, 0, len(c.Degradations)+1)
	degradations = append(degradations, c.Degradations...)
	c.Degradations = append(degradations, d)
	return c
}

// HasDocument はレンダリング結果が存在するかを返す。
func (c Context) HasDocument() bool {
	return len(c.Document) > 0
}

// FinalItems は配信に使う記事を返す。エンリッチ前の場合は復元した記事を返す。
func (c Context) FinalItems() []model.DigestItem {
	if len(c.Enriched) > 0 {
		return c.Enriched
	}
	return c.Items
}

// DigestDocument はレンダリングと配信に渡す内容を組み立てる。
func (c Context) DigestDocument() model.DigestDocument {
	return model.DigestDocument{
		RunID:          c.RunID,
		UserID:         c.Request.UserID,
		Language:       c.Request.Language,
		Items:          c.FinalItems(),
		Translated:     c.Translated,
		FallbackChunks: c.Audio.FallbackChunks,
		GeneratedAt:    c.Request.RequestedAt,
	}
}
