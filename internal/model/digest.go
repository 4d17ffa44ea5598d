// Package model はドメインモデルを定義する。
package model

import "time"

// Sentiment は記事の感情ラベルを表す。
type Sentiment string

const (
	// SentimentPositive はポジティブな記事。
	SentimentPositive Sentiment = "positive"
	// SentimentNegative はネガティブな記事。
	SentimentNegative Sentiment = "negative"
	// SentimentNeutral はニュートラルな記事。感情分析が利用できない場合の既定値。
	SentimentNeutral Sentiment = "neutral"
)

// NeutralScore は感情分析が利用できない場合のスコア既定値。
const NeutralScore = 0.5

// ParseSentiment は文字列を感情ラベルに変換する。未知の値はneutralとして扱う。
func ParseSentiment(s string) Sentiment {
	switch Sentiment(s) {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
		return Sentiment(s)
	default:
		return SentimentNeutral
	}
}

// RawSourceItem はフィードから取得した未加工の記事を表す。
// 生成サービスに渡す前にlink（なければtitle）で重複除去される。
type RawSourceItem struct {
	Title       string
	Link        string
	Description string // HTML除去済みのプレーンテキスト
	PublishedAt *time.Time
	Source      string
}

// DedupKey は重複除去に使うキーを返す。linkを優先し、なければtitleを使う。
func (r RawSourceItem) DedupKey() string {
	if r.Link != "" {
		return "link:" + r.Link
	}
	return "title:" + r.Title
}

// DigestItem はダイジェストに載る1件の記事を表す。
// 構造化出力の復元で生成され、エンリッチ段階で感情とトピックが付与された後は変更しない。
type DigestItem struct {
	Title          string     `json:"title"`
	Link           string     `json:"link,omitempty"`
	Summary        string     `json:"summary"`
	Source         string     `json:"source,omitempty"`
	PublishedAt    *time.Time `json:"publishedAt,omitempty"`
	Sentiment      Sentiment  `json:"sentiment"`
	SentimentScore float64    `json:"sentimentScore"`
	Topic          string     `json:"topic,omitempty"`
	InterestScore  float64    `json:"interestScore,omitempty"`
}

// SentimentResult は1記事分の感情分析結果。
// Availableがfalseの場合は分析サービスが応答せず既定値が入っている。
type SentimentResult struct {
	Label     Sentiment
	Score     float64
	Available bool
}

// InterestRank は1記事分の関心度ランキング結果。
type InterestRank struct {
	Score float64
	Topic string
}

// DigestRequest はダイジェスト生成の入力を表す。
type DigestRequest struct {
	UserID      string
	Recipient   string
	Language    string   // 翻訳先の言語コード。空の場合は翻訳しない
	FeedURLs    []string // 空の場合は設定ファイルの既定ソースを使う
	Interests   []string // 空の場合はキャッシュまたはストアから読み込む
	TaskID      string   // 定期実行の場合のみ設定される
	RequestedAt time.Time
}

// Attachment はメールに添付するファイルを表す。
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Truncate は文字列を最大n文字（rune単位）に切り詰める。切り詰めた場合は末尾に"…"を付ける。
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

// DigestDocument はレンダリングと配信に渡すダイジェストの内容。
type DigestDocument struct {
	RunID          string
	UserID         string
	Language       string
	Items          []DigestItem
	Translated     bool
	FallbackChunks int
	GeneratedAt    time.Time
}
