package pipeline

import (
	"context"

	"github.com/hitoshi/digestcast/internal/model"
	"github.com/hitoshi/digestcast/internal/synthesis"
)

// Collector はフィードから記事を収集するインターフェース。
// 個別ソースの取得失敗は呼び出し元に返さず、取得できたソースの和集合を返す。
type Collector interface {
	Collect(ctx context.Context, feedURLs []string) ([]model.RawSourceItem, error)
}

// Translator はテキストを翻訳するインターフェース。
// 戻り値はtextsと同じ長さ・順序でなければならない。
type Translator interface {
	Translate(ctx context.Context, texts []string, targetLang string) ([]string, error)
}

// Generator は記事一覧から構造化出力を含む自由テキストを生成するインターフェース。
type Generator interface {
	Generate(ctx context.Context, items []model.RawSourceItem, interests []string) (string, error)
}

// InterestSource はユーザーの関心トピックを取得するインターフェース。
type InterestSource interface {
	Interests(ctx context.Context, userID string) ([]string, error)
}

// SentimentAnalyzer はテキストの感情を分析するインターフェース。
// 戻り値はtextsと同じ長さ・順序でなければならない。
type SentimentAnalyzer interface {
	Analyze(ctx context.Context, texts []string) ([]model.SentimentResult, error)
}

// Synthesizer はナレーション原稿を音声に変換するインターフェース。
type Synthesizer interface {
	Synthesize(ctx context.Context, text, languageHint string) (synthesis.Result, error)
}

// Renderer はダイジェスト文書を生成するインターフェース。
type Renderer interface {
	Render(ctx context.Context, doc model.DigestDocument) ([]byte, error)
}

// Deliverer はダイジェストを配信するインターフェース。
type Deliverer interface {
	Deliver(ctx context.Context, recipient string, doc model.DigestDocument, attachments []model.Attachment) error
}

// RunRecorder は実行記録を保存するインターフェース。
type RunRecorder interface {
	Create(ctx context.Context, record *model.RunRecord) error
}
