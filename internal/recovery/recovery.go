// Package recovery は生成サービスの自由テキスト応答からダイジェスト記事を復元する。
// 段階的に強くなる修復戦略を順に適用し、最初にスキーマ妥当な結果を得た段階で停止する。
package recovery

import (
	"log/slog"

	"github.com/hitoshi/digestcast/internal/model"
)

// TierNone はどの戦略でも復元できなかったことを示す段階名。
const TierNone = "none"

// Strategy は1段階分の復元戦略のインターフェース。
// Attemptは復元できた場合に記事とtrueを返す。復元できない場合はfalseを返し、panicしてはならない。
type Strategy interface {
	Name() string
	Attempt(raw string) ([]model.DigestItem, bool)
}

// Result は復元結果を表す。
// Degradedは第1段階以外で復元した場合、または復元できなかった場合にtrueとなる。
type Result struct {
	Items    []model.DigestItem
	Tier     string
	Degraded bool
}

// DefaultStrategies は既定の復元戦略を適用順に返す。
//  1. コードフェンス除去と最外ブレース抽出によるパース
//  2. 文字列内の引用符・改行・末尾カンマを修復して再パース
//  3. "title"フィールドの正規表現抽出による最小記事の合成
func DefaultStrategies() []Strategy {
	return []Strategy{
		FenceStrategy{},
		RepairStrategy{},
		TitleScanStrategy{},
	}
}

// Recoverer は復元戦略を順に適用する。
type Recoverer struct {
	strategies []Strategy
	logger     *slog.Logger
}

// NewRecoverer はRecovererの新しいインスタンスを生成する。
// strategiesが空の場合はDefaultStrategiesを使用する。
func NewRecoverer(logger *slog.Logger, strategies ...Strategy) *Recoverer {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recoverer{
		strategies: strategies,
		logger:     logger,
	}
}

// Recover は生成サービスの応答テキストから記事を復元する。
// エラーを返さず、復元不能な入力には空の結果とDegraded=trueを返す。
func (r *Recoverer) Recover(raw string) Result {
	for i, s := range r.strategies {
		items, ok := attempt(s, raw)
		if !ok {
			continue
		}

		result := Result{Items: items, Tier: s.Name(), Degraded: i > 0}
		if result.Degraded {
			r.logger.Warn("構造化出力を上位の修復段階で復元しました",
				slog.String("condition", model.ConditionRecoveryDegraded),
				slog.String("tier", s.Name()),
				slog.Int("item_count", len(items)),
			)
		}
		return result
	}

	r.logger.Warn("構造化出力を復元できませんでした",
		slog.String("condition", model.ConditionRecoveryDegraded),
		slog.Int("raw_length", len(raw)),
	)
	return Result{Items: []model.DigestItem{}, Tier: TierNone, Degraded: true}
}

// Recover は既定の戦略で復元を行う。
func Recover(raw string) Result {
	return NewRecoverer(nil).Recover(raw)
}

// attempt は戦略を実行し、panicを復元失敗として扱う。
func attempt(s Strategy, raw string) (items []model.DigestItem, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			items, ok = nil, false
		}
	}()
	return s.Attempt(raw)
}
