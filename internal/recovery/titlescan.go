package recovery

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/hitoshi/digestcast/internal/model"
)

// titlePattern は"title": "..."を抽出する。エスケープされた引用符は文字列の一部として扱う。
var titlePattern = regexp.MustCompile(`"title"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// TitleScanStrategy は第3段階の復元戦略。
// JSONとしてパースできない応答から"title"フィールドだけを拾い、最小限の記事を合成する。
type TitleScanStrategy struct{}

// Name は段階名を返す。
func (TitleScanStrategy) Name() string { return "title-scan" }

// Attempt はタイトルを1件以上抽出できた場合に成功する。
func (TitleScanStrategy) Attempt(raw string) ([]model.DigestItem, bool) {
	matches := titlePattern.FindAllStringSubmatch(raw, -1)

	var items []model.DigestItem
	for _, m := range matches {
		title := strings.TrimSpace(unescapeJSONString(m[1]))
		if title == "" {
			continue
		}
		items = append(items, model.DigestItem{
			Title:          title,
			Summary:        model.Truncate(title, summaryFromTitleLength),
			Sentiment:      model.SentimentNeutral,
			SentimentScore: model.NeutralScore,
		})
	}

	if len(items) == 0 {
		return nil, false
	}
	return items, true
}

// unescapeJSONString はJSON文字列リテラルの中身をデコードする。デコードできない場合はそのまま返す。
func unescapeJSONString(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}
