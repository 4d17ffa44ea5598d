package recovery

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/hitoshi/digestcast/internal/model"
)

// summaryFromTitleLength は要約が欠けている記事でタイトルから要約を作る際の最大文字数。
const summaryFromTitleLength = 100

// envelopeKeys は記事配列を格納するキー。生成モデルが"articles"を使う場合にも対応する。
var envelopeKeys = []string{"items", "articles"}

// parseEnvelope はJSONオブジェクトをパースし、記事配列をスキーマ検証して返す。
// 記事配列のキーが存在しない場合、または全記事がスキーマ不正の場合はfalseを返す。
func parseEnvelope(text string) ([]model.DigestItem, bool) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return nil, false
	}

	var rawItems json.RawMessage
	for _, key := range envelopeKeys {
		if v, ok := envelope[key]; ok {
			rawItems = v
			break
		}
	}
	if rawItems == nil {
		return nil, false
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(rawItems, &entries); err != nil {
		return nil, false
	}

	items := make([]model.DigestItem, 0, len(entries))
	for _, entry := range entries {
		if item, ok := validateEntry(entry); ok {
			items = append(items, item)
		}
	}

	if len(entries) > 0 && len(items) == 0 {
		return nil, false
	}
	return items, true
}

// validateEntry は1記事分のJSONを検証してDigestItemに変換する。
// titleは空でない文字列、summaryは文字列でなければならない。
// summaryが空の場合はタイトルを切り詰めて要約とし、感情が欠けている場合はneutral/0.5とする。
func validateEntry(raw json.RawMessage) (model.DigestItem, bool) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return model.DigestItem{}, false
	}

	title, ok := fields["title"].(string)
	if !ok || strings.TrimSpace(title) == "" {
		return model.DigestItem{}, false
	}

	item := model.DigestItem{
		Title:          title,
		Sentiment:      model.SentimentNeutral,
		SentimentScore: model.NeutralScore,
	}

	switch summary := fields["summary"].(type) {
	case string:
		item.Summary = summary
	case nil:
	default:
		return model.DigestItem{}, false
	}
	if strings.TrimSpace(item.Summary) == "" {
		item.Summary = model.Truncate(strings.TrimSpace(title), summaryFromTitleLength)
	}

	if link, ok := fields["link"].(string); ok {
		item.Link = link
	}
	if source, ok := fields["source"].(string); ok {
		item.Source = source
	}
	if published, ok := fields["publishedAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, published); err == nil {
			item.PublishedAt = &t
		}
	}
	if sentiment, ok := fields["sentiment"].(string); ok {
		item.Sentiment = model.ParseSentiment(sentiment)
	}
	if score, ok := fields["sentimentScore"].(float64); ok {
		item.SentimentScore = clampScore(score)
	}
	if topic, ok := fields["topic"].(string); ok {
		item.Topic = topic
	}

	return item, true
}

// clampScore はスコアを[0,1]に収める。
func clampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
