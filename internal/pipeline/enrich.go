package pipeline

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/digestcast/internal/model"
)

// rawSummaryLength は生成サービスを使わずに記事を作る場合の要約の最大文字数。
const rawSummaryLength = 200

// Dedup はlink（なければtitle）が重複する記事を取り除く。最初に現れた記事を残し、順序を保つ。
func Dedup(items []model.RawSourceItem) []model.RawSourceItem {
	seen := make(map[string]struct{}, len(items))
	result := make([]model.RawSourceItem, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.Title) == "" && item.Link == "" {
			continue
		}
		key := item.DedupKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, item)
	}
	return result
}

// ItemsFromRaw は収集した記事からダイジェスト記事を直接作る。
// 生成サービスが利用できない場合の代替結果として使う。
func ItemsFromRaw(raw []model.RawSourceItem) []model.DigestItem {
	items := make([]model.DigestItem, 0, len(raw))
	for _, r := range raw {
		summary := strings.TrimSpace(r.Description)
		if summary == "" {
			summary = r.Title
		}
		items = append(items, model.DigestItem{
			Title:          r.Title,
			Link:           r.Link,
			Summary:        model.Truncate(summary, rawSummaryLength),
			Source:         r.Source,
			PublishedAt:    r.PublishedAt,
			Sentiment:      model.SentimentNeutral,
			SentimentScore: model.NeutralScore,
		})
	}
	return items
}

// BuildScript は記事一覧からナレーション原稿を組み立てる。
func BuildScript(items []model.DigestItem) string {
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteString("\n\n")
		}
		title := strings.TrimSpace(item.Title)
		b.WriteString(title)
		if !endsWithTerminator(title) {
			b.WriteString(".")
		}
		if summary := strings.TrimSpace(item.Summary); summary != "" && summary != title {
			b.WriteString(" ")
			b.WriteString(summary)
		}
	}
	return b.String()
}

func endsWithTerminator(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return strings.ContainsRune(".!?。！？", r)
}

// RankByInterests は関心トピックとの一致度で記事をスコアリングする。
// スコアは一致したトピック数の割合で、トピックは最初に一致したものを使う。
func RankByInterests(items []model.DigestItem, interests []string) []model.InterestRank {
	type topic struct {
		name  string
		lower string
	}
	topics := make([]topic, 0, len(interests))
	for _, in := range interests {
		if name := strings.TrimSpace(in); name != "" {
			topics = append(topics, topic{name: name, lower: strings.ToLower(name)})
		}
	}

	ranks := make([]model.InterestRank, len(items))
	for i, item := range items {
		ranks[i].Topic = item.Topic
		if len(topics) == 0 {
			continue
		}

		text := strings.ToLower(item.Title + " " + item.Summary)
		matched := 0
		for _, t := range topics {
			if !strings.Contains(text, t.lower) {
				continue
			}
			if matched == 0 && ranks[i].Topic == "" {
				ranks[i].Topic = t.name
			}
			matched++
		}
		ranks[i].Score = float64(matched) / float64(len(topics))
	}
	return ranks
}

// Enrich は記事に感情分析と関心度の結果を付与し、関心度の高い順に並べ替える。
// 分析結果が欠けている記事は復元時の値をそのまま使う。
func Enrich(items []model.DigestItem, sentiments []model.SentimentResult, ranks []model.InterestRank) []model.DigestItem {
	enriched := make([]model.DigestItem, len(items))
	copy(enriched, items)

	for i := range enriched {
		if i < len(sentiments) && sentiments[i].Available {
			enriched[i].Sentiment = sentiments[i].Label
			enriched[i].SentimentScore = clamp01(sentiments[i].Score)
		}
		if enriched[i].Sentiment == "" {
			enriched[i].Sentiment = model.SentimentNeutral
			enriched[i].SentimentScore = model.NeutralScore
		}
		if i < len(ranks) {
			enriched[i].InterestScore = ranks[i].Score
			if ranks[i].Topic != "" {
				enriched[i].Topic = ranks[i].Topic
			}
		}
	}

	sort.SliceStable(enriched, func(a, b int) bool {
		return enriched[a].InterestScore > enriched[b].InterestScore
	})
	return enriched
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
