package render

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/digestcast/internal/model"
)

func TestHTMLRenderer_Render(t *testing.T) {
	doc := model.DigestDocument{
		Language: "ja",
		Items: []model.DigestItem{
			{Title: "Go <1.25>", Link: "https://go.dev", Summary: "New & improved", Source: "Go Blog",
				Sentiment: model.SentimentPositive, SentimentScore: 0.87, Topic: "Go"},
			{Title: "No link", Summary: "plain", Sentiment: model.SentimentNeutral, SentimentScore: 0.5},
		},
		GeneratedAt: time.Date(2026, 10, 16, 3, 35, 0, 0, time.UTC),
	}

	out, err := NewHTMLRenderer().Render(context.Background(), doc)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	html := string(out)

	for _, want := range []string{
		`<html lang="ja">`,
		"Digest 2026-10-16",
		`<a href="https://go.dev">Go &lt;1.25&gt;</a>`,
		"New &amp; improved",
		"Go Blog · Go · positive 87%",
		`class="sentiment-neutral"`,
	} {
		if !strings.Contains(html, want) {
			t.Errorf("出力に %q が含まれるべき:\n%s", want, html)
		}
	}
	if strings.Contains(html, "silence") {
		t.Error("無音補完がない場合は注記しないべき")
	}
}

func TestHTMLRenderer_FallbackNotice(t *testing.T) {
	doc := model.DigestDocument{
		Items:          []model.DigestItem{{Title: "a", Summary: "a"}},
		FallbackChunks: 3,
	}
	out, err := NewHTMLRenderer().Render(context.Background(), doc)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if !strings.Contains(string(out), "(3 segments)") || !strings.Contains(string(out), `<html lang="en">`) {
		t.Errorf("無音補完の注記と既定言語が出力されるべき:\n%s", out)
	}
}

func TestHTMLRenderer_NoItems(t *testing.T) {
	if _, err := NewHTMLRenderer().Render(context.Background(), model.DigestDocument{}); !errors.Is(err, ErrNoItems) {
		t.Errorf("ErrNoItemsが返るべき, got %v", err)
	}
}

func TestHTMLRenderer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	doc := model.DigestDocument{Items: []model.DigestItem{{Title: "a", Summary: "a"}}}
	if _, err := NewHTMLRenderer().Render(ctx, doc); !errors.Is(err, context.Canceled) {
		t.Errorf("キャンセル済みのコンテキストではエラーを返すべき, got %v", err)
	}
}
