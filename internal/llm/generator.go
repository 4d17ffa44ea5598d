package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/digestcast/internal/model"
)

const defaultSystemPrompt = `You write short news digests. Reply with a JSON object of the form
{"items":[{"title":"...","link":"...","summary":"...","source":"...","sentiment":"positive|negative|neutral","sentimentScore":0.5,"topic":"..."}]}
and nothing else. Keep each summary under three sentences.`

// ChatConfig はOpenAI互換のチャットAPIの接続設定。
type ChatConfig struct {
	Endpoint     string
	Model        string
	APIKey       string
	SystemPrompt string
	Timeout      time.Duration
}

// Generator はOpenAI互換のチャットAPIで記事の要約を生成する。
// 戻り値はモデルの応答テキストそのままで、構造化出力の解釈は呼び出し側で行う。
type Generator struct {
	cfg        ChatConfig
	httpClient *http.Client
}

// NewGenerator はGeneratorの新しいインスタンスを生成する。
func NewGenerator(cfg ChatConfig) *Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Generator{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate は記事一覧と関心トピックからプロンプトを組み立て、モデルの応答テキストを返す。
func (g *Generator) Generate(ctx context.Context, items []model.RawSourceItem, interests []string) (string, error) {
	if g.cfg.Endpoint == "" || g.cfg.Model == "" {
		return "", errors.New("生成APIの設定が不足しています")
	}

	req := chatRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(g.cfg.SystemPrompt)},
			{Role: "user", Content: BuildPrompt(items, interests)},
		},
		Temperature: 0.3,
	}

	var resp chatResponse
	if err := postJSON(ctx, g.httpClient, g.cfg.Endpoint, g.cfg.APIKey, req, &resp); err != nil {
		return "", fmt.Errorf("要約の生成に失敗: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("生成APIの応答に候補が含まれていません")
	}
	return resp.Choices[0].Message.Content, nil
}

// BuildPrompt は生成APIに渡すユーザーメッセージを組み立てる。
func BuildPrompt(items []model.RawSourceItem, interests []string) string {
	var b strings.Builder
	if len(interests) > 0 {
		fmt.Fprintf(&b, "Reader interests: %s\n\n", strings.Join(interests, ", "))
	}
	b.WriteString("Articles:\n")
	for i, item := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, item.Title)
		if item.Link != "" {
			fmt.Fprintf(&b, "   link: %s\n", item.Link)
		}
		if item.Source != "" {
			fmt.Fprintf(&b, "   source: %s\n", item.Source)
		}
		if item.Description != "" {
			fmt.Fprintf(&b, "   %s\n", model.Truncate(item.Description, 500))
		}
	}
	return b.String()
}

func systemPrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return defaultSystemPrompt
	}
	return prompt
}
