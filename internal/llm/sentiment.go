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

// SentimentClient は感情分析サービスのクライアント。
type SentimentClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewSentimentClient はSentimentClientの新しいインスタンスを生成する。
func NewSentimentClient(endpoint, apiKey string, timeout time.Duration) *SentimentClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SentimentClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type sentimentResponse struct {
	Results []struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
	} `json:"results"`
}

// Analyze はtextsの感情を分析し、同じ順序で結果を返す。
func (c *SentimentClient) Analyze(ctx context.Context, texts []string) ([]model.SentimentResult, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.endpoint == "" {
		return nil, errors.New("感情分析APIの設定が不足しています")
	}

	var resp sentimentResponse
	payload := map[string]any{"texts": texts}
	if err := postJSON(ctx, c.httpClient, c.endpoint+"/sentiment", c.apiKey, payload, &resp); err != nil {
		return nil, fmt.Errorf("感情分析に失敗: %w", err)
	}
	if len(resp.Results) != len(texts) {
		return nil, fmt.Errorf("感情分析結果の件数が一致しません: want %d, got %d", len(texts), len(resp.Results))
	}

	out := make([]model.SentimentResult, len(resp.Results))
	for i, r := range resp.Results {
		out[i] = model.SentimentResult{
			Label:     model.ParseSentiment(strings.ToLower(r.Label)),
			Score:     r.Score,
			Available: true,
		}
	}
	return out, nil
}
