package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// TranslateConfig は翻訳APIの接続設定。
type TranslateConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Translator は翻訳APIでテキストを一括翻訳する。
type Translator struct {
	cfg        TranslateConfig
	httpClient *http.Client
}

// NewTranslator はTranslatorの新しいインスタンスを生成する。
func NewTranslator(cfg TranslateConfig) *Translator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Translator{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type translateRequest struct {
	Q      []string `json:"q"`
	Target string   `json:"target"`
	Format string   `json:"format"`
}

type translateResponse struct {
	Data struct {
		Translations []struct {
			TranslatedText string `json:"translatedText"`
		} `json:"translations"`
	} `json:"data"`
}

// Translate はtextsをtargetLangに翻訳し、同じ順序で返す。
// 利用上限を示すステータス（429, 403）はErrQuotaExceededとして返す。
func (t *Translator) Translate(ctx context.Context, texts []string, targetLang string) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if t.cfg.Endpoint == "" {
		return nil, errors.New("翻訳APIの設定が不足しています")
	}

	var resp translateResponse
	err := postJSON(ctx, t.httpClient, t.cfg.Endpoint, t.cfg.APIKey,
		translateRequest{Q: texts, Target: targetLang, Format: "text"}, &resp)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && IsQuotaStatus(se.StatusCode) {
			return nil, fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
		return nil, fmt.Errorf("翻訳に失敗: %w", err)
	}

	if len(resp.Data.Translations) != len(texts) {
		return nil, fmt.Errorf("翻訳結果の件数が一致しません: want %d, got %d", len(texts), len(resp.Data.Translations))
	}

	out := make([]string, len(texts))
	for i, tr := range resp.Data.Translations {
		out[i] = tr.TranslatedText
	}
	return out, nil
}

// IsQuotaStatus はHTTPステータスが利用上限超過を示すかどうかを判定する。
func IsQuotaStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusForbidden
}
