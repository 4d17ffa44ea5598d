package synthesis

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/time/rate"
)

const (
	// defaultLanguage は言語ヒントが解釈できない場合の既定言語。
	defaultLanguage = "en"
	// maxPayloadBytes は1チャンクの音声として読み込む最大バイト数。
	maxPayloadBytes = 5 << 20
)

// Backend は音声合成サービスのインターフェース。
type Backend interface {
	Name() string
	Synthesize(ctx context.Context, text, lang string) ([]byte, error)
}

// StatusError は合成サービスが200以外のステータスを返したことを示す。
type StatusError struct {
	Backend string
	Code    int
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	return fmt.Sprintf("音声合成サービス %s がステータス %d を返しました", e.Backend, e.Code)
}

// BackendConfig は1つの音声合成バックエンドの設定。
type BackendConfig struct {
	Name          string  `yaml:"name"`
	Endpoint      string  `yaml:"endpoint"`
	Client        string  `yaml:"client"`
	RatePerSecond float64 `yaml:"rate_per_second"` // 0の場合は流量制限なし
}

// HTTPBackend はGETリクエストで音声を取得する合成バックエンド。
// endpoint?q=<text>&tl=<lang>&client=<client> の形式でリクエストする。
type HTTPBackend struct {
	name       string
	endpoint   string
	client     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewHTTPBackend はHTTPBackendの新しいインスタンスを生成する。
func NewHTTPBackend(cfg BackendConfig, httpClient *http.Client, logger *slog.Logger) *HTTPBackend {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	b := &HTTPBackend{
		name:       cfg.Name,
		endpoint:   cfg.Endpoint,
		client:     cfg.Client,
		httpClient: httpClient,
		logger:     logger,
	}
	if cfg.RatePerSecond > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return b
}

// Name はバックエンド名を返す。
func (b *HTTPBackend) Name() string { return b.name }

// Synthesize はテキストを音声に変換する。
func (b *HTTPBackend) Synthesize(ctx context.Context, text, lang string) ([]byte, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	reqURL, err := url.Parse(b.endpoint)
	if err != nil {
		return nil, fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)
	}
	q := reqURL.Query()
	q.Set("q", text)
	q.Set("tl", lang)
	if b.client != "" {
		q.Set("client", b.client)
	}
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "Digestcast/1.0")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// 接続を再利用するためにボディを読み捨てる
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Backend: b.name, Code: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	return data, nil
}

// NormalizeLanguage は言語ヒントを合成サービスが受け付ける基本言語コードに正規化する。
// "en-US"は"en"、"ja_JP"は"ja"になる。解釈できない場合は"en"を返す。
func NormalizeLanguage(hint string) string {
	hint = strings.TrimSpace(strings.ReplaceAll(hint, "_", "-"))
	if hint == "" {
		return defaultLanguage
	}
	tag, err := language.Parse(hint)
	if err != nil {
		return defaultLanguage
	}
	base, confidence := tag.Base()
	if confidence == language.No {
		return defaultLanguage
	}
	return base.String()
}
