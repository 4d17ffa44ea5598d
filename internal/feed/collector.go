// Package feed はRSS/Atomフィードからの記事収集を提供する。
// 個別フィードの取得失敗は呼び出し元に返さず、取得できたフィードの記事のみを返す。
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/digestcast/internal/metrics"
	"github.com/hitoshi/digestcast/internal/model"
	"github.com/hitoshi/digestcast/internal/security"
)

// ErrNoSources は収集対象のフィードが1件も指定されていないことを示す。
var ErrNoSources = errors.New("収集対象のフィードがありません")

// Config は収集処理の設定。
type Config struct {
	DefaultFeeds    []string      // リクエストでフィードが指定されない場合に使う
	Timeout         time.Duration // 1フィードあたりのHTTPタイムアウト
	MaxBodySize     int64
	MaxItemsPerFeed int
	Concurrency     int
}

// DefaultConfig は既定の設定を返す。
func DefaultConfig() Config {
	return Config{
		Timeout:         10 * time.Second,
		MaxBodySize:     5 * 1024 * 1024,
		MaxItemsPerFeed: 10,
		Concurrency:     4,
	}
}

// Collector は複数のフィードを並行に取得して記事を返す。
type Collector struct {
	guard   security.URLGuard
	text    *security.TextExtractor
	cfg     Config
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewCollector はCollectorの新しいインスタンスを生成する。
func NewCollector(guard security.URLGuard, cfg Config, logger *slog.Logger, m metrics.MetricsCollector) *Collector {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = def.MaxBodySize
	}
	if cfg.MaxItemsPerFeed <= 0 {
		cfg.MaxItemsPerFeed = def.MaxItemsPerFeed
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Collector{
		guard:   guard,
		text:    security.NewTextExtractor(),
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// Collect はフィードを取得し、フィードの指定順に記事を連結して返す。
// feedURLsが空の場合は既定のフィードを使う。
func (c *Collector) Collect(ctx context.Context, feedURLs []string) ([]model.RawSourceItem, error) {
	if len(feedURLs) == 0 {
		feedURLs = c.cfg.DefaultFeeds
	}
	if len(feedURLs) == 0 {
		return nil, ErrNoSources
	}

	results := make([][]model.RawSourceItem, len(feedURLs))
	sem := make(chan struct{}, c.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, u := range feedURLs {
		wg.Add(1)
		go func(i int, feedURL string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			items, err := c.fetchFeed(ctx, feedURL)
			if err != nil {
				c.logger.Warn("フィードの取得に失敗したためスキップします",
					slog.String("feed_url", feedURL),
					slog.String("error", err.Error()),
				)
				return
			}
			results[i] = items
		}(i, u)
	}
	wg.Wait()

	var all []model.RawSourceItem
	for _, items := range results {
		all = append(all, items...)
	}

	c.logger.Info("フィードの収集が完了しました",
		slog.Int("feed_count", len(feedURLs)),
		slog.Int("item_count", len(all)),
	)
	return all, nil
}

// fetchFeed は1つのフィードを取得してパースする。
// HTMLページが返された場合はheadのリンクからフィードを1回だけ辿る。
func (c *Collector) fetchFeed(ctx context.Context, feedURL string) ([]model.RawSourceItem, error) {
	start := time.Now()

	body, contentType, err := c.get(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	if !IsDirectFeed(contentType, body) && IsHTML(contentType) {
		best := SelectBestFeed(FindFeedLinks(body, feedURL), feedURL)
		if best == nil {
			c.record("not_detected")
			return nil, fmt.Errorf("ページからフィードを検出できませんでした: %s", feedURL)
		}
		c.logger.Info("ページからフィードを検出しました",
			slog.String("page_url", feedURL),
			slog.String("feed_url", best.URL),
		)
		feedURL = best.URL
		if body, _, err = c.get(ctx, feedURL); err != nil {
			return nil, err
		}
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		c.record("parse_error")
		return nil, fmt.Errorf("フィードのパースに失敗しました: %w", err)
	}

	items := c.convertItems(parsed, feedURL)
	c.record("ok")
	if c.metrics != nil {
		c.metrics.RecordFetchLatency(time.Since(start))
	}

	c.logger.Debug("フィードを取得しました",
		slog.String("feed_url", feedURL),
		slog.Int("item_count", len(items)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return items, nil
}

// get はSSRF検証を行った上でURLを取得する。
func (c *Collector) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	if err := c.guard.ValidateURL(rawURL); err != nil {
		c.record("blocked")
		return nil, "", fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "Digestcast/1.0 Feed Collector")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html;q=0.8, */*;q=0.5")

	resp, err := c.guard.NewSafeClient(c.cfg.Timeout).Do(req)
	if err != nil {
		c.record("network_error")
		return nil, "", fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.record("http_error")
		return nil, "", fmt.Errorf("HTTPステータス %d が返されました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodySize))
	if err != nil {
		c.record("network_error")
		return nil, "", fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// convertItems はgofeedの記事をRawSourceItemに変換する。
// タイトルのない記事は除外し、1フィードあたりMaxItemsPerFeed件までに制限する。
func (c *Collector) convertItems(parsed *gofeed.Feed, feedURL string) []model.RawSourceItem {
	source := strings.TrimSpace(parsed.Title)
	if source == "" {
		source = hostOf(feedURL)
	}

	items := make([]model.RawSourceItem, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		if len(items) >= c.cfg.MaxItemsPerFeed {
			break
		}

		title := c.text.PlainText(item.Title)
		if title == "" {
			continue
		}

		link := strings.TrimSpace(item.Link)
		if link == "" && (strings.HasPrefix(item.GUID, "http://") || strings.HasPrefix(item.GUID, "https://")) {
			link = item.GUID
		}

		description := item.Description
		if strings.TrimSpace(description) == "" {
			description = item.Content
		}

		raw := model.RawSourceItem{
			Title:       title,
			Link:        link,
			Description: c.text.PlainText(description),
			Source:      source,
		}
		if item.PublishedParsed != nil {
			t := item.PublishedParsed.UTC()
			raw.PublishedAt = &t
		} else if item.UpdatedParsed != nil {
			t := item.UpdatedParsed.UTC()
			raw.PublishedAt = &t
		}

		items = append(items, raw)
	}
	return items
}

func (c *Collector) record(result string) {
	if c.metrics != nil {
		c.metrics.RecordFeedFetch(result)
	}
}
