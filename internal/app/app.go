package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/digestcast/internal/cache"
	"github.com/hitoshi/digestcast/internal/config"
	"github.com/hitoshi/digestcast/internal/database"
	"github.com/hitoshi/digestcast/internal/delivery"
	"github.com/hitoshi/digestcast/internal/feed"
	"github.com/hitoshi/digestcast/internal/handler"
	"github.com/hitoshi/digestcast/internal/llm"
	"github.com/hitoshi/digestcast/internal/logger"
	"github.com/hitoshi/digestcast/internal/metrics"
	"github.com/hitoshi/digestcast/internal/middleware"
	"github.com/hitoshi/digestcast/internal/pipeline"
	"github.com/hitoshi/digestcast/internal/recovery"
	"github.com/hitoshi/digestcast/internal/render"
	"github.com/hitoshi/digestcast/internal/repository"
	"github.com/hitoshi/digestcast/internal/schedule"
	"github.com/hitoshi/digestcast/internal/security"
	"github.com/hitoshi/digestcast/internal/synthesis"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ったJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 設定読み込み前にログを使えるようにする
	l := logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	cfg, err := config.Load()
	if err != nil {
		return nil, l, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, l, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, l, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	l.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.Int("synthesis_backends", len(cfg.File.Backends)),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg, l)
	case CommandDueCheck:
		return runDueCheck(cfg, l)
	case CommandMigrate:
		return runMigrate(cfg, l)
	default:
		return runServe(cfg, l)
	}
}

// components はサブコマンド間で共有する依存関係。
type components struct {
	db           *sql.DB
	registry     *prometheus.Registry
	metrics      *metrics.Collector
	orchestrator *pipeline.Orchestrator
	taskRepo     *repository.PostgresTaskRepo
	runRepo      *repository.PostgresRunRepo
	interests    *cache.InterestSource
	dueChecker   *schedule.DueChecker
	closers      []func() error
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i]()
	}
}

// build はDB接続を開き、パイプラインと定期配信の依存関係をワイヤリングする。
func build(ctx context.Context, cfg *config.Config, l *slog.Logger) (*components, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	c := &components{db: db, closers: []func() error{db.Close}}

	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	l.Info("database connection established")

	c.registry = prometheus.NewRegistry()
	c.metrics = metrics.NewCollector(c.registry)

	// リポジトリ
	c.taskRepo = repository.NewPostgresTaskRepo(db)
	c.runRepo = repository.NewPostgresRunRepo(db)
	interestRepo := repository.NewPostgresInterestRepo(db)

	// 関心トピックのキャッシュ: REDIS_ADDRが指定されていればRedis、なければプロセス内
	var interestCache cache.InterestCache
	if cfg.RedisAddr != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.InterestCacheTTL)
		if err != nil {
			l.Warn("Redisに接続できないためプロセス内キャッシュを使用します",
				slog.String("addr", cfg.RedisAddr),
				slog.String("error", err.Error()),
			)
		} else {
			interestCache = rc
			c.closers = append(c.closers, rc.Close)
		}
	}
	if interestCache == nil {
		interestCache = cache.NewMemoryCache(cfg.InterestCacheTTL, cfg.InterestCacheSize)
	}

	collector := feed.NewCollector(security.NewGuard(cfg.AllowPrivateFeeds), feed.Config{
		DefaultFeeds:    cfg.File.Feeds,
		Timeout:         cfg.FetchTimeout,
		MaxBodySize:     cfg.FetchMaxSize,
		MaxItemsPerFeed: cfg.FetchMaxItems,
		Concurrency:     cfg.FetchMaxConcurrent,
	}, l, c.metrics)

	backends := make([]synthesis.Backend, 0, len(cfg.File.Backends))
	for _, bc := range cfg.File.Backends {
		backends = append(backends, synthesis.NewHTTPBackend(bc, nil, l))
	}
	engineCfg := synthesis.DefaultConfig()
	engineCfg.MaxAttempts = cfg.SynthesisMaxAttempts
	engineCfg.BackoffBase = cfg.SynthesisBackoffBase
	engineCfg.AttemptTimeout = cfg.SynthesisAttemptTimeout

	c.interests = cache.NewInterestSource(interestCache, interestRepo, l)

	deps := pipeline.Deps{
		Collector: collector,
		Generator: llm.NewGenerator(llm.ChatConfig{
			Endpoint:     cfg.GeneratorEndpoint,
			Model:        cfg.GeneratorModel,
			APIKey:       cfg.GeneratorAPIKey,
			SystemPrompt: cfg.File.SystemPrompt,
		}),
		Interests:   c.interests,
		Synthesizer: synthesis.NewEngine(backends, engineCfg, l, c.metrics),
		Renderer:    render.NewHTMLRenderer(),
		Deliverer: delivery.NewMailer(delivery.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, l),
		Recorder:  c.runRepo,
		Recoverer: recovery.NewRecoverer(l),
	}
	// 任意のサービスは未設定ならnilインターフェースのまま渡し、該当ステップをスキップさせる
	if cfg.TranslateEndpoint != "" {
		deps.Translator = llm.NewTranslator(llm.TranslateConfig{
			Endpoint: cfg.TranslateEndpoint,
			APIKey:   cfg.TranslateAPIKey,
		})
	}
	if cfg.SentimentEndpoint != "" {
		deps.Sentiment = llm.NewSentimentClient(cfg.SentimentEndpoint, cfg.SentimentAPIKey, 0)
	}

	c.orchestrator = pipeline.NewOrchestrator(deps, l, c.metrics)
	c.dueChecker = schedule.NewDueChecker(c.taskRepo, c.orchestrator, l, c.metrics, cfg.TaskTimeout)
	return c, nil
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config, l *slog.Logger) error {
	c, err := build(context.Background(), cfg, l)
	if err != nil {
		return err
	}
	defer c.Close()

	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Digest:        handler.NewDigestHandler(c.orchestrator, cfg.RunTimeout, l),
		Schedule:      handler.NewScheduleHandler(c.taskRepo, l),
		Interests:     handler.NewInterestHandler(c.interests, l),
		Runs:          handler.NewRunHandler(c.runRepo, l),
		DueCheck:      handler.NewDueCheckHandler(c.dueChecker, l),
		Health:        handler.NewHealthHandler(c.db),
		Metrics:       metrics.Handler(c.registry),
		RateLimiter:   rateLimiter,
		DueCheckToken: cfg.DueCheckToken,
	}, l)

	// オンデマンド生成は同期実行のため、書き込みタイムアウトは生成の制限時間より長くする
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RunTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		l.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	l.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	l.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 定期配信の期限判定を一定間隔で実行し、期限切れタスクの削除を日次で行う。
func runWorker(cfg *config.Config, l *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := build(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer c.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		l.Info("shutting down worker...")
		cancel()
	}()

	l.Info("worker starting",
		slog.Duration("due_check_interval", cfg.DueCheckInterval),
		slog.Duration("expiry_interval", cfg.ExpiryInterval),
	)

	go schedule.NewExpiryJob(c.db, l, c.metrics).Start(ctx, cfg.ExpiryInterval)

	// 期限判定をメインgoroutineで実行（ブロッキング）
	c.dueChecker.Start(ctx, cfg.DueCheckInterval)

	l.Info("worker stopped gracefully")
	return nil
}

// runDueCheck は期限判定を1回だけ実行して終了する。外部のcronから起動する用途。
func runDueCheck(cfg *config.Config, l *slog.Logger) error {
	ctx := context.Background()
	c, err := build(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer c.Close()

	summary, err := c.dueChecker.RunOnce(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("due check failed: %w", err)
	}
	l.Info("due check completed",
		slog.Int("evaluated", summary.Evaluated),
		slog.Int("fired", summary.Fired),
		slog.Int("delivered", summary.Delivered),
		slog.Int("failed", summary.Failed),
		slog.Int("abandoned", summary.Abandoned),
	)
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, l *slog.Logger) error {
	l.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	l.Info("database migrations completed successfully", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// rateLimiterConfig は設定値（req/min, req/hour）をトークンバケットのレート（req/sec）に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rc := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rc.GeneralRate = rateLimitPer(cfg.RateLimitGeneral, time.Minute)
		rc.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitDigest > 0 {
		rc.DigestRate = rateLimitPer(cfg.RateLimitDigest, time.Hour)
		rc.DigestBurst = min(cfg.RateLimitDigest, rc.DigestBurst)
	}
	return rc
}

func rateLimitPer(n int, per time.Duration) rate.Limit {
	return rate.Limit(float64(n) / per.Seconds())
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
