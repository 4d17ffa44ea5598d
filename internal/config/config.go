// Package config は環境変数と設定ファイルからアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/digestcast/internal/synthesis"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBConnLifetime time.Duration

	// Server
	ServerPort    string
	LogLevel      string
	DueCheckToken string

	// Pipeline
	RunTimeout       time.Duration // 1回の生成全体の制限時間
	TaskTimeout      time.Duration // 定期配信1件あたりの制限時間
	DueCheckInterval time.Duration
	ExpiryInterval   time.Duration

	// Feed
	FetchTimeout       time.Duration
	FetchMaxSize       int64
	FetchMaxConcurrent int
	FetchMaxItems      int
	AllowPrivateFeeds  bool

	// Generative / translation / sentiment services
	GeneratorEndpoint string
	GeneratorModel    string
	GeneratorAPIKey   string
	TranslateEndpoint string
	TranslateAPIKey   string
	SentimentEndpoint string
	SentimentAPIKey   string

	// Synthesis
	SynthesisMaxAttempts    int
	SynthesisBackoffBase    time.Duration
	SynthesisAttemptTimeout time.Duration

	// Interest cache
	RedisAddr         string // 空の場合はプロセス内キャッシュを使う
	RedisPassword     string
	InterestCacheTTL  time.Duration
	InterestCacheSize int

	// SMTP
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// Rate Limit
	RateLimitGeneral int // req/min/user
	RateLimitDigest  int // req/hour/user

	// File はDIGEST_CONFIG_FILEで指定された設定ファイルの内容。
	File FileConfig
}

// FileConfig は設定ファイル（YAML）の内容。
type FileConfig struct {
	Feeds        []string                  `yaml:"feeds"`
	SystemPrompt string                    `yaml:"system_prompt"`
	Backends     []synthesis.BackendConfig `yaml:"synthesis_backends"`
}

// defaultBackends は設定ファイルで音声合成バックエンドが指定されない場合に使う。
var defaultBackends = []synthesis.BackendConfig{
	{Name: "primary", Endpoint: "https://translate.google.com/translate_tts", Client: "tw-ob", RatePerSecond: 5},
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定、または設定ファイルが読み込めない場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	cfg.SMTPHost = os.Getenv("SMTP_HOST")
	if cfg.SMTPHost == "" {
		missing = append(missing, "SMTP_HOST")
	}
	cfg.SMTPFrom = os.Getenv("SMTP_FROM")
	if cfg.SMTPFrom == "" {
		missing = append(missing, "SMTP_FROM")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("必須の環境変数が設定されていません: %v", missing)
	}

	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.DueCheckToken = os.Getenv("DUE_CHECK_TOKEN")

	cfg.RunTimeout = getEnvDuration("RUN_TIMEOUT", 5*time.Minute)
	cfg.TaskTimeout = getEnvDuration("TASK_TIMEOUT", 10*time.Minute)
	cfg.DueCheckInterval = getEnvDuration("DUE_CHECK_INTERVAL", 5*time.Minute)
	cfg.ExpiryInterval = getEnvDuration("EXPIRY_INTERVAL", 24*time.Hour)

	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchMaxConcurrent = getEnvInt("FETCH_MAX_CONCURRENT", 4)
	cfg.FetchMaxItems = getEnvInt("FETCH_MAX_ITEMS", 10)
	cfg.AllowPrivateFeeds = getEnvBool("ALLOW_PRIVATE_FEEDS", false)

	cfg.GeneratorEndpoint = getEnvString("GENERATOR_ENDPOINT", "https://api.openai.com/v1/chat/completions")
	cfg.GeneratorModel = getEnvString("GENERATOR_MODEL", "gpt-4o-mini")
	cfg.GeneratorAPIKey = os.Getenv("GENERATOR_API_KEY")
	cfg.TranslateEndpoint = os.Getenv("TRANSLATE_ENDPOINT")
	cfg.TranslateAPIKey = os.Getenv("TRANSLATE_API_KEY")
	cfg.SentimentEndpoint = os.Getenv("SENTIMENT_ENDPOINT")
	cfg.SentimentAPIKey = os.Getenv("SENTIMENT_API_KEY")

	cfg.SynthesisMaxAttempts = getEnvInt("SYNTHESIS_MAX_ATTEMPTS", 3)
	cfg.SynthesisBackoffBase = getEnvDuration("SYNTHESIS_BACKOFF_BASE", 500*time.Millisecond)
	cfg.SynthesisAttemptTimeout = getEnvDuration("SYNTHESIS_ATTEMPT_TIMEOUT", 10*time.Second)

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.InterestCacheTTL = getEnvDuration("INTEREST_CACHE_TTL", 30*time.Minute)
	cfg.InterestCacheSize = getEnvInt("INTEREST_CACHE_SIZE", 1024)

	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 60)
	cfg.RateLimitDigest = getEnvInt("RATE_LIMIT_DIGEST", 6)

	if path := os.Getenv("DIGEST_CONFIG_FILE"); path != "" {
		file, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg.File = *file
	}
	if len(cfg.File.Backends) == 0 {
		cfg.File.Backends = append([]synthesis.BackendConfig(nil), defaultBackends...)
	}

	return cfg, nil
}

// LoadFile はYAMLの設定ファイルを読み込む。
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}

	for i, b := range fc.Backends {
		if strings.TrimSpace(b.Endpoint) == "" {
			return nil, fmt.Errorf("synthesis_backends[%d]のendpointが空です", i)
		}
		if b.Name == "" {
			fc.Backends[i].Name = fmt.Sprintf("backend-%d", i+1)
		}
	}
	return &fc, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
