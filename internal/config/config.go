package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストアバックエンドの種別
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMongo    = "mongo"
	StoreBackendMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Server
	ServerPort      string
	Environment     string
	FrontendURL     string
	ShutdownTimeout time.Duration
	LogLevel        string
	TrustProxy      bool

	// Store
	StoreBackend          string
	DatabaseURL           string
	MongoURI              string
	MongoDatabase         string
	ArticlesCollection    string
	EnrichmentQueue       string
	LocksCollection       string
	RetentionDays         int
	MaxResults            int
	MaxTotalArticles      int
	DeleteBatchSize       int
	DeleteBatchPause      time.Duration
	CleanupInterval       time.Duration
	CategoryStatsScanSize int

	// Redis
	RedisURL string

	// Finnhub
	FinnhubAPIKey        string
	FinnhubBaseURL       string
	FinnhubTimeout       time.Duration
	FinnhubIPOWindowDays int
	FinnhubRatePerMinute int

	// OpenRouter
	OpenRouterAPIKey      string
	OpenRouterBaseURL     string
	OpenRouterModel       string
	OpenRouterTemperature float64
	OpenRouterMaxTokens   int
	OpenRouterTimeout     time.Duration

	// RSS
	RSSFeeds        []string
	RSSFetchTimeout time.Duration
	RSSMaxSize      int64

	// Cron
	EnableCron       bool
	RunInitialFetch  bool
	NewsFetchCron    string
	CronLockTTL      time.Duration
	CronBatchSize    int
	CronBatchDelay   time.Duration
	CronCategoryWait time.Duration

	// Analytics
	AnalyticsCacheTTL time.Duration

	// Worker
	EnableWorker       bool
	EnrichPollInterval time.Duration
	EnrichBatchSize    int
	EnrichJobGap       time.Duration
	EnrichStaleAfter   time.Duration

	// Rate Limit
	RateLimitWindow time.Duration
	RateLimitMax    int
	RateLimitDevMax int
}

// IsDevelopment は開発環境かどうかを返す。
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	// .envが無いのは正常系
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.StoreBackend = strings.ToLower(getEnvString("STORE_BACKEND", StoreBackendPostgres))

	// Required fields
	var missing []string

	cfg.FinnhubAPIKey = os.Getenv("FINNHUB_API_KEY")
	if cfg.FinnhubAPIKey == "" {
		missing = append(missing, "FINNHUB_API_KEY")
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.MongoURI = os.Getenv("MONGO_URI")
	switch cfg.StoreBackend {
	case StoreBackendPostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case StoreBackendMongo:
		if cfg.MongoURI == "" {
			missing = append(missing, "MONGO_URI")
		}
	case StoreBackendMemory:
	default:
		return nil, fmt.Errorf("unsupported STORE_BACKEND: %q", cfg.StoreBackend)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("PORT", "5000")
	cfg.Environment = getEnvString("APP_ENV", "production")
	cfg.FrontendURL = getEnvString("FRONTEND_URL", "http://localhost:5173")
	cfg.ShutdownTimeout = getEnvMillis("SHUTDOWN_TIMEOUT_MS", 10*time.Second)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", false)

	cfg.MongoDatabase = getEnvString("MONGO_DATABASE", "trendboard")
	cfg.ArticlesCollection = getEnvString("ARTICLES_COLLECTION", "articles")
	cfg.EnrichmentQueue = getEnvString("ENRICHMENT_QUEUE_COLLECTION", "enrichment_queue")
	cfg.LocksCollection = getEnvString("LOCKS_COLLECTION", "locks")
	cfg.RetentionDays = getEnvInt("RETENTION_DAYS", 30)
	cfg.MaxResults = getEnvInt("MAX_RESULTS", 100)
	cfg.MaxTotalArticles = getEnvInt("MAX_TOTAL_ARTICLES", 500)
	cfg.DeleteBatchSize = getEnvInt("DELETE_BATCH_SIZE", 500)
	cfg.DeleteBatchPause = getEnvMillis("DELETE_BATCH_PAUSE_MS", 500*time.Millisecond)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.CategoryStatsScanSize = getEnvInt("CATEGORY_STATS_SCAN_SIZE", 200)

	cfg.RedisURL = getEnvString("REDIS_URL", "")

	cfg.FinnhubBaseURL = getEnvString("FINNHUB_BASE_URL", "https://finnhub.io/api/v1")
	cfg.FinnhubTimeout = getEnvMillis("FINNHUB_TIMEOUT_MS", 15*time.Second)
	cfg.FinnhubIPOWindowDays = getEnvInt("FINNHUB_IPO_WINDOW_DAYS", 30)
	cfg.FinnhubRatePerMinute = getEnvInt("FINNHUB_RATE_PER_MINUTE", 60)

	cfg.OpenRouterAPIKey = getEnvString("OPENROUTER_API_KEY", "")
	cfg.OpenRouterBaseURL = getEnvString("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1/chat/completions")
	cfg.OpenRouterModel = getEnvString("OPENROUTER_MODEL", "meta-llama/llama-4-maverick:free")
	cfg.OpenRouterTemperature = getEnvFloat("OPENROUTER_TEMPERATURE", 0.2)
	cfg.OpenRouterMaxTokens = getEnvInt("OPENROUTER_MAX_TOKENS", 350)
	cfg.OpenRouterTimeout = getEnvMillis("OPENROUTER_TIMEOUT_MS", 30*time.Second)

	cfg.RSSFeeds = getEnvList("RSS_FEEDS")
	cfg.RSSFetchTimeout = getEnvDuration("RSS_FETCH_TIMEOUT", 10*time.Second)
	cfg.RSSMaxSize = getEnvInt64("RSS_MAX_SIZE", 5242880)

	cfg.EnableCron = getEnvBool("ENABLE_CRON", false)
	cfg.RunInitialFetch = getEnvBool("RUN_INITIAL_FETCH", false)
	cfg.NewsFetchCron = getEnvString("NEWS_FETCH_CRON", "0 */6 * * *")
	cfg.CronLockTTL = getEnvMillis("CRON_LOCK_TTL_MS", 10*time.Minute)
	cfg.CronBatchSize = getEnvInt("CRON_BATCH_SIZE", 5)
	cfg.CronBatchDelay = getEnvMillis("CRON_BATCH_DELAY_MS", 2*time.Second)
	cfg.CronCategoryWait = getEnvMillis("CRON_CATEGORY_DELAY_MS", 2*time.Second)

	cfg.AnalyticsCacheTTL = getEnvMillis("ANALYTICS_CACHE_TTL_MS", time.Minute)

	cfg.EnableWorker = getEnvBool("ENABLE_WORKER", false)
	cfg.EnrichPollInterval = getEnvMillis("ENRICH_POLL_INTERVAL_MS", 3*time.Second)
	cfg.EnrichBatchSize = getEnvInt("ENRICH_BATCH_SIZE", 3)
	cfg.EnrichJobGap = getEnvMillis("ENRICH_JOB_GAP_MS", time.Second)
	cfg.EnrichStaleAfter = getEnvDuration("ENRICH_STALE_AFTER", 10*time.Minute)

	cfg.RateLimitWindow = getEnvMillis("RATE_LIMIT_WINDOW_MS", 15*time.Minute)
	cfg.RateLimitMax = getEnvInt("RATE_LIMIT_MAX", 100)
	cfg.RateLimitDevMax = getEnvInt("RATE_LIMIT_DEV_MAX", 1000)

	return cfg, nil
}

// RateLimitPerWindow は環境に応じたウィンドウあたりの上限リクエスト数を返す。
func (c *Config) RateLimitPerWindow() int {
	if c.IsDevelopment() {
		return c.RateLimitDevMax
	}
	return c.RateLimitMax
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

// getEnvBool は true/1/yes/on を真として扱う。
func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
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

// getEnvMillis はミリ秒整数で指定された値をDurationとして読み込む。
func getEnvMillis(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return defaultVal
	}
	return time.Duration(ms) * time.Millisecond
}

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
