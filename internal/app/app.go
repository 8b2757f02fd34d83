package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/trendboard/internal/ai"
	"github.com/hitoshi/trendboard/internal/analytics"
	"github.com/hitoshi/trendboard/internal/article"
	"github.com/hitoshi/trendboard/internal/classifier"
	"github.com/hitoshi/trendboard/internal/config"
	"github.com/hitoshi/trendboard/internal/database"
	"github.com/hitoshi/trendboard/internal/feed"
	"github.com/hitoshi/trendboard/internal/finnhub"
	"github.com/hitoshi/trendboard/internal/lock"
	"github.com/hitoshi/trendboard/internal/logger"
	"github.com/hitoshi/trendboard/internal/metrics"
	"github.com/hitoshi/trendboard/internal/repository"
	"github.com/hitoshi/trendboard/internal/security"
	"github.com/hitoshi/trendboard/internal/worker/cleanup"
	"github.com/hitoshi/trendboard/internal/worker/enrich"
	"github.com/hitoshi/trendboard/internal/worker/fetch"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化する
	logger.SetupDefaultWithLevel(w, cfg.LogLevel)

	return cfg, nil
}

// stores はバックエンドごとのリポジトリと接続のまとまり。
type stores struct {
	articles repository.ArticleRepository
	jobs     repository.JobRepository
	locks    repository.LockRepository
	ping     func(ctx context.Context) error
	close    func()
}

// openStores はSTORE_BACKENDに応じてストアに接続し、リポジトリを生成する。
func openStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (*stores, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		log.Info("database connection established", slog.String("backend", cfg.StoreBackend))
		return &stores{
			articles: repository.NewPostgresArticleRepo(db),
			jobs:     repository.NewPostgresJobRepo(db),
			locks:    repository.NewPostgresLockRepo(db),
			ping:     db.PingContext,
			close:    func() { closeDB(db, log) },
		}, nil

	case config.StoreBackendMongo:
		client, err := database.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		articles := repository.NewMongoArticleRepo(client.Collection(cfg.ArticlesCollection))
		jobs := repository.NewMongoJobRepo(client.Collection(cfg.EnrichmentQueue))
		if err := articles.EnsureIndexes(ctx); err != nil {
			log.Warn("failed to ensure article indexes", slog.String("error", err.Error()))
		}
		if err := jobs.EnsureIndexes(ctx); err != nil {
			log.Warn("failed to ensure queue indexes", slog.String("error", err.Error()))
		}
		log.Info("mongo connection established", slog.String("database", cfg.MongoDatabase))
		return &stores{
			articles: articles,
			jobs:     jobs,
			locks:    repository.NewMongoLockRepo(client.Collection(cfg.LocksCollection)),
			ping:     client.Ping,
			close: func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := client.Close(ctx); err != nil {
					log.Warn("failed to close mongo client", slog.String("error", err.Error()))
				}
			},
		}, nil

	default:
		log.Warn("using in-memory store; data is lost on restart")
		mem := repository.NewMemoryStore()
		return &stores{
			articles: mem.Articles,
			jobs:     mem.Jobs,
			locks:    mem.Locks,
			close:    func() {},
		}, nil
	}
}

func closeDB(db *sql.DB, log *slog.Logger) {
	if err := db.Close(); err != nil {
		log.Warn("failed to close database", slog.String("error", err.Error()))
	}
}

// components はコマンドが使う依存関係一式。
type components struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector

	stores *stores
	redis  *redis.Client

	ai        *ai.Client
	articles  *article.Service
	enforcer  *cleanup.Enforcer
	pipeline  *fetch.Pipeline
	scheduler *fetch.Scheduler
	worker    *enrich.Worker
	analytics *analytics.Service
}

// build はストアに接続し、全依存関係をワイヤリングする。
// 返されたcomponentsは使用後にCloseする。
func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*components, error) {
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	c := &components{
		cfg:      cfg,
		logger:   log,
		registry: prometheus.NewRegistry(),
		stores:   st,
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.metrics = metrics.NewCollector(c.registry)

	// Redisは任意。未設定または接続失敗時はストアのロックとプロセス内キャッシュを使う。
	var locker lock.Locker = lock.NewStoreLocker(st.locks, "")
	var cache analytics.Cache
	if cfg.RedisURL != "" {
		client, err := database.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn("redis unavailable, falling back to store lock and memory cache",
				slog.String("error", err.Error()),
			)
		} else {
			c.redis = client
			locker = lock.NewRedisLocker(client, "")
			cache = analytics.NewRedisCache(client)
			log.Info("redis connection established")
		}
	}

	// 外部API
	c.ai = ai.NewClient(&http.Client{Timeout: cfg.OpenRouterTimeout}, log, ai.Options{
		Endpoint:    cfg.OpenRouterBaseURL,
		APIKey:      cfg.OpenRouterAPIKey,
		Model:       cfg.OpenRouterModel,
		Temperature: cfg.OpenRouterTemperature,
		MaxTokens:   cfg.OpenRouterMaxTokens,
		Referer:     cfg.FrontendURL,
	})
	var completer classifier.Completer
	if c.ai.Configured() {
		completer = c.ai
	} else {
		log.Warn("OPENROUTER_API_KEY is not set; articles are classified by keywords only")
	}
	finnhubClient := finnhub.NewClient(&http.Client{Timeout: cfg.FinnhubTimeout}, log, finnhub.Options{
		BaseURL:       cfg.FinnhubBaseURL,
		APIKey:        cfg.FinnhubAPIKey,
		RatePerMinute: cfg.FinnhubRatePerMinute,
	})

	// ドメインサービス
	c.articles = article.NewService(
		st.articles, st.jobs,
		classifier.New(completer, log),
		security.NewContentSanitizer(),
		c.metrics, log,
		article.Options{
			MaxResults:       cfg.MaxResults,
			StatsScanSize:    cfg.CategoryStatsScanSize,
			DeleteBatchSize:  cfg.DeleteBatchSize,
			DeleteBatchPause: cfg.DeleteBatchPause,
		},
	)
	c.enforcer = cleanup.NewEnforcer(st.articles, c.metrics, log, cleanup.Options{
		MaxTotalArticles: cfg.MaxTotalArticles,
		RetentionDays:    cfg.RetentionDays,
		BatchSize:        cfg.DeleteBatchSize,
		BatchPause:       cfg.DeleteBatchPause,
	})

	var feeds fetch.FeedReader
	if len(cfg.RSSFeeds) > 0 {
		feeds = feed.NewReader(security.NewSSRFGuard(), log, cfg.RSSFetchTimeout, cfg.RSSMaxSize)
	}
	c.pipeline = fetch.NewPipeline(
		fetch.NewFinnhubSource(finnhubClient, log, cfg.FinnhubIPOWindowDays),
		feeds,
		c.articles,
		c.enforcer,
		locker,
		c.metrics,
		log,
		fetch.Options{
			RSSFeeds:      cfg.RSSFeeds,
			BatchSize:     cfg.CronBatchSize,
			BatchDelay:    cfg.CronBatchDelay,
			CategoryDelay: cfg.CronCategoryWait,
			LockTTL:       cfg.CronLockTTL,
		},
	)
	c.scheduler = fetch.NewScheduler(c.pipeline, log, fetch.SchedulerOptions{
		Enabled:         cfg.EnableCron,
		Schedule:        cfg.NewsFetchCron,
		RunInitialFetch: cfg.RunInitialFetch,
	})

	c.worker = enrich.NewWorker(st.jobs, st.articles, c.ai, c.metrics, log, enrich.Options{
		BatchSize:    cfg.EnrichBatchSize,
		PollInterval: cfg.EnrichPollInterval,
		JobGap:       cfg.EnrichJobGap,
		StaleAfter:   cfg.EnrichStaleAfter,
	})

	c.analytics = analytics.NewService(st.articles, cache, cfg.AnalyticsCacheTTL, log)

	return c, nil
}

// Close はストアとRedisの接続を閉じる。
func (c *components) Close() {
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}
	c.stores.close()
}

// ping はストアの疎通を確認する。インメモリストアは常に成功する。
func (c *components) ping(ctx context.Context) error {
	if c.stores.ping == nil {
		return nil
	}
	return c.stores.ping(ctx)
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
