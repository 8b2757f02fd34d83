package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/trendboard/internal/article"
	"github.com/hitoshi/trendboard/internal/config"
	"github.com/hitoshi/trendboard/internal/database"
	"github.com/hitoshi/trendboard/internal/handler"
	"github.com/hitoshi/trendboard/internal/middleware"
)

// runServe はAPIサーバーモードで起動する。
// ENABLE_CRONでスケジューラ、ENABLE_WORKERでエンリッチメントワーカーも同じプロセスで動かす。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	c, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	rlCfg := middleware.DefaultRateLimiterConfig()
	rlCfg.Window = cfg.RateLimitWindow
	rlCfg.Max = cfg.RateLimitPerWindow()
	rateLimiter := middleware.NewRateLimiter(rlCfg, log)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		Metrics:           c.metrics,
		Gatherer:          c.registry,
		CORSAllowedOrigin: cfg.FrontendURL,
		RateLimiter:       rateLimiter,
		HSTS:              !cfg.IsDevelopment(),
		TrustProxy:        cfg.TrustProxy,
		NewsService:       c.articles,
		Fetcher:           c.scheduler,
		Storage:           c.enforcer,
		AnalyticsService:  c.analytics,
		StorePinger:       c.ping,
		Environment:       cfg.Environment,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// 手動フェッチは数分かかるため書き込みタイムアウトは設定しない
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("environment", cfg.Environment),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := c.scheduler.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		c.scheduler.Stop()
		return nil
	})

	g.Go(func() error {
		c.enforcer.Start(gctx, cfg.CleanupInterval)
		return nil
	})

	if cfg.EnableWorker {
		g.Go(func() error {
			c.worker.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はエンリッチメントワーカーのみを起動する。
// ctxがキャンセルされると処理中のジョブを終えてから停止する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	c, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	log.Info("worker starting",
		slog.Int("batch_size", cfg.EnrichBatchSize),
		slog.Duration("poll_interval", cfg.EnrichPollInterval),
	)
	c.worker.Start(ctx)

	log.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreBackend != config.StoreBackendPostgres {
		slog.Info("migrations are only needed for the postgres backend",
			slog.String("backend", cfg.StoreBackend),
		)
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runFetch はパイプラインを1回実行し、結果をJSONで出力する。
func runFetch(ctx context.Context, cfg *config.Config, out io.Writer) error {
	c, err := build(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	res := c.pipeline.Run(ctx)
	if err := writeJSON(out, res); err != nil {
		return err
	}
	if !res.Success && !res.Skipped {
		return fmt.Errorf("fetch failed: %s", res.Error)
	}
	return nil
}

// runCleanup はクォータ制御を1回実行する。daysが正の場合は保持日数を上書きする。
func runCleanup(ctx context.Context, cfg *config.Config, days int, out io.Writer) error {
	if days > 0 {
		cfg.RetentionDays = days
	}
	c, err := build(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.enforcer.EnforceAll(ctx)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	return writeJSON(out, res)
}

// runStats はストレージ使用状況を出力する。
func runStats(ctx context.Context, cfg *config.Config, out io.Writer) error {
	c, err := build(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	stats, err := c.enforcer.GetStorageStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get storage stats: %w", err)
	}
	return writeJSON(out, stats)
}

// runReanalyze は保存済み記事のセンチメントをキーワード判定で再計算する。
func runReanalyze(ctx context.Context, cfg *config.Config, limit int, dryRun bool, out io.Writer) error {
	c, err := build(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.articles.Reanalyze(ctx, limit, dryRun)
	if err != nil {
		return fmt.Errorf("reanalyze failed: %w", err)
	}
	return writeJSON(out, res)
}

// enqueueResult はenqueueコマンドの出力。
type enqueueResult struct {
	Enqueued []string          `json:"enqueued"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// runEnqueue は記事をエンリッチメントキューに追加する。
// idsが空の場合は最新recent件を対象にする。
func runEnqueue(ctx context.Context, cfg *config.Config, ids []string, recent int, out io.Writer) error {
	c, err := build(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	if len(ids) == 0 {
		articles, err := c.articles.GetArticles(ctx, article.ArticleQuery{Limit: recent})
		if err != nil {
			return fmt.Errorf("failed to list articles: %w", err)
		}
		for _, a := range articles {
			ids = append(ids, a.ID)
		}
	}

	res := enqueueResult{Enqueued: []string{}}
	for _, id := range ids {
		if _, err := c.articles.EnqueueEnrichment(ctx, id); err != nil {
			if res.Failed == nil {
				res.Failed = make(map[string]string)
			}
			res.Failed[id] = err.Error()
			continue
		}
		res.Enqueued = append(res.Enqueued, id)
	}
	return writeJSON(out, res)
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /api/health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/api/health", port)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
