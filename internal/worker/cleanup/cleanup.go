// Package cleanup はストレージのクォータ制御ジョブを提供する。
// 保持期間を超過した記事の削除と、総記事数の上限を超えた分の古い記事の削除を
// 日次バッチで行い、ストレージ使用状況の統計を返す。
package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hitoshi/trendboard/internal/metrics"
	"github.com/hitoshi/trendboard/internal/model"
	"github.com/hitoshi/trendboard/internal/repository"
)

const (
	// DefaultMaxTotalArticles は保持する記事数の上限。
	DefaultMaxTotalArticles = 500
	// DefaultRetentionDays は記事の保持日数。
	DefaultRetentionDays = 30

	dayMillis = int64(24 * time.Hour / time.Millisecond)

	// isoMillis はミリ秒精度のUTC ISO 8601表記。
	isoMillis = "2006-01-02T15:04:05.000Z"
)

// Options はEnforcerの設定。
type Options struct {
	MaxTotalArticles int
	RetentionDays    int
	BatchSize        int
	BatchPause       time.Duration
}

// Enforcer は記事ストアのクォータ制御を行う。
// 削除はすべてdatetimeを基準とし、1バッチ最大500件ずつ行う。
type Enforcer struct {
	articles repository.ArticleRepository
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	opts     Options

	// Now は現在時刻を返す。テストで差し替える。
	Now func() time.Time
}

// NewEnforcer は新しいEnforcerを生成する。
// 0以下の設定値はデフォルト値（上限500件、保持30日、バッチ500件）になる。
func NewEnforcer(articles repository.ArticleRepository, collector metrics.MetricsCollector, logger *slog.Logger, opts Options) *Enforcer {
	if opts.MaxTotalArticles <= 0 {
		opts.MaxTotalArticles = DefaultMaxTotalArticles
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = DefaultRetentionDays
	}
	if opts.BatchSize <= 0 || opts.BatchSize > repository.DefaultDeleteBatchSize {
		opts.BatchSize = repository.DefaultDeleteBatchSize
	}
	return &Enforcer{
		articles: articles,
		metrics:  metrics.OrNop(collector),
		logger:   logger,
		opts:     opts,
		Now:      time.Now,
	}
}

// RetentionDays は設定済みの保持日数を返す。
func (e *Enforcer) RetentionDays() int {
	return e.opts.RetentionDays
}

// MaxTotalArticles は設定済みの記事数上限を返す。
func (e *Enforcer) MaxTotalArticles() int {
	return e.opts.MaxTotalArticles
}

// EnforceRetention は保持期間を超過した記事を削除し、削除件数を返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (e *Enforcer) EnforceRetention(ctx context.Context) (int, error) {
	start := time.Now()
	cutoff := e.Now().UnixMilli() - int64(e.opts.RetentionDays)*dayMillis

	deleted, err := repository.DeleteInBatches(ctx, e.articles,
		func(ctx context.Context, n int) ([]string, error) {
			return e.articles.ListIDsOlderThan(ctx, cutoff, n)
		},
		e.opts.BatchSize, e.opts.BatchPause,
	)
	e.metrics.RecordQuotaDeleted("retention", deleted)
	if err != nil {
		e.logger.Error("保持期間による記事削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", e.opts.RetentionDays),
			slog.Int("deleted_count", deleted),
		)
		return deleted, fmt.Errorf("保持期間による記事削除に失敗: %w", err)
	}

	e.logger.Info("保持期間による記事削除が完了しました",
		slog.Int("deleted_count", deleted),
		slog.Int("retention_days", e.opts.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return deleted, nil
}

// EnforceTotalLimit は記事数が上限を超えている場合、超過分をdatetimeの古い順に削除する。
func (e *Enforcer) EnforceTotalLimit(ctx context.Context) (int, error) {
	start := time.Now()

	total, err := e.articles.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("記事数の取得に失敗: %w", err)
	}

	e.logger.Info("記事数を確認しました",
		slog.Int("total", total),
		slog.Int("max_total_articles", e.opts.MaxTotalArticles),
	)
	if total <= e.opts.MaxTotalArticles {
		return 0, nil
	}

	remaining := total - e.opts.MaxTotalArticles
	e.logger.Warn("記事数が上限を超えています",
		slog.Int("excess", remaining),
	)

	deleted, err := repository.DeleteInBatches(ctx, e.articles,
		func(ctx context.Context, n int) ([]string, error) {
			if remaining <= 0 {
				return nil, nil
			}
			ids, err := e.articles.ListOldestIDs(ctx, min(n, remaining))
			remaining -= len(ids)
			return ids, err
		},
		e.opts.BatchSize, e.opts.BatchPause,
	)
	e.metrics.RecordQuotaDeleted("limit", deleted)
	if err != nil {
		e.logger.Error("上限超過分の記事削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("deleted_count", deleted),
		)
		return deleted, fmt.Errorf("上限超過分の記事削除に失敗: %w", err)
	}

	e.logger.Info("上限超過分の記事削除が完了しました",
		slog.Int("deleted_count", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return deleted, nil
}

// GetStorageStats はストレージ使用状況を返す。
// サイズは各記事のJSON表現の長さの合計から見積もる。
func (e *Enforcer) GetStorageStats(ctx context.Context) (*model.StorageStats, error) {
	articles, err := e.articles.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("ストレージ統計の取得に失敗: %w", err)
	}

	stats := &model.StorageStats{
		TotalDocuments: len(articles),
		CategoryCounts: make(map[string]int),
	}

	var oldest, newest int64
	for i, a := range articles {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("記事サイズの算出に失敗: %w", err)
		}
		stats.EstimatedBytes += int64(len(b))

		category := string(a.Category)
		if category == "" {
			category = "Unknown"
		}
		stats.CategoryCounts[category]++

		if i == 0 || a.Datetime < oldest {
			oldest = a.Datetime
		}
		if i == 0 || a.Datetime > newest {
			newest = a.Datetime
		}
	}

	stats.EstimatedSizeMB = round(float64(stats.EstimatedBytes)/(1024*1024), 2)
	stats.PercentOfLimit = round(float64(stats.TotalDocuments)/float64(e.opts.MaxTotalArticles)*100, 1)

	if len(articles) > 0 {
		stats.OldestArticle = model.StringPtr(formatMillis(oldest))
		stats.NewestArticle = model.StringPtr(formatMillis(newest))
	}
	return stats, nil
}

// EnforceAll は保持期間、上限、統計の順にクォータ制御を実行する。
// 途中で失敗した場合はそこで中断し、それまでの結果とエラーを返す。
func (e *Enforcer) EnforceAll(ctx context.Context) (*model.EnforceResult, error) {
	e.logger.Info("クォータ制御を開始します")
	result := &model.EnforceResult{}

	var err error
	if result.RetentionDeleted, err = e.EnforceRetention(ctx); err != nil {
		return result, err
	}
	if result.LimitDeleted, err = e.EnforceTotalLimit(ctx); err != nil {
		return result, err
	}
	if result.Stats, err = e.GetStorageStats(ctx); err != nil {
		return result, err
	}

	e.logger.Info("クォータ制御が完了しました",
		slog.Int("retention_deleted", result.RetentionDeleted),
		slog.Int("limit_deleted", result.LimitDeleted),
		slog.Int("total_documents", result.Stats.TotalDocuments),
		slog.Float64("percent_of_limit", result.Stats.PercentOfLimit),
	)
	return result, nil
}

// Start は指定間隔でEnforceAllを実行する。起動直後に1回実行し、
// コンテキストがキャンセルされるまで継続する。
func (e *Enforcer) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("クォータ制御ジョブを開始しました",
		slog.Duration("interval", interval),
	)

	e.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("クォータ制御ジョブを停止しました")
			return
		case <-ticker.C:
			e.runLogged(ctx)
		}
	}
}

func (e *Enforcer) runLogged(ctx context.Context) {
	if _, err := e.EnforceAll(ctx); err != nil {
		e.logger.Error("クォータ制御の実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(isoMillis)
}
