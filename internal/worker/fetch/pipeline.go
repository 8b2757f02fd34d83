// Package fetch はニュースの取得・エンリッチ・保存パイプラインと、
// その定期実行を行うcronスケジューラを提供する。
package fetch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/trendboard/internal/article"
	"github.com/hitoshi/trendboard/internal/feed"
	"github.com/hitoshi/trendboard/internal/finnhub"
	"github.com/hitoshi/trendboard/internal/lock"
	"github.com/hitoshi/trendboard/internal/metrics"
	"github.com/hitoshi/trendboard/internal/model"
	"github.com/hitoshi/trendboard/internal/retry"
)

// スキップ理由
const (
	ReasonAlreadyRunning = "already_running"
	ReasonLockHeld       = "lock_held"
	ReasonDisabled       = "disabled"
)

// IPOCategory はIPOカレンダーの結果を記録するキー。
const IPOCategory = "IPOs"

// 既定値
const (
	DefaultBatchSize     = 5
	DefaultBatchDelay    = 2 * time.Second
	DefaultCategoryDelay = 2 * time.Second
	DefaultLockTTL       = 10 * time.Minute

	releaseTimeout = 10 * time.Second
)

// DefaultCategories はFinnhubから取得するニュースカテゴリ。
var DefaultCategories = []string{finnhub.CategoryGeneral, finnhub.CategoryCrypto, finnhub.CategoryMerger}

// State はパイプラインの実行状態。
type State string

const (
	StateIdle      State = "idle"
	StateLocked    State = "locked"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// NewsSource はニュースとIPOカレンダーの取得元。
type NewsSource interface {
	FetchNews(ctx context.Context, category string) ([]model.RawArticle, error)
	FetchIPOs(ctx context.Context) ([]model.RawArticle, error)
}

// FeedReader は追加RSSフィードの取得元。
type FeedReader interface {
	Read(ctx context.Context, feedURL string) ([]model.RawArticle, error)
}

// ArticleSaver は記事をエンリッチして保存する。
type ArticleSaver interface {
	Save(ctx context.Context, raw model.RawArticle, checkDuplicate bool) article.SaveResult
}

// LimitEnforcer は保存後のクォータ制御を行う。
type LimitEnforcer interface {
	EnforceAll(ctx context.Context) (*model.EnforceResult, error)
}

// CategoryError はカテゴリ単位または記事単位のエラー。
type CategoryError struct {
	Category  string `json:"category"`
	ArticleID string `json:"articleId,omitempty"`
	Error     string `json:"error"`
}

// RunStats は1回の実行で取得・保存した件数。
type RunStats struct {
	Fetched map[string]int  `json:"fetched"`
	Saved   int             `json:"saved"`
	Skipped int             `json:"skipped"`
	Errors  []CategoryError `json:"errors"`
}

// RunResult はパイプライン1回分の結果。ロック競合などの調整結果はエラーではなくSkippedで表す。
type RunResult struct {
	Success     bool                 `json:"success"`
	Skipped     bool                 `json:"skipped,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	Results     *RunStats            `json:"results,omitempty"`
	Enforcement *model.EnforceResult `json:"enforcement,omitempty"`
	Error       string               `json:"error,omitempty"`
	StartedAt   time.Time            `json:"startedAt"`
	FinishedAt  time.Time            `json:"finishedAt"`
}

// Options はPipelineの設定。
type Options struct {
	Categories    []string
	RSSFeeds      []string
	BatchSize     int
	BatchDelay    time.Duration
	CategoryDelay time.Duration
	LockKey       string
	LockTTL       time.Duration
}

// Pipeline はニュースの取得・エンリッチ・保存を1回ずつ実行する。
// 同一プロセス内の多重実行はrunningフラグで、プロセス間の多重実行は分散ロックで防ぐ。
type Pipeline struct {
	source   NewsSource
	feeds    FeedReader
	saver    ArticleSaver
	enforcer LimitEnforcer
	locker   lock.Locker
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	opts     Options

	running atomic.Bool

	mu      sync.RWMutex
	state   State
	lastRun time.Time

	// Sleep はアイテム間・カテゴリ間の待機処理。テストで差し替える。
	Sleep func(ctx context.Context, d time.Duration) error
	// Now は現在時刻を返す。テストで差し替える。
	Now func() time.Time
}

// NewPipeline はPipelineを生成する。feedsはRSSフィードを使わない場合nilでよい。
func NewPipeline(
	source NewsSource,
	feeds FeedReader,
	saver ArticleSaver,
	enforcer LimitEnforcer,
	locker lock.Locker,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	opts Options,
) *Pipeline {
	if len(opts.Categories) == 0 {
		opts.Categories = DefaultCategories
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = DefaultBatchDelay
	}
	if opts.CategoryDelay <= 0 {
		opts.CategoryDelay = DefaultCategoryDelay
	}
	if opts.LockKey == "" {
		opts.LockKey = lock.NewsFetchKey
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	return &Pipeline{
		source:   source,
		feeds:    feeds,
		saver:    saver,
		enforcer: enforcer,
		locker:   locker,
		metrics:  metrics.OrNop(collector),
		logger:   logger,
		opts:     opts,
		state:    StateIdle,
		Sleep:    retry.Sleep,
		Now:      time.Now,
	}
}

// IsRunning はこのプロセスでパイプラインが実行中かどうかを返す。
func (p *Pipeline) IsRunning() bool {
	return p.running.Load()
}

// State は現在の実行状態を返す。
func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// LastRun は最後に実行を開始した時刻を返す。未実行の場合はゼロ値。
func (p *Pipeline) LastRun() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastRun
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Run はパイプラインを1回実行する。
// 実行中・ロック取得失敗の場合は何もせずSkippedを返す。
// ctxがキャンセルされた場合はアイテム・カテゴリの境界で中断する。
func (p *Pipeline) Run(ctx context.Context) RunResult {
	startedAt := p.Now()
	result := RunResult{StartedAt: startedAt}

	if !p.running.CompareAndSwap(false, true) {
		p.logger.Warn("パイプラインは既に実行中です")
		return p.skip(result, ReasonAlreadyRunning)
	}
	defer p.running.Store(false)

	acquired, err := p.locker.Acquire(ctx, p.opts.LockKey, p.opts.LockTTL)
	if err != nil {
		p.logger.Error("ロックの取得に失敗しました",
			slog.String("key", p.opts.LockKey),
			slog.String("error", err.Error()),
		)
	}
	if err != nil || !acquired {
		p.logger.Info("他のインスタンスがロックを保持しています",
			slog.String("key", p.opts.LockKey),
		)
		return p.skip(result, ReasonLockHeld)
	}
	p.setState(StateLocked)
	defer p.release(ctx)

	p.mu.Lock()
	p.state = StateRunning
	p.lastRun = startedAt
	p.mu.Unlock()
	p.logger.Info("パイプラインを開始します",
		slog.Any("categories", p.opts.Categories),
		slog.Int("rss_feeds", len(p.opts.RSSFeeds)),
	)

	stats := &RunStats{Fetched: make(map[string]int), Errors: []CategoryError{}}
	result.Results = stats

	runErr := p.runSteps(ctx, stats, &result)

	result.FinishedAt = p.Now()
	duration := result.FinishedAt.Sub(startedAt)
	if runErr != nil {
		result.Error = runErr.Error()
		p.setState(StateFailed)
		p.metrics.RecordPipelineRun("failed", duration)
		p.logger.Error("パイプラインが失敗しました",
			slog.String("error", runErr.Error()),
			slog.Int("saved", stats.Saved),
			slog.Int("skipped", stats.Skipped),
			slog.Int("errors", len(stats.Errors)),
		)
		return result
	}

	result.Success = true
	p.setState(StateCompleted)
	p.metrics.RecordPipelineRun("success", duration)
	p.logger.Info("パイプラインが完了しました",
		slog.Int("saved", stats.Saved),
		slog.Int("skipped", stats.Skipped),
		slog.Int("errors", len(stats.Errors)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return result
}

func (p *Pipeline) runSteps(ctx context.Context, stats *RunStats, result *RunResult) error {
	for i, category := range p.opts.Categories {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.processCategory(ctx, category, stats); err != nil {
			return err
		}
		if i < len(p.opts.Categories)-1 || len(p.opts.RSSFeeds) > 0 {
			if err := p.Sleep(ctx, p.opts.CategoryDelay); err != nil {
				return err
			}
		}
	}

	if err := p.processFeeds(ctx, stats); err != nil {
		return err
	}
	if err := p.processIPOs(ctx, stats); err != nil {
		return err
	}

	enforcement, err := p.enforcer.EnforceAll(ctx)
	result.Enforcement = enforcement
	return err
}

// processCategory はカテゴリのニュースを取得し、先頭BatchSize件を順に保存する。
// 取得エラーはカテゴリのエラーとして記録し、キャンセル以外はnilを返す。
func (p *Pipeline) processCategory(ctx context.Context, category string, stats *RunStats) error {
	p.logger.Info("カテゴリのニュースを取得します", slog.String("category", category))

	articles, err := p.source.FetchNews(ctx, category)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		p.recordCategoryError(stats, category, err)
		return nil
	}
	stats.Fetched[category] = len(articles)

	batch := articles
	if len(batch) > p.opts.BatchSize {
		batch = batch[:p.opts.BatchSize]
	}
	saved, err := p.saveAll(ctx, category, batch, true, p.opts.BatchDelay, stats)
	p.logger.Info("カテゴリの処理が完了しました",
		slog.String("category", category),
		slog.Int("saved", saved),
		slog.Int("batch", len(batch)),
	)
	return err
}

// processFeeds は追加RSSフィードを1つのカテゴリとして処理する。
func (p *Pipeline) processFeeds(ctx context.Context, stats *RunStats) error {
	if p.feeds == nil || len(p.opts.RSSFeeds) == 0 {
		return nil
	}

	var items []model.RawArticle
	for _, u := range p.opts.RSSFeeds {
		if err := ctx.Err(); err != nil {
			return err
		}
		got, err := p.feeds.Read(ctx, u)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			p.recordCategoryError(stats, feed.RawCategory, err)
			continue
		}
		items = append(items, got...)
	}
	stats.Fetched[feed.RawCategory] = len(items)

	if len(items) > p.opts.BatchSize {
		items = items[:p.opts.BatchSize]
	}
	_, err := p.saveAll(ctx, feed.RawCategory, items, true, p.opts.BatchDelay, stats)
	return err
}

// processIPOs はIPOカレンダーを取得して保存する。
// ステータスが更新されうるため重複チェックは行わない。
func (p *Pipeline) processIPOs(ctx context.Context, stats *RunStats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.logger.Info("IPOカレンダーを取得します")

	ipos, err := p.source.FetchIPOs(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		p.recordCategoryError(stats, IPOCategory, err)
		return nil
	}
	stats.Fetched[IPOCategory] = len(ipos)

	saved, err := p.saveAll(ctx, IPOCategory, ipos, false, 0, stats)
	p.logger.Info("IPOカレンダーの処理が完了しました",
		slog.Int("saved", saved),
		slog.Int("total", len(ipos)),
	)
	return err
}

// saveAll は記事を順に保存し、各保存の後にdelayだけ待機する。
func (p *Pipeline) saveAll(ctx context.Context, category string, items []model.RawArticle, checkDuplicate bool, delay time.Duration, stats *RunStats) (int, error) {
	saved := 0
	for _, raw := range items {
		if err := ctx.Err(); err != nil {
			return saved, err
		}

		res := p.saver.Save(ctx, raw, checkDuplicate)
		switch {
		case res.Success:
			saved++
			stats.Saved++
		case res.Reason == article.ReasonDuplicate:
			stats.Skipped++
		case res.Err != nil:
			stats.Errors = append(stats.Errors, CategoryError{
				Category:  category,
				ArticleID: raw.ID,
				Error:     res.Err.Error(),
			})
		}

		if delay > 0 {
			if err := p.Sleep(ctx, delay); err != nil {
				return saved, err
			}
		}
	}
	return saved, nil
}

func (p *Pipeline) recordCategoryError(stats *RunStats, category string, err error) {
	p.logger.Error("カテゴリの取得に失敗しました",
		slog.String("category", category),
		slog.String("error", err.Error()),
	)
	p.metrics.RecordCategoryError(category)
	stats.Errors = append(stats.Errors, CategoryError{Category: category, Error: err.Error()})
}

func (p *Pipeline) skip(result RunResult, reason string) RunResult {
	result.Skipped = true
	result.Reason = reason
	result.FinishedAt = p.Now()
	p.metrics.RecordPipelineRun("skipped", 0)
	return result
}

// release はrunのキャンセルに関係なくロックを解放し、状態をidleに戻す。
// 解放エラーはログに記録するのみ。
func (p *Pipeline) release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := p.locker.Release(ctx, p.opts.LockKey); err != nil {
		p.logger.Warn("ロックの解放に失敗しました",
			slog.String("key", p.opts.LockKey),
			slog.String("error", err.Error()),
		)
	}
	p.setState(StateIdle)
}
