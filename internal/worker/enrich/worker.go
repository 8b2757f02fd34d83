// Package enrich はエンリッチメントキューを処理するバックグラウンドワーカーを提供する。
// pendingのジョブを古い順に取得し、AIで記事を分析して結果を書き戻す。
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/trendboard/internal/ai"
	"github.com/hitoshi/trendboard/internal/classifier"
	"github.com/hitoshi/trendboard/internal/metrics"
	"github.com/hitoshi/trendboard/internal/model"
	"github.com/hitoshi/trendboard/internal/repository"
	"github.com/hitoshi/trendboard/internal/retry"
)

const (
	systemPrompt     = "Return ONLY valid JSON."
	userPromptFormat = "Analyze: %s. Return JSON with summary, sentiment, impact, tags, category."
	maxTextChars     = 2000
	temperature      = 0.2
	maxTokens        = 350
)

// ジョブ処理結果（メトリクスのラベル）
const (
	OutcomeEnriched       = "enriched"
	OutcomeRetry          = "retry"
	OutcomeFailed         = "failed"
	OutcomeArticleMissing = "article_missing"
	OutcomeLostClaim      = "lost_claim"
)

// Options はワーカーの設定パラメータ。
type Options struct {
	// BatchSize は1回のポーリングで取得するジョブ数（デフォルト: 3）。
	BatchSize int
	// PollInterval はキューが空の場合の待機時間（デフォルト: 3秒）。エラー時はこの2倍待つ。
	PollInterval time.Duration
	// JobGap はジョブ間の待機時間（デフォルト: 1秒）。
	JobGap time.Duration
	// StaleAfter はprocessingのまま放置されたジョブをpendingに戻すまでの時間（デフォルト: 10分）。
	StaleAfter time.Duration
}

// DefaultOptions はデフォルトのワーカー設定を返す。
func DefaultOptions() Options {
	return Options{
		BatchSize:    3,
		PollInterval: 3 * time.Second,
		JobGap:       time.Second,
		StaleAfter:   10 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.JobGap <= 0 {
		o.JobGap = d.JobGap
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = d.StaleAfter
	}
	return o
}

// Worker はエンリッチメントキューのワーカー。
// 複数のワーカーが同じキューを処理しても、Claimにより各ジョブは1つのワーカーだけが処理する。
type Worker struct {
	jobs      repository.JobRepository
	articles  repository.ArticleRepository
	completer classifier.Completer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	opts      Options
	retryOpts retry.Options

	// Now は現在時刻を返す。テストで差し替える。
	Now func() time.Time
	// Sleep はポーリング・ジョブ間の待機処理。テストで差し替える。
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewWorker はWorkerの新しいインスタンスを生成する。
func NewWorker(
	jobs repository.JobRepository,
	articles repository.ArticleRepository,
	completer classifier.Completer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	opts Options,
) *Worker {
	w := &Worker{
		jobs:      jobs,
		articles:  articles,
		completer: completer,
		metrics:   metrics.OrNop(collector),
		logger:    logger,
		opts:      opts.withDefaults(),
		Now:       time.Now,
		Sleep:     retry.Sleep,
	}
	w.retryOpts = retry.Options{
		Retries:    2,
		MinTimeout: 2 * time.Second,
		MaxTimeout: 2 * time.Second,
		Retryable:  ai.Retryable,
		OnRetry: func(attempt int, err error) {
			w.logger.Warn("AI呼び出しを再試行します",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}
	return w
}

// SetRetrySleep はAI呼び出しのリトライ待機関数を差し替える。テスト用。
func (w *Worker) SetRetrySleep(sleep func(ctx context.Context, d time.Duration) error) {
	w.retryOpts.Sleep = sleep
}

// Start はコンテキストがキャンセルされるまでキューをポーリングする。
// キューが空ならPollInterval、ポーリングに失敗したらその2倍待つ。
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("エンリッチメントワーカーを開始しました",
		slog.Int("batch_size", w.opts.BatchSize),
		slog.Duration("poll_interval", w.opts.PollInterval),
	)

	for {
		if ctx.Err() != nil {
			w.logger.Info("エンリッチメントワーカーを停止しました")
			return
		}

		processed, err := w.RunOnce(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() == nil {
				w.logger.Error("キューのポーリングに失敗しました",
					slog.String("error", err.Error()),
				)
			}
			wait = 2 * w.opts.PollInterval
		case processed == 0:
			wait = w.opts.PollInterval
		}

		if wait > 0 {
			if err := w.Sleep(ctx, wait); err != nil {
				w.logger.Info("エンリッチメントワーカーを停止しました")
				return
			}
		}
	}
}

// RunOnce はpendingのジョブを最大BatchSize件取得して順に処理し、取得したジョブ数を返す。
// 処理の前に、startedAtがStaleAfterより古いprocessingのジョブをpendingに戻す。
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	now := w.Now()
	reset, err := w.jobs.ResetStale(ctx, now.Add(-w.opts.StaleAfter).UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("滞留ジョブの復旧に失敗しました: %w", err)
	}
	if reset > 0 {
		w.logger.Warn("処理中のまま滞留したジョブをpendingに戻しました",
			slog.Int("count", reset),
		)
	}

	jobs, err := w.jobs.ListPending(ctx, w.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("pendingジョブの取得に失敗しました: %w", err)
	}

	for i, job := range jobs {
		if i > 0 {
			if err := w.Sleep(ctx, w.opts.JobGap); err != nil {
				return i, err
			}
		}
		// 開始したジョブはキャンセルされても最後まで処理する
		outcome := w.processJob(context.WithoutCancel(ctx), job)
		w.metrics.RecordEnrichmentJob(outcome)
	}
	return len(jobs), nil
}

// processJob は1件のジョブを処理し、結果を返す。
func (w *Worker) processJob(ctx context.Context, job *model.EnrichmentJob) string {
	start := time.Now()

	claimed, err := w.jobs.Claim(ctx, job.ID, w.Now().UnixMilli())
	if err != nil {
		w.logger.Error("ジョブの取得に失敗しました",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return w.fail(ctx, job, err)
	}
	if !claimed {
		w.logger.Info("ジョブは他のワーカーが処理中です",
			slog.String("job_id", job.ID),
		)
		return OutcomeLostClaim
	}

	a, err := w.articles.FindByID(ctx, job.ArticleID)
	if err != nil {
		return w.fail(ctx, job, fmt.Errorf("記事の取得に失敗しました: %w", err))
	}
	if a == nil {
		w.logger.Warn("記事が存在しないためジョブを削除します",
			slog.String("job_id", job.ID),
			slog.String("article_id", job.ArticleID),
		)
		if err := w.jobs.Delete(ctx, job.ID); err != nil {
			return w.fail(ctx, job, fmt.Errorf("ジョブの削除に失敗しました: %w", err))
		}
		return OutcomeArticleMissing
	}

	update, err := w.analyze(ctx, a)
	if err != nil {
		return w.fail(ctx, job, err)
	}

	if err := w.articles.UpdateEnrichment(ctx, a.ID, update); err != nil {
		return w.fail(ctx, job, fmt.Errorf("エンリッチメント結果の保存に失敗しました: %w", err))
	}
	if err := w.jobs.Delete(ctx, job.ID); err != nil {
		return w.fail(ctx, job, fmt.Errorf("ジョブの削除に失敗しました: %w", err))
	}

	w.logger.Info("記事のエンリッチメントが完了しました",
		slog.String("job_id", job.ID),
		slog.String("article_id", a.ID),
		slog.String("sentiment", string(update.Sentiment)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return OutcomeEnriched
}

// analyze はAIで記事を分析し、書き戻す項目を組み立てる。
// 応答が不正なJSONの場合はエラーにせず既定値を使う。
func (w *Worker) analyze(ctx context.Context, a *model.Article) (model.EnrichmentUpdate, error) {
	if w.completer == nil {
		return model.EnrichmentUpdate{}, ai.ErrNotConfigured
	}

	text := a.Title + "\n\n" + a.Summary
	req := ai.Request{
		Messages: []ai.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf(userPromptFormat, classifier.Truncate(text, maxTextChars))},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	content, err := retry.Value(ctx, func(ctx context.Context) (string, error) {
		return w.completer.Complete(ctx, req)
	}, w.retryOpts)
	if err != nil {
		return model.EnrichmentUpdate{}, err
	}

	parsed, err := classifier.ParseCompletion(content)
	if err != nil {
		w.logger.Warn("AI応答が不正なJSONのため既定値を使用します",
			slog.String("article_id", a.ID),
			slog.String("error", err.Error()),
		)
		parsed = classifier.Completion{}
	}

	summary := parsed.Summary
	if summary == "" {
		summary = a.Summary
	}
	return model.EnrichmentUpdate{
		AISummary:   summary,
		Sentiment:   model.ParseSentiment(parsed.Sentiment),
		Impact:      model.ParseImpact(parsed.Impact),
		Tags:        classifier.NormalizeTags(parsed.Tags),
		Category:    classifier.ResolveCategory(a.Category, parsed.Category),
		ProcessedAt: w.Now().UnixMilli(),
		Status:      model.StatusEnriched,
	}, nil
}

// fail は失敗回数を加算し、上限に達したジョブをfailedにする。
func (w *Worker) fail(ctx context.Context, job *model.EnrichmentJob, cause error) string {
	attempts := job.Attempts + 1
	status := model.NextStatusAfterFailure(attempts)

	w.logger.Error("エンリッチメントに失敗しました",
		slog.String("job_id", job.ID),
		slog.String("article_id", job.ArticleID),
		slog.Int("attempts", attempts),
		slog.String("status", string(status)),
		slog.String("error", cause.Error()),
	)

	if err := w.jobs.RecordFailure(ctx, job.ID, attempts, status, cause.Error(), w.Now().UnixMilli()); err != nil {
		w.logger.Error("ジョブの失敗記録に失敗しました",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	if status == model.StatusFailed {
		return OutcomeFailed
	}
	return OutcomeRetry
}
