// Package article は記事の保存・取得・集計を行うサービスを提供する。
package article

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/trendboard/internal/classifier"
	"github.com/hitoshi/trendboard/internal/metrics"
	"github.com/hitoshi/trendboard/internal/model"
	"github.com/hitoshi/trendboard/internal/repository"
	"github.com/hitoshi/trendboard/internal/security"
)

const (
	// DefaultLimit はGetArticlesの既定件数。
	DefaultLimit = 100
	// DefaultMaxResults はストアから1回に読み出す最大件数。
	DefaultMaxResults = 100
	// DefaultStatsScanSize はカテゴリ集計で走査する最新記事数。
	DefaultStatsScanSize = 200
)

// SaveReason はSaveが記事を保存しなかった理由。
type SaveReason string

const (
	ReasonDuplicate      SaveReason = "duplicate"
	ReasonInvalidArticle SaveReason = "invalid_article"
	ReasonError          SaveReason = "error"
)

// SaveResult はSaveの結果。保存失敗はエラーではなくReasonで表す。
type SaveResult struct {
	Success bool
	Doc     *model.Article
	Reason  SaveReason
	Err     error
}

// ArticleQuery はGetArticlesの条件。
type ArticleQuery struct {
	Category model.Category
	Search   string
	Impact   model.Impact
	Limit    int
}

// Enricher は記事をエンリッチする。
type Enricher interface {
	Enrich(ctx context.Context, raw model.RawArticle) classifier.Enrichment
}

// Options はServiceの設定。
type Options struct {
	MaxResults       int
	StatsScanSize    int
	DeleteBatchSize  int
	DeleteBatchPause time.Duration
}

// Service は記事の保存・取得・集計を提供する。
type Service struct {
	articles  repository.ArticleRepository
	jobs      repository.JobRepository
	enricher  Enricher
	sanitizer security.ContentSanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	opts      Options

	// Now は現在時刻を返す。テストで差し替える。
	Now func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	articles repository.ArticleRepository,
	jobs repository.JobRepository,
	enricher Enricher,
	sanitizer security.ContentSanitizer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	opts Options,
) *Service {
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.StatsScanSize <= 0 {
		opts.StatsScanSize = DefaultStatsScanSize
	}
	if opts.DeleteBatchSize <= 0 {
		opts.DeleteBatchSize = repository.DefaultDeleteBatchSize
	}
	return &Service{
		articles:  articles,
		jobs:      jobs,
		enricher:  enricher,
		sanitizer: sanitizer,
		metrics:   metrics.OrNop(collector),
		logger:    logger,
		opts:      opts,
		Now:       time.Now,
	}
}

// IsDuplicate は記事が既に保存されているかを返す。
// ストアのエラーはログに記録し、重複なし(false)として扱う。
func (s *Service) IsDuplicate(ctx context.Context, id string) bool {
	exists, err := s.articles.Exists(ctx, id)
	if err != nil {
		s.logger.Error("重複チェックに失敗しました",
			slog.String("article_id", id),
			slog.String("error", err.Error()),
		)
		return false
	}
	return exists
}

// Save は記事をエンリッチして保存する。checkDuplicateがtrueの場合、
// 既存IDの記事はエンリッチせずにスキップする。
// キーワード判定にフォールバックした場合は既存のエンリッチメント項目を上書きしない。
func (s *Service) Save(ctx context.Context, raw model.RawArticle, checkDuplicate bool) SaveResult {
	if strings.TrimSpace(raw.ID) == "" {
		s.logger.Warn("記事IDが空のため保存しません")
		s.metrics.RecordArticleSkipped(string(ReasonInvalidArticle))
		return SaveResult{Reason: ReasonInvalidArticle}
	}

	if checkDuplicate && s.IsDuplicate(ctx, raw.ID) {
		s.logger.Debug("保存済みの記事のためスキップします", slog.String("article_id", raw.ID))
		s.metrics.RecordArticleSkipped(string(ReasonDuplicate))
		return SaveResult{Reason: ReasonDuplicate}
	}

	raw.Headline = s.sanitizer.Sanitize(raw.Headline)
	raw.Summary = s.sanitizer.Sanitize(raw.Summary)

	enr := s.enricher.Enrich(ctx, raw)
	doc := s.buildArticle(raw, enr)

	opts := repository.UpsertOptions{PreserveEnrichment: enr.Source == classifier.SourceKeyword}
	if err := s.articles.Upsert(ctx, doc, opts); err != nil {
		s.logger.Error("記事の保存に失敗しました",
			slog.String("article_id", raw.ID),
			slog.String("error", err.Error()),
		)
		s.metrics.RecordArticleSkipped(string(ReasonError))
		return SaveResult{Reason: ReasonError, Err: err}
	}

	s.logger.Info("記事を保存しました",
		slog.String("article_id", doc.ID),
		slog.String("category", string(doc.Category)),
		slog.String("enrichment", string(enr.Source)),
	)
	s.metrics.RecordArticleSaved(string(enr.Source))
	return SaveResult{Success: true, Doc: doc}
}

func (s *Service) buildArticle(raw model.RawArticle, enr classifier.Enrichment) *model.Article {
	now := s.Now().UnixMilli()

	datetime := now
	if raw.Datetime > 0 {
		datetime = raw.Datetime * 1000
	}
	title := raw.Headline
	if title == "" {
		title = "Untitled"
	}
	source := raw.Source
	if source == "" {
		source = "Unknown"
	}
	tags := enr.Tags
	if tags == nil {
		tags = []string{}
	}

	return &model.Article{
		ID:          raw.ID,
		Title:       title,
		Summary:     raw.Summary,
		AISummary:   model.StringPtr(enr.Summary),
		Source:      source,
		URL:         raw.URL,
		Image:       raw.Image,
		Category:    classifier.MapCategory(raw.Category, enr.Category),
		Sentiment:   enr.Sentiment,
		Impact:      enr.Impact,
		Tags:        tags,
		Datetime:    datetime,
		FetchedAt:   now,
		ProcessedAt: now,
		Status:      model.StatusEnriched,
	}
}

// GetArticles は条件に一致する記事をdatetime降順で返す。
// カテゴリ指定時はストアからMaxResults件を読み、並べ替えてからlimitで切り詰める。
// 影響度と検索語による絞り込みは切り詰めの後に行う。
func (s *Service) GetArticles(ctx context.Context, q ArticleQuery) ([]*model.Article, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	var articles []*model.Article
	var err error
	if q.Category.IsAll() {
		articles, err = s.articles.List(ctx, repository.ListFilter{
			NewestFirst: true,
			Limit:       min(limit, s.opts.MaxResults),
		})
	} else {
		articles, err = s.articles.List(ctx, repository.ListFilter{
			Category: q.Category,
			Limit:    s.opts.MaxResults,
		})
		if err == nil {
			sort.SliceStable(articles, func(i, j int) bool {
				return articles[i].Datetime > articles[j].Datetime
			})
			if len(articles) > limit {
				articles = articles[:limit]
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}

	search := strings.ToLower(strings.TrimSpace(q.Search))
	if search == "" && q.Impact == "" {
		return nonNil(articles), nil
	}

	filtered := make([]*model.Article, 0, len(articles))
	for _, a := range articles {
		if q.Impact != "" && a.Impact != q.Impact {
			continue
		}
		if search != "" && !matchesSearch(a, search) {
			continue
		}
		filtered = append(filtered, a)
	}
	return filtered, nil
}

// matchesSearch はタイトル・要約・AI要約・タグのいずれかにsearchが含まれるかを返す。
func matchesSearch(a *model.Article, search string) bool {
	if strings.Contains(strings.ToLower(a.Title), search) ||
		strings.Contains(strings.ToLower(a.Summary), search) {
		return true
	}
	if a.AISummary != nil && strings.Contains(strings.ToLower(*a.AISummary), search) {
		return true
	}
	for _, tag := range a.Tags {
		if strings.Contains(strings.ToLower(tag), search) {
			return true
		}
	}
	return false
}

func nonNil(articles []*model.Article) []*model.Article {
	if articles == nil {
		return []*model.Article{}
	}
	return articles
}

// GetArticleByID は記事を1件返す。存在しない場合はnilを返す。
func (s *Service) GetArticleByID(ctx context.Context, id string) (*model.Article, error) {
	a, err := s.articles.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}
	return a, nil
}

// GetCategoryStats は最新の記事を走査し、カテゴリ別の件数を返す。
// 既知のカテゴリは0で初期化し、"All News"には走査件数を入れる。
func (s *Service) GetCategoryStats(ctx context.Context) (map[string]int, error) {
	articles, err := s.articles.List(ctx, repository.ListFilter{
		NewestFirst: true,
		Limit:       s.opts.StatsScanSize,
	})
	if err != nil {
		return nil, fmt.Errorf("カテゴリ集計に失敗しました: %w", err)
	}

	stats := make(map[string]int, len(model.KnownCategories)+1)
	for _, c := range model.KnownCategories {
		stats[string(c)] = 0
	}
	for _, a := range articles {
		c := a.Category
		if c == "" {
			c = model.CategoryStocks
		}
		stats[string(c)]++
	}
	stats[string(model.CategoryAll)] = len(articles)
	return stats, nil
}

// CleanupOld はdays日より古い記事をバッチ削除し、削除件数を返す。
func (s *Service) CleanupOld(ctx context.Context, days int) (int, error) {
	cutoff := s.Now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	s.logger.Info("古い記事を削除します", slog.Int("days", days))

	deleted, err := repository.DeleteInBatches(ctx, s.articles,
		func(ctx context.Context, n int) ([]string, error) {
			return s.articles.ListIDsOlderThan(ctx, cutoff, n)
		},
		s.opts.DeleteBatchSize, s.opts.DeleteBatchPause,
	)
	if err != nil {
		return deleted, fmt.Errorf("古い記事の削除に失敗しました: %w", err)
	}
	s.logger.Info("古い記事を削除しました", slog.Int("deleted", deleted))
	return deleted, nil
}

// EnqueueEnrichment は記事の非同期エンリッチメントジョブを登録する。
func (s *Service) EnqueueEnrichment(ctx context.Context, articleID string) (*model.EnrichmentJob, error) {
	now := s.Now().UnixMilli()
	job := &model.EnrichmentJob{
		ID:        uuid.NewString(),
		ArticleID: articleID,
		Status:    model.StatusPending,
		Attempts:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("エンリッチメントジョブの登録に失敗しました: %w", err)
	}
	return job, nil
}

// ReanalyzeResult は再分析バッチの結果。
type ReanalyzeResult struct {
	Scanned      int                     `json:"scanned"`
	Updated      int                     `json:"updated"`
	Changes      map[string]int          `json:"changes"`
	Distribution map[model.Sentiment]int `json:"distribution"`
}

// Reanalyze は保存済み記事のセンチメントをキーワード判定で再計算し、
// 変化したものだけ更新する。limitが0以下なら全件、dryRunの場合は更新しない。
func (s *Service) Reanalyze(ctx context.Context, limit int, dryRun bool) (*ReanalyzeResult, error) {
	articles, err := s.articles.List(ctx, repository.ListFilter{NewestFirst: true, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("再分析対象の取得に失敗しました: %w", err)
	}

	result := &ReanalyzeResult{
		Changes:      make(map[string]int),
		Distribution: make(map[model.Sentiment]int),
	}
	for _, a := range articles {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++

		body := a.Summary
		if body == "" && a.AISummary != nil {
			body = *a.AISummary
		}
		next := classifier.ClassifyKeywords(a.Title + " " + body)
		result.Distribution[next]++
		if next == a.Sentiment {
			continue
		}
		result.Changes[fmt.Sprintf("%s->%s", a.Sentiment, next)]++

		if dryRun {
			continue
		}
		if err := s.articles.UpdateSentiment(ctx, a.ID, next); err != nil {
			return result, fmt.Errorf("センチメントの更新に失敗しました: %w", err)
		}
		result.Updated++
	}

	s.logger.Info("センチメントの再分析が完了しました",
		slog.Int("scanned", result.Scanned),
		slog.Int("updated", result.Updated),
		slog.Bool("dry_run", dryRun),
	)
	return result, nil
}
