package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/trendboard/internal/article"
	"github.com/hitoshi/trendboard/internal/middleware"
	"github.com/hitoshi/trendboard/internal/model"
	"github.com/hitoshi/trendboard/internal/worker/fetch"
)

const (
	// defaultArticlesLimit は記事一覧の既定件数。
	defaultArticlesLimit = 100
	// defaultSearchLimit は検索の既定件数。
	defaultSearchLimit = 50
	// minSearchLength は検索語の最小文字数。
	minSearchLength = 2
)

// NewsServiceInterface はニュースハンドラーが必要とするサービスインターフェース。
type NewsServiceInterface interface {
	// GetArticles は条件に一致する記事をdatetime降順で返す。
	GetArticles(ctx context.Context, q article.ArticleQuery) ([]*model.Article, error)
	// GetArticleByID は記事を返す。存在しない場合はnilを返す。
	GetArticleByID(ctx context.Context, id string) (*model.Article, error)
	// GetCategoryStats はサイドバー用のカテゴリ別件数を返す。
	GetCategoryStats(ctx context.Context) (map[string]int, error)
}

// FetchControllerInterface は手動フェッチとcronの状態取得のインターフェース。
type FetchControllerInterface interface {
	RunNow(ctx context.Context) fetch.RunResult
	Status() fetch.CronStatus
}

// StorageStatsProvider はストレージ使用状況を返す。
type StorageStatsProvider interface {
	GetStorageStats(ctx context.Context) (*model.StorageStats, error)
}

// NewsHandler はニュースAPIのHTTPハンドラー。
type NewsHandler struct {
	service NewsServiceInterface
	fetcher FetchControllerInterface
	storage StorageStatsProvider
	logger  *slog.Logger
}

// NewNewsHandler はNewsHandlerを生成する。
func NewNewsHandler(service NewsServiceInterface, fetcher FetchControllerInterface, storage StorageStatsProvider, logger *slog.Logger) *NewsHandler {
	return &NewsHandler{
		service: service,
		fetcher: fetcher,
		storage: storage,
		logger:  logger,
	}
}

// --- レスポンス型 ---

// articleListResponse は記事一覧のレスポンス。
// クォータ超過時は空の一覧とwarningを返す。
type articleListResponse struct {
	Success bool             `json:"success"`
	Count   int              `json:"count"`
	Data    []*model.Article `json:"data"`
	Warning string           `json:"warning,omitempty"`
	Message string           `json:"message,omitempty"`
}

// dataResponse は単一データのレスポンス。
type dataResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Warning string `json:"warning,omitempty"`
}

// notFoundResponse は記事未検出のレスポンス。
type notFoundResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// fetchResponse は手動フェッチのレスポンス。
type fetchResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Details fetch.RunResult `json:"details"`
}

// GetArticles は記事一覧を返す。
// GET /api/news/articles?category=&q=&limit=&impact=
func (h *NewsHandler) GetArticles(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultArticlesLimit)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	query := r.URL.Query()
	articles, err := h.service.GetArticles(r.Context(), article.ArticleQuery{
		Category: model.Category(query.Get("category")),
		Search:   query.Get("q"),
		Impact:   model.Impact(strings.ToLower(strings.TrimSpace(query.Get("impact")))),
		Limit:    limit,
	})
	if err != nil {
		if model.IsQuotaExceeded(err) {
			h.logger.Warn("store quota exceeded, returning empty article list")
			middleware.WriteJSON(w, http.StatusOK, articleListResponse{
				Success: true,
				Data:    []*model.Article{},
				Warning: model.ErrCodeQuotaExceeded,
			})
			return
		}
		handleServiceError(w, h.logger, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, articleListResponse{
		Success: true,
		Count:   len(articles),
		Data:    articles,
	})
}

// GetArticleByID は記事を1件返す。
// GET /api/news/article/{id}
func (h *NewsHandler) GetArticleByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	a, err := h.service.GetArticleByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	if a == nil {
		middleware.WriteJSON(w, http.StatusNotFound, notFoundResponse{
			Success: false,
			Message: "Article not found",
		})
		return
	}

	middleware.WriteJSON(w, http.StatusOK, dataResponse{Success: true, Data: a})
}

// Search はキーワードで記事を検索する。検索語が2文字未満の場合は空の結果を返す。
// GET /api/news/search?q=&category=&limit=
func (h *NewsHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := strings.TrimSpace(query.Get("q"))
	if len([]rune(q)) < minSearchLength {
		middleware.WriteJSON(w, http.StatusOK, articleListResponse{
			Success: true,
			Data:    []*model.Article{},
			Message: "Query too short (min 2 chars)",
		})
		return
	}

	limit, err := queryInt(r, "limit", defaultSearchLimit)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	articles, err := h.service.GetArticles(r.Context(), article.ArticleQuery{
		Category: model.Category(query.Get("category")),
		Search:   q,
		Limit:    limit,
	})
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, articleListResponse{
		Success: true,
		Count:   len(articles),
		Data:    articles,
	})
}

// GetCategoryStats はカテゴリ別の記事数を返す。
// GET /api/news/categories
func (h *NewsHandler) GetCategoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetCategoryStats(r.Context())
	if err != nil {
		if model.IsQuotaExceeded(err) {
			h.logger.Warn("store quota exceeded, returning empty category stats")
			middleware.WriteJSON(w, http.StatusOK, dataResponse{
				Success: true,
				Data:    map[string]int{},
				Warning: model.ErrCodeQuotaExceeded,
			})
			return
		}
		handleServiceError(w, h.logger, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, dataResponse{Success: true, Data: stats})
}

// Fetch はフェッチパイプラインを同期的に1回実行し、結果を返す。
// クライアントが切断しても実行は最後まで続ける。
// GET|POST /api/news/fetch
func (h *NewsHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("manual fetch triggered via API", slog.String("ip", middleware.ClientIP(r)))

	res := h.fetcher.RunNow(context.WithoutCancel(r.Context()))

	message := "Manual fetch completed"
	switch {
	case res.Skipped:
		message = "Manual fetch skipped: " + res.Reason
	case !res.Success:
		message = "Manual fetch failed"
	}

	middleware.WriteJSON(w, http.StatusOK, fetchResponse{
		Success: res.Success,
		Message: message,
		Details: res,
	})
}

// CronStatus はスケジューラの状態を返す。
// GET /api/news/cron/status
func (h *NewsHandler) CronStatus(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.fetcher.Status())
}

// Storage はストレージ使用状況を返す。
// GET /api/news/storage
func (h *NewsHandler) Storage(w http.ResponseWriter, r *http.Request) {
	stats, err := h.storage.GetStorageStats(r.Context())
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, stats)
}
