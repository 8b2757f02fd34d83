package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/trendboard/internal/analytics"
	"github.com/hitoshi/trendboard/internal/middleware"
)

// AnalyticsServiceInterface はアナリティクスハンドラーが必要とするサービスインターフェース。
type AnalyticsServiceInterface interface {
	Trends(ctx context.Context, category string, limit int) (analytics.Trends, error)
	Sentiment(ctx context.Context, category string) (analytics.SentimentDistribution, error)
	Sectors(ctx context.Context, category string) ([]analytics.Sector, error)
	Mentions(ctx context.Context, category string, days int) (analytics.Mentions, error)
	Dashboard(ctx context.Context, category string) (*analytics.Dashboard, error)
}

// AnalyticsHandler はチャート向け集計APIのHTTPハンドラー。
type AnalyticsHandler struct {
	service AnalyticsServiceInterface
	logger  *slog.Logger
}

// NewAnalyticsHandler はAnalyticsHandlerを生成する。
func NewAnalyticsHandler(service AnalyticsServiceInterface, logger *slog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{service: service, logger: logger}
}

// Trends はタグの出現回数の上位を返す。
// GET /api/analytics/trends?category=&limit=
func (h *AnalyticsHandler) Trends(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", analytics.DefaultTrendLimit)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	h.respond(w, r, func(ctx context.Context, category string) (any, error) {
		return h.service.Trends(ctx, category, limit)
	})
}

// Sentiment はセンチメントの割合を返す。
// GET /api/analytics/sentiment?category=
func (h *AnalyticsHandler) Sentiment(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, category string) (any, error) {
		return h.service.Sentiment(ctx, category)
	})
}

// Sectors はセクター別の記事数を返す。
// GET /api/analytics/sectors?category=
func (h *AnalyticsHandler) Sectors(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, category string) (any, error) {
		return h.service.Sectors(ctx, category)
	})
}

// Mentions は日ごとの記事数の推移を返す。
// GET /api/analytics/mentions?category=&days=
func (h *AnalyticsHandler) Mentions(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", analytics.DefaultMentionDays)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	h.respond(w, r, func(ctx context.Context, category string) (any, error) {
		return h.service.Mentions(ctx, category, days)
	})
}

// Dashboard はダッシュボード用の集計をまとめて返す。
// GET /api/analytics/dashboard?category=
func (h *AnalyticsHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, category string) (any, error) {
		return h.service.Dashboard(ctx, category)
	})
}

func (h *AnalyticsHandler) respond(w http.ResponseWriter, r *http.Request, compute func(ctx context.Context, category string) (any, error)) {
	data, err := compute(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, dataResponse{Success: true, Data: data})
}
