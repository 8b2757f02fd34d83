package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/trendboard/internal/middleware"
	"github.com/hitoshi/trendboard/internal/model"
)

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	if model.IsQuotaExceeded(err) {
		logger.Warn("store quota exceeded", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewQuotaExceededError())
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	logger.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidQuery:
		return http.StatusBadRequest
	case model.ErrCodeArticleNotFound, model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeRateLimitExceeded, model.ErrCodeStrictRateLimit:
		return http.StatusTooManyRequests
	case model.ErrCodeQuotaExceeded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// queryInt はクエリパラメータを正の整数として読む。未指定の場合はdefを返す。
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, model.NewInvalidQueryError(name)
	}
	return n, nil
}
