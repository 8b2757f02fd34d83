package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/trendboard/internal/model"
)

// ErrorDetail はエラーレスポンスのerror要素。
// 原因カテゴリと対処方法を含む。
type ErrorDetail struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Category   string `json:"category,omitempty"`
	Action     string `json:"action,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

// WriteJSON はvをJSONとして書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	writeError(w, statusCode, ErrorDetail{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     model.ErrCodeInternal,
		Message:  "Internal server error",
		Category: "system",
		Action:   "Please wait a moment and try again.",
	})
}

func writeError(w http.ResponseWriter, statusCode int, detail ErrorDetail) {
	WriteJSON(w, statusCode, ErrorResponseBody{Success: false, Error: detail})
}
