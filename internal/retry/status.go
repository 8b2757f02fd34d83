package retry

// StatusClass はHTTPステータスコードに基づく外部API応答の分類。
type StatusClass int

const (
	// StatusOK は2xx。
	StatusOK StatusClass = iota
	// StatusUnauthorized は認証・課金エラー(401/402/403)。リトライしない。
	StatusUnauthorized
	// StatusRateLimited はレート制限(429)。リトライしない。
	StatusRateLimited
	// StatusTransient は一時的な失敗(408/5xx)。リトライ対象。
	StatusTransient
	// StatusPermanent はその他の4xx。
	StatusPermanent
)

// ClassifyHTTPStatus はHTTPステータスコードを分類する。
func ClassifyHTTPStatus(statusCode int) StatusClass {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusOK
	case statusCode == 401 || statusCode == 402 || statusCode == 403:
		return StatusUnauthorized
	case statusCode == 429:
		return StatusRateLimited
	case statusCode == 408 || statusCode >= 500:
		return StatusTransient
	default:
		return StatusPermanent
	}
}
