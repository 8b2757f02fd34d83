// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, news, storage, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeArticleNotFound   = "ARTICLE_NOT_FOUND"
	ErrCodeInvalidQuery      = "INVALID_QUERY"
	ErrCodeQuotaExceeded     = "FS_QUOTA_EXCEEDED"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeStrictRateLimit   = "STRICT_RATE_LIMIT"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
)

// NewArticleNotFoundError は記事未検出エラーを生成する。
func NewArticleNotFoundError(articleID string) *APIError {
	return &APIError{
		Code:     ErrCodeArticleNotFound,
		Message:  "Article not found",
		Category: "news",
		Action:   fmt.Sprintf("check the article id: %s", articleID),
	}
}

// NewInvalidQueryError はクエリパラメータ不正エラーを生成する。
func NewInvalidQueryError(param string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidQuery,
		Message:  fmt.Sprintf("invalid query parameter: %s", param),
		Category: "validation",
		Action:   "fix the query parameter and retry.",
	}
}

// NewQuotaExceededError はストアのクォータ超過エラーを生成する。
func NewQuotaExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeQuotaExceeded,
		Message:  "Storage quota exceeded",
		Category: "storage",
		Action:   "retry later; the quota resets daily.",
	}
}

// StoreErrorKind はストア層エラーの種別を表す。
type StoreErrorKind int

const (
	// StoreErrUnknown は分類できないストアエラー。
	StoreErrUnknown StoreErrorKind = iota
	// StoreErrQuotaExceeded はストアの容量・読み書きクォータ超過。
	StoreErrQuotaExceeded
	// StoreErrNotFound は対象ドキュメントが存在しない。
	StoreErrNotFound
)

// String は種別名を返す。
func (k StoreErrorKind) String() string {
	switch k {
	case StoreErrQuotaExceeded:
		return "quota_exceeded"
	case StoreErrNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// StoreError はリポジトリ境界で返すタグ付きエラー。
// 上位層はドライバ固有のエラーコードではなくKindで分岐する。
type StoreError struct {
	Kind StoreErrorKind
	Op   string
	Err  error
}

// Error はerrorインターフェースを実装する。
func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError はStoreErrorを生成する。
func NewStoreError(kind StoreErrorKind, op string, err error) *StoreError {
	return &StoreError{Kind: kind, Op: op, Err: err}
}

// StoreErrorKindOf はエラーチェーン中のStoreErrorの種別を返す。
// StoreErrorを含まない場合はStoreErrUnknownを返す。
func StoreErrorKindOf(err error) StoreErrorKind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return StoreErrUnknown
}

// IsQuotaExceeded はエラーがクォータ超過かどうかを返す。
func IsQuotaExceeded(err error) bool {
	return err != nil && StoreErrorKindOf(err) == StoreErrQuotaExceeded
}

// IsNotFound はエラーが未検出かどうかを返す。
func IsNotFound(err error) bool {
	return err != nil && StoreErrorKindOf(err) == StoreErrNotFound
}
