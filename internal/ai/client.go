// Package ai はOpenRouter互換のChat Completions APIクライアントを提供する。
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/trendboard/internal/retry"
)

var (
	// ErrNotConfigured はAPIキーまたはモデルが未設定であることを示す。
	ErrNotConfigured = errors.New("AIクライアントが設定されていません")
	// ErrUnauthorized は認証または支払いエラー(401/402/403)を示す。
	ErrUnauthorized = errors.New("AI APIの認証に失敗しました")
	// ErrRateLimited はレート制限(429)を示す。
	ErrRateLimited = errors.New("AI APIのレート制限を超過しました")
	// ErrTimeout はリクエストのタイムアウトを示す。
	ErrTimeout = errors.New("AI APIのリクエストがタイムアウトしました")
	// ErrEmptyResponse はレスポンスにchoicesが含まれないことを示す。
	ErrEmptyResponse = errors.New("AI APIのレスポンスが空です")
)

// Message はチャットメッセージ。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request はCompleteの入力。Temperature/MaxTokensが0の場合はクライアントの既定値を使う。
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Options はクライアントの設定。
type Options struct {
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Referer     string
}

// Client はOpenRouter互換APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	opts       Options
}

// NewClient はClientを生成する。httpClientのTimeoutがリクエストのタイムアウトになる。
func NewClient(httpClient *http.Client, logger *slog.Logger, opts Options) *Client {
	return &Client{httpClient: httpClient, logger: logger, opts: opts}
}

// Configured はAPIキーとモデルが設定済みかを返す。
func (c *Client) Configured() bool {
	return c != nil && c.opts.APIKey != "" && c.opts.Model != "" && c.opts.Endpoint != ""
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete はチャット補完を1回呼び出し、先頭のchoiceの本文を返す。
func (c *Client) Complete(ctx context.Context, r Request) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	temperature := r.Temperature
	if temperature == 0 {
		temperature = c.opts.Temperature
	}
	maxTokens := r.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.opts.MaxTokens
	}

	body, err := json.Marshal(completionRequest{
		Model:       c.opts.Model,
		Messages:    r.Messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Title", "TrendBoard")
	if c.opts.Referer != "" {
		req.Header.Set("HTTP-Referer", c.opts.Referer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			c.logger.Error("AI APIのリクエストがタイムアウトしました")
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("AI APIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	switch retry.ClassifyHTTPStatus(resp.StatusCode) {
	case retry.StatusOK:
	case retry.StatusUnauthorized:
		c.logger.Error("AI APIの認証に失敗しました", slog.Int("http_status", resp.StatusCode))
		return "", fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case retry.StatusRateLimited:
		c.logger.Error("AI APIのレート制限を超過しました")
		return "", ErrRateLimited
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("AI APIがステータス %d を返しました: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return out.Choices[0].Message.Content, nil
}

// Retryable は再試行しても回復しないエラー(認証・レート制限・未設定)でなければtrueを返す。
func Retryable(err error) bool {
	return !errors.Is(err, ErrUnauthorized) &&
		!errors.Is(err, ErrRateLimited) &&
		!errors.Is(err, ErrNotConfigured) &&
		!errors.Is(err, context.Canceled)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
