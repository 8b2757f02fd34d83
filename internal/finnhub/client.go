// Package finnhub はFinnhub市場データAPIのクライアントを提供する。
// 市場ニュースとIPOカレンダーの取得を含む。
package finnhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/trendboard/internal/model"
	"github.com/hitoshi/trendboard/internal/retry"
)

const (
	// DefaultBaseURL はFinnhub APIのベースURL。
	DefaultBaseURL = "https://finnhub.io/api/v1"
	// ipoSource はIPOカレンダー由来の記事のソース名。
	ipoSource = "Finnhub IPO Calendar"
	// dateLayout はFinnhub APIの日付形式。
	dateLayout = "2006-01-02"
)

// ニュースカテゴリ
const (
	CategoryGeneral = "general"
	CategoryForex   = "forex"
	CategoryCrypto  = "crypto"
	CategoryMerger  = "merger"
)

var (
	// ErrRateLimited はレート制限(429)を示す。
	ErrRateLimited = errors.New("Finnhub APIのレート制限を超過しました")
	// ErrUnauthorized は無効なAPIキー(401/403)を示す。
	ErrUnauthorized = errors.New("Finnhub APIの認証に失敗しました")
)

// NewsItem は/newsのレスポンス要素。
type NewsItem struct {
	ID       int64  `json:"id"`
	Category string `json:"category"`
	Datetime int64  `json:"datetime"`
	Headline string `json:"headline"`
	Image    string `json:"image"`
	Related  string `json:"related"`
	Source   string `json:"source"`
	Summary  string `json:"summary"`
	URL      string `json:"url"`
}

// ToRawArticle はニュース記事をRawArticleに変換する。
func (n NewsItem) ToRawArticle() model.RawArticle {
	id := ""
	if n.ID != 0 {
		id = strconv.FormatInt(n.ID, 10)
	}
	return model.RawArticle{
		ID:       id,
		Headline: n.Headline,
		Summary:  n.Summary,
		Source:   n.Source,
		URL:      n.URL,
		Image:    n.Image,
		Category: n.Category,
		Datetime: n.Datetime,
	}
}

// IPOEvent はIPOカレンダーの1件。
type IPOEvent struct {
	Date             string  `json:"date"`
	Exchange         string  `json:"exchange"`
	Name             string  `json:"name"`
	NumberOfShares   float64 `json:"numberOfShares"`
	Price            string  `json:"price"`
	PriceRange       string  `json:"priceRange"`
	Status           string  `json:"status"`
	Symbol           string  `json:"symbol"`
	TotalSharesValue float64 `json:"totalSharesValue"`
}

// ToRawArticle はIPO予定をRawArticleに変換する。
// シンボルが無い場合はカレンダー内の位置idxをIDに使う。
func (e IPOEvent) ToRawArticle(idx int) model.RawArticle {
	key := e.Symbol
	if key == "" {
		key = strconv.Itoa(idx)
	}

	priceRange := e.PriceRange
	if priceRange == "" {
		priceRange = e.Price
	}
	if priceRange == "" {
		priceRange = "TBA"
	}
	shares := "TBA"
	if e.TotalSharesValue != 0 {
		shares = strconv.FormatFloat(e.TotalSharesValue, 'f', -1, 64)
	}

	var datetime int64
	if t, err := time.Parse(dateLayout, e.Date); err == nil {
		datetime = t.Unix()
	}

	return model.RawArticle{
		ID:       fmt.Sprintf("IPO_%s_%s", key, e.Date),
		Headline: fmt.Sprintf("%s IPO Scheduled", e.Name),
		Summary:  fmt.Sprintf("%s IPO on %s. Price range: %s. Shares: %s.", e.Name, e.Date, priceRange, shares),
		Source:   ipoSource,
		URL:      "https://finnhub.io/symbol/" + e.Symbol,
		Category: "ipo",
		Datetime: datetime,
	}
}

// Options はクライアントの設定。
type Options struct {
	BaseURL string
	APIKey  string
	// RatePerMinute はクライアント側で許容する1分あたりのリクエスト数。0以下は無制限。
	RatePerMinute int
}

// Client はFinnhub APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
}

// NewClient はClientを生成する。httpClientのTimeoutがリクエストのタイムアウトになる。
func NewClient(httpClient *http.Client, logger *slog.Logger, opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), 5)
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
		apiKey:     opts.APIKey,
		limiter:    limiter,
	}
}

// GetNews はカテゴリの最新ニュースを取得する。
func (c *Client) GetNews(ctx context.Context, category string) ([]NewsItem, error) {
	var items []NewsItem
	if err := c.get(ctx, "/news", url.Values{"category": {category}}, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// GetIPOCalendar はfromからtoまでのIPO予定を取得する。
func (c *Client) GetIPOCalendar(ctx context.Context, from, to time.Time) ([]IPOEvent, error) {
	var out struct {
		IPOCalendar []IPOEvent `json:"ipoCalendar"`
	}
	params := url.Values{
		"from": {from.UTC().Format(dateLayout)},
		"to":   {to.UTC().Format(dateLayout)},
	}
	if err := c.get(ctx, "/calendar/ipo", params, &out); err != nil {
		return nil, err
	}
	return out.IPOCalendar, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("レート制限の待機に失敗しました: %w", err)
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("X-Finnhub-Token", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("Finnhub APIを呼び出します", slog.String("path", path))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Finnhub APIの呼び出しに失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("Finnhub APIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	switch retry.ClassifyHTTPStatus(resp.StatusCode) {
	case retry.StatusOK:
	case retry.StatusRateLimited:
		c.logger.Error("Finnhub APIのレート制限を超過しました", slog.String("path", path))
		return ErrRateLimited
	case retry.StatusUnauthorized:
		c.logger.Error("Finnhub APIの認証に失敗しました", slog.Int("http_status", resp.StatusCode))
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	default:
		return fmt.Errorf("Finnhub APIがステータス %d を返しました", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

// Retryable はエラーが再試行で回復しうるかを返す。
func Retryable(err error) bool {
	return !errors.Is(err, ErrRateLimited) &&
		!errors.Is(err, ErrUnauthorized) &&
		!errors.Is(err, context.Canceled)
}
