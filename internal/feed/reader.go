// Package feed は追加ニュースソースとして設定されたRSS/Atomフィードの取得を提供する。
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/trendboard/internal/model"
	"github.com/hitoshi/trendboard/internal/retry"
)

const (
	// RawCategory はRSS由来の記事に付けるソース側カテゴリ。
	RawCategory = "rss"

	defaultTimeout = 10 * time.Second
	defaultMaxSize = 5 * 1024 * 1024
	userAgent      = "TrendBoard/1.0 News Aggregator"
)

var (
	// ErrNotFeed はレスポンスがRSS/Atomとして解釈できないことを示す。
	ErrNotFeed = errors.New("RSS/Atomフィードではありません")
	// ErrHTTPStatus は2xx以外のレスポンスを示す。
	ErrHTTPStatus = errors.New("フィードのHTTPステータスが不正です")
)

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Reader はRSS/Atomフィードを取得し、RawArticleに変換する。
type Reader struct {
	guard   SSRFValidator
	logger  *slog.Logger
	timeout time.Duration
	maxSize int64
}

// NewReader はReaderを生成する。timeout・maxSizeが0以下の場合は10秒・5MBになる。
func NewReader(guard SSRFValidator, logger *slog.Logger, timeout time.Duration, maxSize int64) *Reader {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	return &Reader{
		guard:   guard,
		logger:  logger,
		timeout: timeout,
		maxSize: maxSize,
	}
}

// Read はフィードURLを取得してパースし、アイテムをRawArticleとして返す。
// URLがHTMLページを返した場合は<link rel="alternate">からフィードを1段だけ辿る。
func (r *Reader) Read(ctx context.Context, feedURL string) ([]model.RawArticle, error) {
	start := time.Now()

	body, err := r.get(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	if gofeed.DetectFeedType(bytes.NewReader(body)) == gofeed.FeedTypeUnknown {
		discovered := selectFeedLink(parseFeedLinks(body, feedURL), feedURL)
		if discovered == "" {
			return nil, ErrNotFeed
		}
		r.logger.Info("HTMLからフィードを検出しました",
			slog.String("page_url", feedURL),
			slog.String("feed_url", discovered),
		)
		if body, err = r.get(ctx, discovered); err != nil {
			return nil, err
		}
		if gofeed.DetectFeedType(bytes.NewReader(body)) == gofeed.FeedTypeUnknown {
			return nil, ErrNotFeed
		}
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗: %w", err)
	}

	source := parsed.Title
	if source == "" {
		source = hostOf(feedURL)
	}
	articles := convertItems(parsed.Items, source)

	r.logger.Info("RSSフィードを取得しました",
		slog.String("feed_url", feedURL),
		slog.Int("items_total", len(articles)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return articles, nil
}

// get はSSRF検証を通したうえでURLの本文を最大maxSizeバイト読み込む。
func (r *Reader) get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := r.guard.ValidateURL(rawURL); err != nil {
		return nil, fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	client := r.guard.NewSafeClient(r.timeout, r.maxSize)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if retry.ClassifyHTTPStatus(resp.StatusCode) != retry.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxSize))
	if err != nil {
		return nil, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}
	return body, nil
}

// convertItems はgofeedのアイテムをRawArticleに変換する。
// IDにはGUID（なければリンク）から導出した決定的なUUIDを使う。
func convertItems(items []*gofeed.Item, source string) []model.RawArticle {
	out := make([]model.RawArticle, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}

		key := item.GUID
		if key == "" {
			key = item.Link
		}
		if key == "" {
			continue
		}

		raw := model.RawArticle{
			ID:       "RSS_" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String(),
			Headline: item.Title,
			Summary:  item.Description,
			Source:   source,
			URL:      item.Link,
			Category: RawCategory,
		}
		if raw.Summary == "" {
			raw.Summary = item.Content
		}
		if raw.URL == "" && (strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://")) {
			raw.URL = key
		}
		if item.Image != nil {
			raw.Image = item.Image.URL
		}

		switch {
		case item.PublishedParsed != nil:
			raw.Datetime = item.PublishedParsed.Unix()
		case item.UpdatedParsed != nil:
			raw.Datetime = item.UpdatedParsed.Unix()
		}

		out = append(out, raw)
	}
	return out
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "RSS"
	}
	return u.Hostname()
}
