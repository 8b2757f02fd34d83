package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/trendboard/internal/finnhub"
	"github.com/hitoshi/trendboard/internal/model"
	"github.com/hitoshi/trendboard/internal/retry"
)

const (
	sourceRetries    = 2
	sourceRetryDelay = 3 * time.Second

	// DefaultIPOWindowDays はIPOカレンダーの取得期間（日）。
	DefaultIPOWindowDays = 30
)

// FinnhubClient はFinnhub APIクライアントのインターフェース。
type FinnhubClient interface {
	GetNews(ctx context.Context, category string) ([]finnhub.NewsItem, error)
	GetIPOCalendar(ctx context.Context, from, to time.Time) ([]finnhub.IPOEvent, error)
}

// FinnhubSource はFinnhubのニュースとIPOカレンダーをRawArticleとして提供する。
// 各呼び出しは3秒間隔で最大2回試行する。
type FinnhubSource struct {
	client        FinnhubClient
	logger        *slog.Logger
	ipoWindowDays int
	retryOpts     retry.Options

	// Now は現在時刻を返す。テストで差し替える。
	Now func() time.Time
}

// NewFinnhubSource はFinnhubSourceを生成する。ipoWindowDaysが0以下の場合は30日になる。
func NewFinnhubSource(client FinnhubClient, logger *slog.Logger, ipoWindowDays int) *FinnhubSource {
	if ipoWindowDays <= 0 {
		ipoWindowDays = DefaultIPOWindowDays
	}
	s := &FinnhubSource{
		client:        client,
		logger:        logger,
		ipoWindowDays: ipoWindowDays,
		Now:           time.Now,
	}
	s.retryOpts = retry.Options{
		Retries:    sourceRetries,
		MinTimeout: sourceRetryDelay,
		MaxTimeout: sourceRetryDelay,
		Retryable:  finnhub.Retryable,
		OnRetry: func(attempt int, err error) {
			s.logger.Warn("Finnhub APIの呼び出しをリトライします",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}
	return s
}

// SetRetrySleep はリトライ間の待機処理を差し替える。テスト用。
func (s *FinnhubSource) SetRetrySleep(fn func(ctx context.Context, d time.Duration) error) {
	s.retryOpts.Sleep = fn
}

// FetchNews はカテゴリのニュースを取得する。
// レート制限とキャンセルはエラーとして返し、それ以外の失敗は空の一覧として扱う。
func (s *FinnhubSource) FetchNews(ctx context.Context, category string) ([]model.RawArticle, error) {
	items, err := retry.Value(ctx, func(ctx context.Context) ([]finnhub.NewsItem, error) {
		return s.client.GetNews(ctx, category)
	}, s.retryOpts)
	if err != nil {
		s.logger.Error("Finnhubニュースの取得に失敗しました",
			slog.String("category", category),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, finnhub.ErrRateLimited) || ctx.Err() != nil {
			return nil, err
		}
		return []model.RawArticle{}, nil
	}

	out := make([]model.RawArticle, 0, len(items))
	for _, item := range items {
		out = append(out, item.ToRawArticle())
	}
	s.logger.Info("Finnhubニュースを取得しました",
		slog.String("category", category),
		slog.Int("count", len(out)),
	)
	return out, nil
}

// FetchIPOs は今日からipoWindowDays日先までのIPOカレンダーを取得する。
func (s *FinnhubSource) FetchIPOs(ctx context.Context) ([]model.RawArticle, error) {
	from := s.Now().UTC()
	to := from.AddDate(0, 0, s.ipoWindowDays)

	events, err := retry.Value(ctx, func(ctx context.Context) ([]finnhub.IPOEvent, error) {
		return s.client.GetIPOCalendar(ctx, from, to)
	}, s.retryOpts)
	if err != nil {
		return nil, fmt.Errorf("IPOカレンダーの取得に失敗しました: %w", err)
	}

	out := make([]model.RawArticle, 0, len(events))
	for i, e := range events {
		out = append(out, e.ToRawArticle(i))
	}
	return out, nil
}
