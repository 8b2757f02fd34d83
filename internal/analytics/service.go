// Package analytics はダッシュボードのチャート向けに記事を集計する。
//
// 集計はカテゴリごとに最新の記事を読み込んで行い、結果はCacheに保持する。
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/hitoshi/trendboard/internal/model"
	"github.com/hitoshi/trendboard/internal/repository"
)

const (
	// DefaultTrendLimit はトレンドタグの既定件数。
	DefaultTrendLimit = 6
	// DefaultMentionDays はメンション推移の既定日数。
	DefaultMentionDays = 7
	// DefaultCacheTTL は集計結果の既定キャッシュ期間。
	DefaultCacheTTL = time.Minute

	scanSize        = 100
	mentionScanSize = 200
	maxMentionDays  = 90
	day             = 24 * time.Hour
)

// Trends はタグの出現回数の上位。
type Trends struct {
	Topics  []string `json:"topics"`
	Volumes []int    `json:"volumes"`
}

// SentimentDistribution はセンチメントごとの割合(%)。
type SentimentDistribution struct {
	Positive int `json:"positive"`
	Neutral  int `json:"neutral"`
	Negative int `json:"negative"`
}

// Sector はタグから推定したセクター別の記事数。
type Sector struct {
	Name     string `json:"name"`
	Change   string `json:"change"`
	Color    string `json:"color"`
	Articles int    `json:"articles"`
}

// Mentions は日ごとの記事数の推移。
type Mentions struct {
	Labels []string `json:"labels"`
	Data   []int    `json:"data"`
}

// Dashboard はダッシュボード用の集計をまとめたもの。
type Dashboard struct {
	Trends       Trends                `json:"trends"`
	Sentiment    SentimentDistribution `json:"sentiment"`
	Sectors      []Sector              `json:"sectors"`
	Mentions     Mentions              `json:"mentions"`
	ArticleCount int                   `json:"articleCount"`
}

type sectorDef struct {
	name     string
	color    string
	keywords []string
}

var sectors = []sectorDef{
	{"Technology", "green", []string{"AAPL", "MSFT", "GOOGL", "NVDA", "AI", "TECH"}},
	{"Finance", "blue", []string{"JPM", "BAC", "GS", "V", "MA"}},
	{"Healthcare", "purple", []string{"JNJ", "PFE", "UNH"}},
	{"Energy", "orange", []string{"XOM", "CVX", "OIL"}},
}

// Service は記事の集計を提供する。
type Service struct {
	articles repository.ArticleRepository
	cache    Cache
	ttl      time.Duration
	logger   *slog.Logger

	// Now は現在時刻を返す。テストで差し替える。
	Now func() time.Time
}

// NewService はServiceを生成する。cacheがnilの場合はプロセス内キャッシュを使う。
func NewService(articles repository.ArticleRepository, cache Cache, ttl time.Duration, logger *slog.Logger) *Service {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Service{
		articles: articles,
		cache:    cache,
		ttl:      ttl,
		logger:   logger,
		Now:      time.Now,
	}
}

// Trends はタグの出現回数の上位limit件を返す。
func (s *Service) Trends(ctx context.Context, category string, limit int) (Trends, error) {
	if limit <= 0 {
		limit = DefaultTrendLimit
	}
	articles, err := s.fetchArticles(ctx, category, scanSize)
	if err != nil {
		return Trends{}, err
	}
	if len(articles) == 0 {
		return Trends{Topics: []string{"No Data"}, Volumes: []int{0}}, nil
	}
	t := topTags(articles, limit)
	if len(t.Topics) == 0 {
		return Trends{Topics: []string{"No Tags"}, Volumes: []int{0}}, nil
	}
	return t, nil
}

// Sentiment はセンチメントの割合を返す。記事がない場合は33/34/33を返す。
func (s *Service) Sentiment(ctx context.Context, category string) (SentimentDistribution, error) {
	articles, err := s.fetchArticles(ctx, category, scanSize)
	if err != nil {
		return SentimentDistribution{}, err
	}
	if len(articles) == 0 {
		return SentimentDistribution{Positive: 33, Neutral: 34, Negative: 33}, nil
	}
	return sentimentOf(articles), nil
}

// Sectors はセクター別の記事数を返す。
func (s *Service) Sectors(ctx context.Context, category string) ([]Sector, error) {
	articles, err := s.fetchArticles(ctx, category, scanSize)
	if err != nil {
		return nil, err
	}
	if len(articles) == 0 {
		return []Sector{}, nil
	}
	result := sectorsOf(articles)
	if len(result) == 0 {
		return []Sector{{Name: "No data", Change: "0%", Color: "gray"}}, nil
	}
	return result, nil
}

// Mentions は直近days日の日ごとの記事数を返す。
func (s *Service) Mentions(ctx context.Context, category string, days int) (Mentions, error) {
	if days <= 0 {
		days = DefaultMentionDays
	}
	if days > maxMentionDays {
		days = maxMentionDays
	}
	articles, err := s.fetchArticles(ctx, category, mentionScanSize)
	if err != nil {
		return Mentions{}, err
	}
	return mentionsOf(articles, s.Now(), days), nil
}

// Dashboard はトレンド・センチメント・セクター・メンションをまとめて返す。
func (s *Service) Dashboard(ctx context.Context, category string) (*Dashboard, error) {
	key := "dashboard:" + cacheCategory(category)
	var cached Dashboard
	if s.getCached(ctx, key, &cached) {
		return &cached, nil
	}

	articles, err := s.fetchArticles(ctx, category, scanSize)
	if err != nil {
		return nil, err
	}

	d := &Dashboard{
		Trends:       topTags(articles, DefaultTrendLimit),
		Sentiment:    sentimentOf(articles),
		Sectors:      sectorsOf(articles),
		Mentions:     mentionsOf(articles, s.Now(), DefaultMentionDays),
		ArticleCount: len(articles),
	}
	if len(d.Trends.Topics) == 0 {
		d.Trends = Trends{Topics: []string{"No Data"}, Volumes: []int{0}}
	}

	s.setCached(ctx, key, d)
	return d, nil
}

// fetchArticles はカテゴリの最新記事をlimit件読み込む。結果はキャッシュする。
func (s *Service) fetchArticles(ctx context.Context, category string, limit int) ([]*model.Article, error) {
	key := fmt.Sprintf("articles:%s:%d", cacheCategory(category), limit)
	var cached []*model.Article
	if s.getCached(ctx, key, &cached) {
		return cached, nil
	}

	articles, err := s.articles.List(ctx, repository.ListFilter{
		Category:    model.Category(category),
		NewestFirst: true,
		Limit:       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("集計対象の記事取得に失敗しました: %w", err)
	}
	if articles == nil {
		articles = []*model.Article{}
	}

	s.setCached(ctx, key, articles)
	return articles, nil
}

// getCached はキャッシュの値をdstに読み込む。キャッシュの障害は集計を止めない。
func (s *Service) getCached(ctx context.Context, key string, dst any) bool {
	b, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("キャッシュの読み込みに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(b, dst); err != nil {
		s.logger.Warn("キャッシュの値が不正です",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (s *Service) setCached(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, b, s.ttl); err != nil {
		s.logger.Warn("キャッシュの書き込みに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func cacheCategory(category string) string {
	if model.Category(category).IsAll() {
		return "all"
	}
	return category
}

// topTags は出現回数の降順にタグを並べる。同数の場合は先に出現したタグを優先する。
func topTags(articles []*model.Article, limit int) Trends {
	counts := make(map[string]int)
	var order []string
	for _, a := range articles {
		for _, tag := range a.Tags {
			if tag == "" {
				continue
			}
			if _, seen := counts[tag]; !seen {
				order = append(order, tag)
			}
			counts[tag]++
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > limit {
		order = order[:limit]
	}

	t := Trends{Topics: make([]string, 0, len(order)), Volumes: make([]int, 0, len(order))}
	for _, tag := range order {
		t.Topics = append(t.Topics, tag)
		t.Volumes = append(t.Volumes, counts[tag])
	}
	return t
}

func sentimentOf(articles []*model.Article) SentimentDistribution {
	total := len(articles)
	if total == 0 {
		return SentimentDistribution{}
	}

	var pos, neu, neg int
	for _, a := range articles {
		switch model.ParseSentiment(string(a.Sentiment)) {
		case model.SentimentPositive:
			pos++
		case model.SentimentNegative:
			neg++
		default:
			neu++
		}
	}
	return SentimentDistribution{
		Positive: percent(pos, total),
		Neutral:  percent(neu, total),
		Negative: percent(neg, total),
	}
}

func sectorsOf(articles []*model.Article) []Sector {
	result := []Sector{}
	for _, def := range sectors {
		count := 0
		for _, a := range articles {
			if hasAnyTag(a.Tags, def.keywords) {
				count++
			}
		}
		if count == 0 {
			continue
		}
		share := float64(count) / float64(len(articles)) * 100
		result = append(result, Sector{
			Name:     def.name,
			Change:   fmt.Sprintf("+%.1f%%", share),
			Color:    def.color,
			Articles: count,
		})
	}
	return result
}

// mentionsOf はnowを終端とする24時間区切りでdays日分の記事数を数える。
func mentionsOf(articles []*model.Article, now time.Time, days int) Mentions {
	m := Mentions{Labels: make([]string, 0, days), Data: make([]int, 0, days)}
	for i := days - 1; i >= 0; i-- {
		end := now.Add(-time.Duration(i) * day)
		startMs, endMs := end.Add(-day).UnixMilli(), end.UnixMilli()

		count := 0
		for _, a := range articles {
			if a.Datetime > startMs && a.Datetime <= endMs {
				count++
			}
		}
		m.Labels = append(m.Labels, end.UTC().Weekday().String()[:3])
		m.Data = append(m.Data, count)
	}
	return m
}

func hasAnyTag(tags, keywords []string) bool {
	for _, t := range tags {
		for _, k := range keywords {
			if t == k {
				return true
			}
		}
	}
	return false
}

func percent(n, total int) int {
	return int(math.Floor(float64(n)/float64(total)*100 + 0.5))
}
