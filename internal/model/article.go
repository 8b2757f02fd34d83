package model

import "strings"

// Category はダッシュボード上の記事カテゴリを表す。
type Category string

const (
	CategoryStocks  Category = "Stocks"
	CategoryIPOs    Category = "IPOs"
	CategoryCrypto  Category = "Crypto"
	CategoryMarkets Category = "Markets"

	// CategoryAll は全カテゴリを表す番兵値。永続化はされない。
	CategoryAll Category = "All News"
)

// KnownCategories は集計時にゼロ初期化するカテゴリの一覧。
var KnownCategories = []Category{CategoryStocks, CategoryIPOs, CategoryCrypto, CategoryMarkets}

// IsAll はカテゴリ指定が全件（未指定または番兵値）かどうかを返す。
func (c Category) IsAll() bool {
	return c == "" || c == CategoryAll
}

// Sentiment は記事のセンチメントを表す。
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// ParseSentiment は文字列をSentimentに変換する。不明な値はneutralになる。
func ParseSentiment(s string) Sentiment {
	switch Sentiment(strings.ToLower(strings.TrimSpace(s))) {
	case SentimentPositive:
		return SentimentPositive
	case SentimentNegative:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// Impact は記事の市場インパクトを表す。
type Impact string

const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
	ImpactLow    Impact = "low"
)

// ParseImpact は文字列をImpactに変換する。不明な値はmediumになる。
func ParseImpact(s string) Impact {
	switch Impact(strings.ToLower(strings.TrimSpace(s))) {
	case ImpactHigh:
		return ImpactHigh
	case ImpactLow:
		return ImpactLow
	default:
		return ImpactMedium
	}
}

// Status は記事およびエンリッチメントジョブのライフサイクル状態を表す。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusEnriched   Status = "enriched"
	StatusFailed     Status = "failed"
)

// MaxTags は記事に付与するタグの最大数。
const MaxTags = 5

// Article は永続化されたエンリッチ済みニュース記事を表す。
// IDごとに1件のみ存在し、同一IDへの保存はマージになる。
// 並び替えと保持期間の判定には常にDatetimeを使用する。
type Article struct {
	ID          string    `json:"id" bson:"_id"`
	Title       string    `json:"title" bson:"title"`
	Summary     string    `json:"summary" bson:"summary"`
	AISummary   *string   `json:"aiSummary" bson:"aiSummary"`
	Source      string    `json:"source" bson:"source"`
	URL         string    `json:"url" bson:"url"`
	Image       string    `json:"image" bson:"image"`
	Category    Category  `json:"category" bson:"category"`
	Sentiment   Sentiment `json:"sentiment" bson:"sentiment"`
	Impact      Impact    `json:"impact" bson:"impact"`
	Tags        []string  `json:"tags" bson:"tags"`
	Datetime    int64     `json:"datetime" bson:"datetime"`       // epoch ms
	FetchedAt   int64     `json:"fetchedAt" bson:"fetchedAt"`     // epoch ms
	ProcessedAt int64     `json:"processedAt" bson:"processedAt"` // epoch ms
	Status      Status    `json:"status" bson:"status"`
}

// AISummaryText はAI要約を返す。未設定の場合は元の要約、さらに空ならタイトルを返す。
func (a *Article) AISummaryText() string {
	if a.AISummary != nil && *a.AISummary != "" {
		return *a.AISummary
	}
	if a.Summary != "" {
		return a.Summary
	}
	return a.Title
}

// RawArticle はニュースソースから取得した未加工の記事を表す。
// Finnhubのニュース、IPOカレンダー、RSSの各アイテムはすべてこの形に変換される。
type RawArticle struct {
	ID       string
	Headline string
	Summary  string
	Source   string
	URL      string
	Image    string
	Category string // ソース側のカテゴリ文字列
	Datetime int64  // epoch seconds。0の場合は保存時刻を使う
}

// EnrichmentUpdate はキューワーカーが記事に書き戻すエンリッチメント項目。
type EnrichmentUpdate struct {
	AISummary   string
	Sentiment   Sentiment
	Impact      Impact
	Tags        []string
	Category    Category
	ProcessedAt int64
	Status      Status
}

// StringPtr は文字列のポインタを返す。
func StringPtr(s string) *string {
	return &s
}
