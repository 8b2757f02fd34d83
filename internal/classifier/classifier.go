// Package classifier は記事のAIエンリッチメントと、
// キーワードによる決定的なセンチメント判定・カテゴリ変換を提供する。
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/trendboard/internal/ai"
	"github.com/hitoshi/trendboard/internal/model"
	"github.com/hitoshi/trendboard/internal/retry"
)

const (
	// minTextLength はAI分析に回す最小文字数。これ未満はキーワード判定のみ。
	minTextLength = 20
	// maxContentChars はプロンプトのContent欄に含める要約の最大文字数。
	maxContentChars = 500
	// maxTextChars はプロンプトのText欄に含める本文の最大文字数。
	maxTextChars = 1500
)

const systemPrompt = "You are a financial sentiment analyst. Analyze the sentiment carefully - " +
	"look for positive words (surge, gain, profit, growth, breakthrough), negative words " +
	"(drop, loss, decline, crash, risk), or neutral tone. Return ONLY valid JSON without markdown."

const userPromptTemplate = `Analyze this financial news and determine its market sentiment:

Title: %s
Content: %s

Return JSON with:
{
  "summary": "2-3 sentence summary",
  "sentiment": "positive|neutral|negative" (be specific - positive for good news, negative for bad news, neutral only if truly neutral),
  "impact": "high|medium|low",
  "tags": ["TICKER1", "KEYWORD2"] (max 5, uppercase stock tickers or key terms),
  "category": "Stocks|IPOs|Markets|Crypto"
}

Text: %s`

// Source はエンリッチメント結果の出所。
type Source string

const (
	SourceAI      Source = "ai"
	SourceKeyword Source = "keyword"
)

// Enrichment は1記事分のエンリッチメント結果。
type Enrichment struct {
	Summary   string
	Sentiment model.Sentiment
	Impact    model.Impact
	Tags      []string
	// Category はAIが提案したカテゴリ。キーワード判定時は空。
	Category string
	Source   Source
}

// Completer はチャット補完を1回実行する。
type Completer interface {
	Complete(ctx context.Context, req ai.Request) (string, error)
}

// Classifier はAIとキーワード判定を組み合わせて記事をエンリッチする。
type Classifier struct {
	completer Completer
	logger    *slog.Logger
	retryOpts retry.Options
}

// New はClassifierを生成する。completerがnilの場合は常にキーワード判定になる。
func New(completer Completer, logger *slog.Logger) *Classifier {
	c := &Classifier{
		completer: completer,
		logger:    logger,
		retryOpts: retry.Options{
			Retries:    2,
			MinTimeout: 2 * time.Second,
			MaxTimeout: 2 * time.Second,
			Retryable:  ai.Retryable,
		},
	}
	c.retryOpts.OnRetry = func(attempt int, err error) {
		c.logger.Warn("AI呼び出しを再試行します",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return c
}

// SetRetrySleep はリトライ待機関数を差し替える。テスト用。
func (c *Classifier) SetRetrySleep(sleep func(ctx context.Context, d time.Duration) error) {
	c.retryOpts.Sleep = sleep
}

// Enrich は記事をエンリッチする。AI呼び出しが失敗した場合はキーワード判定にフォールバックし、
// エラーは返さない。
func (c *Classifier) Enrich(ctx context.Context, raw model.RawArticle) Enrichment {
	text := raw.Headline + "\n\n" + raw.Summary

	enr, err := c.enrichWithAI(ctx, raw, text)
	if err == nil {
		return enr
	}

	c.logger.Warn("AIエンリッチメントに失敗したためキーワード判定を使用します",
		slog.String("article_id", raw.ID),
		slog.String("error", err.Error()),
	)
	return keywordEnrichment(raw)
}

func (c *Classifier) enrichWithAI(ctx context.Context, raw model.RawArticle, text string) (Enrichment, error) {
	if strings.TrimSpace(text) == "" || len([]rune(text)) < minTextLength {
		return Enrichment{}, fmt.Errorf("分析に必要なテキストが不足しています")
	}
	if c.completer == nil {
		return Enrichment{}, ai.ErrNotConfigured
	}

	req := ai.Request{Messages: []ai.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf(userPromptTemplate,
			raw.Headline,
			Truncate(raw.Summary, maxContentChars),
			Truncate(text, maxTextChars),
		)},
	}}

	content, err := retry.Value(ctx, func(ctx context.Context) (string, error) {
		return c.completer.Complete(ctx, req)
	}, c.retryOpts)
	if err != nil {
		return Enrichment{}, err
	}

	parsed, err := ParseCompletion(content)
	if err != nil {
		return Enrichment{}, err
	}

	sentiment := model.ParseSentiment(parsed.Sentiment)
	if sentiment == model.SentimentNeutral {
		sentiment = ClassifyKeywords(text)
	}

	return Enrichment{
		Summary:   firstNonEmpty(parsed.Summary, raw.Summary, raw.Headline, "No summary"),
		Sentiment: sentiment,
		Impact:    model.ParseImpact(parsed.Impact),
		Tags:      NormalizeTags(parsed.Tags),
		Category:  parsed.Category,
		Source:    SourceAI,
	}, nil
}

func keywordEnrichment(raw model.RawArticle) Enrichment {
	return Enrichment{
		Summary:   firstNonEmpty(raw.Summary, raw.Headline, "No summary available"),
		Sentiment: ClassifyKeywords(raw.Headline + " " + raw.Summary),
		Impact:    model.ImpactMedium,
		Tags:      []string{},
		Source:    SourceKeyword,
	}
}

// Truncate は先頭n文字(rune単位)を返す。
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
