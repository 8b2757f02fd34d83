package classifier

import (
	"strings"

	"github.com/hitoshi/trendboard/internal/model"
)

var positiveKeywords = []string{
	"surge", "soar", "gain", "profit", "growth", "rise", "jump", "rally",
	"breakthrough", "success", "record", "high", "boom", "bullish", "upgrade",
	"beat", "exceed", "strong", "robust", "positive", "optimistic", "recovery",
}

var negativeKeywords = []string{
	"drop", "fall", "decline", "loss", "crash", "plunge", "sink", "tumble",
	"risk", "concern", "worry", "fear", "bearish", "downgrade", "miss",
	"weak", "poor", "negative", "pessimistic", "recession", "crisis", "fail",
}

var cryptoTerms = []string{"crypto", "bitcoin", "ethereum", "blockchain", "btc", "eth"}

var ipoTerms = []string{"ipo", "listing", "public offering"}

// ClassifyKeywords はキーワードの出現有無からセンチメントを判定する。
// 各キーワードは部分一致で1回だけ数える。純粋関数で、再分析バッチからも使う。
func ClassifyKeywords(text string) model.Sentiment {
	lower := strings.ToLower(text)
	pos := countMatches(lower, positiveKeywords)
	neg := countMatches(lower, negativeKeywords)

	switch {
	case pos > neg && pos > 0:
		return model.SentimentPositive
	case neg > pos && neg > 0:
		return model.SentimentNegative
	default:
		return model.SentimentNeutral
	}
}

func countMatches(text string, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if strings.Contains(text, k) {
			n++
		}
	}
	return n
}

// MapCategory はAIの提案カテゴリ(優先)またはソースのカテゴリをUIカテゴリに変換する。
// どれにも一致しない場合はStocks。
func MapCategory(raw, ai string) model.Category {
	c := ai
	if c == "" {
		c = raw
	}
	c = strings.ToLower(c)

	if containsAny(c, cryptoTerms) {
		return model.CategoryCrypto
	}
	if containsAny(c, ipoTerms) {
		return model.CategoryIPOs
	}
	return model.CategoryStocks
}

// ResolveCategory はキューワーカー向けのカテゴリ決定。
// AIの値が既知のカテゴリ名と一致すればそのまま採用し、
// それ以外の非空値はMapCategoryで変換、空なら現在値を維持する。
func ResolveCategory(current model.Category, ai string) model.Category {
	ai = strings.TrimSpace(ai)
	if ai == "" {
		return current
	}
	for _, known := range model.KnownCategories {
		if strings.EqualFold(ai, string(known)) {
			return known
		}
	}
	return MapCategory(string(current), ai)
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
