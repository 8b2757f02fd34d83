package classifier

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/hitoshi/trendboard/internal/model"
)

var (
	jsonFenceRe = regexp.MustCompile("(?i)```json\\s*")
	fenceRe     = regexp.MustCompile("```\\s*")
)

// Completion はAIが返すJSONオブジェクト。
type Completion struct {
	Summary   string
	Sentiment string
	Impact    string
	Tags      []string
	Category  string
}

type completionJSON struct {
	Summary   any             `json:"summary"`
	Sentiment any             `json:"sentiment"`
	Impact    any             `json:"impact"`
	Tags      json.RawMessage `json:"tags"`
	Category  any             `json:"category"`
}

// StripCodeFence はMarkdownのコードフェンス(```json / ```)を取り除く。
func StripCodeFence(s string) string {
	s = jsonFenceRe.ReplaceAllString(s, "")
	s = fenceRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// ParseCompletion はAIの応答本文をCompletionに変換する。
// 文字列以外の値は空文字として扱い、tagsが配列でない場合は空とする。
func ParseCompletion(content string) (Completion, error) {
	cleaned := StripCodeFence(content)
	if cleaned == "" {
		cleaned = "{}"
	}

	var raw completionJSON
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return Completion{}, fmt.Errorf("AI応答のJSONパースに失敗しました: %w", err)
	}

	c := Completion{
		Summary:   asString(raw.Summary),
		Sentiment: asString(raw.Sentiment),
		Impact:    asString(raw.Impact),
		Category:  asString(raw.Category),
	}

	var tags []any
	if len(raw.Tags) > 0 && json.Unmarshal(raw.Tags, &tags) == nil {
		for _, t := range tags {
			if t == nil {
				continue
			}
			c.Tags = append(c.Tags, fmt.Sprint(t))
		}
	}
	return c, nil
}

// NormalizeTags は先頭5件を大文字・前後空白除去し、空要素を除いて返す。
func NormalizeTags(tags []string) []string {
	if len(tags) > model.MaxTags {
		tags = tags[:model.MaxTags]
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func asString(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}
