// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizer はニュースソースから受け取った見出し・要約のHTMLを除去し、
// ダッシュボードにそのまま表示できるプレーンテキストに変換する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizer は外部ソース由来テキストのサニタイズ機能のインターフェース。
type ContentSanitizer interface {
	// Sanitize はHTMLタグを除去し、エンティティを復元したうえで
	// 連続する空白を1つにまとめたテキストを返す。
	// script, styleタグは中身ごと除去される。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(raw string) string
}

// contentSanitizer はContentSanitizerの実装。
// bluemondayのポリシーはスレッドセーフなので共有して使う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はすべてのタグを許可しないStrictPolicyでサニタイザを生成する。
func NewContentSanitizer() ContentSanitizer {
	return &contentSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はHTMLをプレーンテキストに変換する。
func (s *contentSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	text := s.policy.Sanitize(raw)
	text = html.UnescapeString(text)
	return strings.Join(strings.Fields(text), " ")
}
