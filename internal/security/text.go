package security

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// blockBoundary はブロック要素の開始・終了タグ。
// タグ除去後に前後の文字列が連結されないよう空白を挿入する。
var blockBoundary = regexp.MustCompile(`(?i)</?(p|br|div|li|ul|ol|h[1-6]|tr|td|blockquote|pre|section|article)\b[^>]*>`)

// TextExtractor はフィード記事のHTMLからプレーンテキストを取り出す。
// 全てのタグを除去するbluemondayのStrictPolicyを使用し、script/styleの中身も残さない。
type TextExtractor struct {
	policy *bluemonday.Policy
}

// NewTextExtractor はTextExtractorの新しいインスタンスを生成する。
func NewTextExtractor() *TextExtractor {
	return &TextExtractor{policy: bluemonday.StrictPolicy()}
}

// PlainText はHTMLからタグを除去し、文字参照を展開して空白を1つにまとめたテキストを返す。
func (e *TextExtractor) PlainText(rawHTML string) string {
	if strings.TrimSpace(rawHTML) == "" {
		return ""
	}
	spaced := blockBoundary.ReplaceAllString(rawHTML, " $0")
	stripped := e.policy.Sanitize(spaced)
	return strings.Join(strings.Fields(html.UnescapeString(stripped)), " ")
}
