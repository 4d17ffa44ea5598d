package recovery

import (
	"strings"

	"github.com/hitoshi/digestcast/internal/model"
)

// FenceStrategy は第1段階の復元戦略。
// Markdownのコードフェンスを除去し、文字列を考慮したブレース対応走査で最外の{...}を取り出してパースする。
type FenceStrategy struct{}

// Name は段階名を返す。
func (FenceStrategy) Name() string { return "fence" }

// Attempt は応答テキストをそのままパースする。修復は行わない。
func (FenceStrategy) Attempt(raw string) ([]model.DigestItem, bool) {
	object, ok := outermostObject(stripCodeFence(raw))
	if !ok {
		return nil, false
	}
	return parseEnvelope(object)
}

// stripCodeFence は```json ... ```のようなコードフェンスを取り除く。
// 最初の'{'より前にフェンスがない場合は、JSON内の文字列や後続の文章に含まれる```とみなしてそのまま返す。
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	if brace := strings.IndexByte(s, '{'); brace >= 0 && brace < start {
		return s
	}

	body := s[start+3:]
	// 言語タグ（json等）を読み飛ばす
	body = strings.TrimLeft(body, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// outermostObject は最初の'{'から対応する'}'までを返す。
// 文字列リテラル内のブレースとエスケープは無視する。閉じていない場合はfalseを返す。
func outermostObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// objectSpan は最初の'{'から最後の'}'までを返す。
// 文字列内に不正な引用符がある場合はブレース対応が崩れるため、修復段階ではこちらを使う。
func objectSpan(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return "", false
	}
	return s[start : end+1], true
}
