package recovery

import (
	"strings"

	"github.com/hitoshi/digestcast/internal/model"
)

// RepairStrategy は第2段階の復元戦略。
// 文字列内の不正な引用符・バックスラッシュ・改行と末尾カンマを修復してから再パースする。
type RepairStrategy struct{}

// Name は段階名を返す。
func (RepairStrategy) Name() string { return "repair" }

// Attempt は修復したテキストをパースする。
// 最初の'{'以降を途中で切れた応答として括弧を補って先に試し、
// 失敗した場合は最後の'}'までに限定して後続の文章を除いた候補を試す。
func (RepairStrategy) Attempt(raw string) ([]model.DigestItem, bool) {
	text := stripCodeFence(raw)

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, false
	}
	if items, ok := parseEnvelope(repairJSON(text[start:])); ok {
		return items, true
	}

	span, ok := objectSpan(text)
	if !ok {
		return nil, false
	}
	return parseEnvelope(repairJSON(span))
}

// repairJSON は1パスでJSONの典型的な崩れを修復する。
// 文字列の内側か外側かを追跡し、修復は文字列の内側にのみ適用する。
func repairJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)

	var stack []byte
	inString := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case c == '\\':
				if n := validEscapeLength(s, i); n > 0 {
					b.WriteString(s[i : i+n])
					i += n - 1
				} else {
					b.WriteString(`\\`)
				}
			case c == '"':
				if closesString(s, i) {
					inString = false
					b.WriteByte('"')
				} else {
					b.WriteString(`\"`)
				}
			case c == '\n':
				b.WriteString(`\n`)
			case c == '\t':
				b.WriteString(`\t`)
			case c < 0x20:
				// 他の制御文字は捨てる
			default:
				b.WriteByte(c)
			}
			continue
		}

		switch c {
		case '"':
			inString = true
			b.WriteByte(c)
		case '\n', '\r':
			for i+1 < len(s) && (s[i+1] == '\n' || s[i+1] == '\r') {
				i++
			}
			b.WriteByte(' ')
		case ',':
			if next := nextNonSpace(s, i+1); next == '}' || next == ']' {
				continue
			}
			b.WriteByte(c)
		case '{', '[':
			stack = append(stack, c)
			b.WriteByte(c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}

	if !inString && len(stack) == 0 {
		return b.String()
	}

	// 途中で切れた応答を閉じる
	out := b.String()
	if inString {
		out += `"`
	}
	out = strings.TrimRight(out, " \t,")
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			out += "}"
		} else {
			out += "]"
		}
	}
	return out
}

// validEscapeLength はs[i]の'\'から始まるエスケープが正しい場合にその長さを返す。不正な場合は0を返す。
func validEscapeLength(s string, i int) int {
	if i+1 >= len(s) {
		return 0
	}
	switch s[i+1] {
	case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
		return 2
	case 'u':
		if i+6 > len(s) {
			return 0
		}
		for _, h := range s[i+2 : i+6] {
			if !isHex(byte(h)) {
				return 0
			}
		}
		return 6
	}
	return 0
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// closesString はs[i]の引用符が文字列を閉じるものかを判定する。
// 後続が構造文字（'}' ']' ':'）または入力末尾であれば閉じる引用符とみなす。
// ','の場合はさらにその次が値や要素の開始であることを確認する。
// 次が文字列であれば、その文字列の後に':' ',' '}' ']'のいずれかが続く場合のみ閉じる引用符とみなす。
func closesString(s string, i int) bool {
	j := skipSpace(s, i+1)
	if j >= len(s) {
		return true
	}
	switch s[j] {
	case '}', ']', ':':
		return true
	case ',':
		k := skipSpace(s, j+1)
		if k >= len(s) {
			return true
		}
		switch s[k] {
		case '{', '[', '}', ']':
			return true
		case '"':
			end := stringEnd(s, k)
			if end < 0 {
				return true
			}
			switch nextNonSpace(s, end+1) {
			case ':', ',', '}', ']', 0:
				return true
			}
		}
	}
	return false
}

// stringEnd はs[start]の引用符から始まる文字列の閉じ引用符の位置を返す。見つからない場合は-1を返す。
func stringEnd(s string, start int) int {
	for i := start + 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}

// nextNonSpace はs[from:]で最初の空白以外の文字を返す。なければ0を返す。
func nextNonSpace(s string, from int) byte {
	j := skipSpace(s, from)
	if j >= len(s) {
		return 0
	}
	return s[j]
}

func skipSpace(s string, from int) int {
	j := from
	for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
		j++
	}
	return j
}
