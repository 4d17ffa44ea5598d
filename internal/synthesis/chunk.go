package synthesis

import (
	"strings"
	"unicode/utf8"
)

// DefaultChunkSize は合成サービスの1リクエストあたりの最大文字数。
const DefaultChunkSize = 150

// SplitText はテキストをbudget文字以下のチャンクに分割する。
// 文の境界を優先し、1文が長すぎる場合は単語境界、それでも収まらない場合は文字単位で分割する。
// 空白は1つに正規化される。空のテキストにはnilを返す。
func SplitText(text string, budget int) []string {
	if budget <= 0 {
		budget = DefaultChunkSize
	}
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil
	}

	p := &packer{budget: budget}
	for _, sentence := range splitSentences(text) {
		if utf8.RuneCountInString(sentence) <= budget {
			p.add(sentence)
			continue
		}
		for _, word := range strings.Fields(sentence) {
			if utf8.RuneCountInString(word) <= budget {
				p.add(word)
				continue
			}
			for _, piece := range hardSplit(word, budget) {
				p.add(piece)
			}
		}
	}
	p.flush()
	return p.chunks
}

// packer は断片を上限まで詰めてチャンクを作る。
type packer struct {
	budget int
	chunks []string
	cur    strings.Builder
	n      int
}

func (p *packer) add(piece string) {
	l := utf8.RuneCountInString(piece)
	sep := 0
	if p.n > 0 {
		sep = 1
	}
	if p.n+sep+l > p.budget {
		p.flush()
		sep = 0
	}
	if sep == 1 {
		p.cur.WriteByte(' ')
	}
	p.cur.WriteString(piece)
	p.n += sep + l
}

func (p *packer) flush() {
	if p.n == 0 {
		return
	}
	p.chunks = append(p.chunks, p.cur.String())
	p.cur.Reset()
	p.n = 0
}

// splitSentences は文末記号で文を区切る。
// 全角の文末記号は直後で区切り、半角の文末記号は後ろに空白がある場合のみ区切る。
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0
	for i, r := range runes {
		end := false
		switch r {
		case '。', '！', '？':
			end = true
		case '.', '!', '?':
			end = i+1 == len(runes) || runes[i+1] == ' '
		}
		if !end {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// hardSplit は空白を含まない長い語をbudget文字ごとに分割する。
func hardSplit(word string, budget int) []string {
	runes := []rune(word)
	var pieces []string
	for len(runes) > budget {
		pieces = append(pieces, string(runes[:budget]))
		runes = runes[budget:]
	}
	if len(runes) > 0 {
		pieces = append(pieces, string(runes))
	}
	return pieces
}
