package synthesis

import "unicode"

// DetectLanguage は原稿に含まれる文字種から言語コードを推定する。
// かなを含めば"ja"、ハングルを含めば"ko"、漢字のみであれば"zh"を返す。
// ラテン文字など判定できない場合は空文字列を返す。
func DetectLanguage(text string) string {
	var kana, hangul, han int
	for _, r := range text {
		switch {
		case unicode.In(r, unicode.Hiragana, unicode.Katakana):
			kana++
		case unicode.Is(unicode.Hangul, r):
			hangul++
		case unicode.Is(unicode.Han, r):
			han++
		}
	}

	switch {
	case kana > 0:
		return "ja"
	case hangul > 0:
		return "ko"
	case han > 0:
		return "zh"
	}
	return ""
}
