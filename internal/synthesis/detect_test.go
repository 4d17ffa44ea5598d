package synthesis

import "testing"

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"日本語", "Go 1.25がリリースされました。", "ja"},
		{"漢字とカタカナ", "新版リリース", "ja"},
		{"韓国語", "새로운 릴리스", "ko"},
		{"中国語", "新版本发布", "zh"},
		{"英語", "Go 1.25 released.", ""},
		{"空", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectLanguage(tt.text); got != tt.want {
				t.Errorf("DetectLanguage(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}
