package model

// NarrationChunk は音声合成の1単位となるナレーション断片。
// Textは合成サービスの1リクエストあたりの文字数上限以下に分割されている。
type NarrationChunk struct {
	Index int
	Text  string
}

// OutcomeKind は音声合成結果の種別を表す。
type OutcomeKind string

const (
	// OutcomeReal は合成サービスが返した検証済みの音声。
	OutcomeReal OutcomeKind = "real"
	// OutcomeFallbackSilence は全バックエンドが失敗した場合に差し込む無音。
	OutcomeFallbackSilence OutcomeKind = "fallbackSilence"
)

// SynthesisOutcome は1チャンク分の合成結果。チャンクごとに必ず1件、元の順序で生成される。
type SynthesisOutcome struct {
	Index          int
	Kind           OutcomeKind
	Bytes          []byte
	DurationHintMs int
	Backend        string // 無音の場合は空
}
