package synthesis

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	// DefaultMinPayloadSize は正常な音声とみなす最小バイト数。
	DefaultMinPayloadSize = 256

	// silenceFrameSize はMPEG-1 Layer III 32kbps 44.1kHzの1フレームのバイト数（144*32000/44100、パディングなし）。
	silenceFrameSize = 104
	// silenceFrameMicros は1フレームの再生時間（1152サンプル / 44100Hz）。
	silenceFrameMicros = 26122
	// msPerChar はナレーション1文字あたりのおおよその読み上げ時間。
	msPerChar = 60
)

// silenceHeader はMPEG-1 Layer III、CRCなし、32kbps、44.1kHz、モノラルのフレームヘッダ。
var silenceHeader = []byte{0xFF, 0xFB, 0x10, 0xC0}

// mp3Signatures は受け入れる音声データの先頭バイト列。
var mp3Signatures = [][]byte{
	[]byte("ID3"),
	{0xFF, 0xFB},
	{0xFF, 0xF3},
	{0xFF, 0xF2},
	{0xFF, 0xFA},
}

var (
	// ErrPayloadTooSmall は音声データが最小サイズに満たないことを示す。
	ErrPayloadTooSmall = errors.New("音声データが小さすぎます")
	// ErrPayloadSignature は音声データの先頭がMP3として認識できないことを示す。
	ErrPayloadSignature = errors.New("音声データの形式が不正です")
)

// ValidatePayload は合成サービスの応答がMP3として妥当かを検証する。
// 先頭が既知のシグネチャで始まり、かつminSizeバイト以上である必要がある。
func ValidatePayload(data []byte, minSize int) error {
	if len(data) < minSize {
		return fmt.Errorf("%w: %d < %d", ErrPayloadTooSmall, len(data), minSize)
	}
	for _, sig := range mp3Signatures {
		if bytes.HasPrefix(data, sig) {
			return nil
		}
	}
	return ErrPayloadSignature
}

// Silence はchars文字の読み上げ時間に相当する無音のMP3ストリームを生成する。
func Silence(chars int) []byte {
	data, _ := silence(chars, DefaultMinPayloadSize)
	return data
}

// silence は無音フレームを繰り返したMP3ストリームと再生時間（ミリ秒）を返す。
// 長さは文字数に比例し、minSizeバイトを下回らない。
func silence(chars, minSize int) ([]byte, int) {
	if chars < 0 {
		chars = 0
	}
	targetMicros := chars * msPerChar * 1000
	frames := (targetMicros + silenceFrameMicros - 1) / silenceFrameMicros
	if minFrames := (minSize + silenceFrameSize - 1) / silenceFrameSize; frames < minFrames {
		frames = minFrames
	}
	if frames < 1 {
		frames = 1
	}

	frame := make([]byte, silenceFrameSize)
	copy(frame, silenceHeader)

	data := bytes.Repeat(frame, frames)
	return data, frames * silenceFrameMicros / 1000
}
