package synthesis

import (
	"errors"
	"net/http"
	"time"
)

// attemptResult は1回の合成試行の結果分類。
type attemptResult int

const (
	// attemptOK は妥当な音声を取得できた。
	attemptOK attemptResult = iota
	// attemptRetry は一時的な失敗で、同じバックエンドで再試行する（429/503/試行タイムアウト）。
	attemptRetry
	// attemptNextBackend は恒久的な失敗で、次のバックエンドに切り替える。
	attemptNextBackend
)

// String はメトリクスとログ用の名前を返す。
func (r attemptResult) String() string {
	switch r {
	case attemptOK:
		return "ok"
	case attemptRetry:
		return "retry"
	default:
		return "next_backend"
	}
}

// classifyError は合成失敗を再試行すべきかどうかに分類する。
func classifyError(err error, timedOut bool) attemptResult {
	if timedOut {
		return attemptRetry
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return attemptRetry
		}
	}
	return attemptNextBackend
}

// CalculateBackoff は試行回数（0始まり）に基づいて指数バックオフ遅延を計算する。
// base × 2^attempt。
func CalculateBackoff(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
