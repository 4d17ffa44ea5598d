// Package cache はユーザーの関心トピックのキャッシュを提供する。
package cache

import (
	"context"
	"time"
)

// DefaultTTL はキャッシュエントリの既定の有効期間。
const DefaultTTL = 30 * time.Minute

// InterestCache はユーザーIDをキーに関心トピックを保持するキャッシュ。
// Getはキャッシュにない場合にok=falseを返す。
type InterestCache interface {
	Get(ctx context.Context, userID string) (interests []string, ok bool, err error)
	Put(ctx context.Context, userID string, interests []string) error
}

// InterestKey はユーザーIDからキャッシュキーを生成する。
func InterestKey(userID string) string {
	return "interests:" + userID
}
