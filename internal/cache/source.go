package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/digestcast/internal/repository"
)

// InterestSource はキャッシュを経由してユーザーの関心トピックを取得する。
// キャッシュの障害は取得失敗とせず、ストアから読み込む。
type InterestSource struct {
	cache  InterestCache
	repo   repository.InterestRepository
	logger *slog.Logger
}

// NewInterestSource はInterestSourceの新しいインスタンスを生成する。
func NewInterestSource(cache InterestCache, repo repository.InterestRepository, logger *slog.Logger) *InterestSource {
	return &InterestSource{cache: cache, repo: repo, logger: logger}
}

// Interests はキャッシュ、ストアの順に関心トピックを探し、ストアから読んだ値はキャッシュに保存する。
func (s *InterestSource) Interests(ctx context.Context, userID string) ([]string, error) {
	if interests, ok, err := s.cache.Get(ctx, userID); err != nil {
		s.logger.Warn("関心トピックキャッシュの取得に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	} else if ok {
		return interests, nil
	}

	interests, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("関心トピックの取得に失敗: %w", err)
	}

	if err := s.cache.Put(ctx, userID, interests); err != nil {
		s.logger.Warn("関心トピックキャッシュの保存に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
	return interests, nil
}

// Update は関心トピックをストアに保存し、キャッシュも更新する。
func (s *InterestSource) Update(ctx context.Context, userID string, interests []string) error {
	if err := s.repo.Replace(ctx, userID, interests); err != nil {
		return fmt.Errorf("関心トピックの保存に失敗: %w", err)
	}
	if err := s.cache.Put(ctx, userID, interests); err != nil {
		s.logger.Warn("関心トピックキャッシュの保存に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
