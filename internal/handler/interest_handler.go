package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/digestcast/internal/middleware"
	"github.com/hitoshi/digestcast/internal/model"
)

// maxInterests は1ユーザーが登録できる関心トピックの上限。
const maxInterests = 50

// InterestUpdater はユーザーの関心トピックを置き換えるインターフェース。
type InterestUpdater interface {
	Update(ctx context.Context, userID string, interests []string) error
}

// InterestHandler は関心トピックの登録を処理する。
type InterestHandler struct {
	interests InterestUpdater
	logger    *slog.Logger
}

// NewInterestHandler はInterestHandlerを生成する。
func NewInterestHandler(interests InterestUpdater, logger *slog.Logger) *InterestHandler {
	return &InterestHandler{interests: interests, logger: logger}
}

type updateInterestsRequest struct {
	Interests []string `json:"interests"`
}

type interestsResponse struct {
	UserID    string   `json:"userId"`
	Interests []string `json:"interests"`
}

// Update はX-User-IDのユーザーの関心トピックを丸ごと置き換える。
// 前後の空白を除き、空文字と大文字小文字違いの重複は取り除く。
// PUT /api/interests
func (h *InterestHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var body updateInterestsRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	interests := normalizeInterests(body.Interests)
	if len(interests) > maxInterests {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("interestsは50件以下で指定してください"))
		return
	}

	if err := h.interests.Update(r.Context(), userID, interests); err != nil {
		h.logger.Error("関心トピックの更新に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, interestsResponse{UserID: userID, Interests: interests})
}

func normalizeInterests(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
