package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/digestcast/internal/middleware"
	"github.com/hitoshi/digestcast/internal/model"
)

const (
	defaultRunListLimit = 20
	maxRunListLimit     = 100
)

// RunLister は実行記録を取得するインターフェース。
type RunLister interface {
	ListByUserID(ctx context.Context, userID string, limit int) ([]*model.RunRecord, error)
}

// RunHandler は実行履歴の参照を処理する。
type RunHandler struct {
	runs   RunLister
	logger *slog.Logger
}

// NewRunHandler はRunHandlerを生成する。
func NewRunHandler(runs RunLister, logger *slog.Logger) *RunHandler {
	return &RunHandler{runs: runs, logger: logger}
}

type runResponse struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"taskId,omitempty"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	ItemCount      int       `json:"itemCount"`
	RealChunks     int       `json:"realChunks"`
	FallbackChunks int       `json:"fallbackChunks"`
	Translated     bool      `json:"translated"`
	HasDocument    bool      `json:"hasDocument"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
}

// List は呼び出し元ユーザーの実行記録を新しい順に返す。
// limitは1〜100、未指定なら20。
// GET /api/runs?limit=N
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	limit := defaultRunListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRunListLimit {
			middleware.WriteErrorResponse(w, http.StatusBadRequest,
				model.NewInvalidRequestError("limitは1以上100以下で指定してください"))
			return
		}
		limit = n
	}

	records, err := h.runs.ListByUserID(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("実行記録の取得に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	resp := make([]runResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, runResponse{
			ID:             rec.ID,
			TaskID:         rec.TaskID,
			Status:         string(rec.Status),
			Reason:         rec.Reason,
			ItemCount:      rec.ItemCount,
			RealChunks:     rec.RealChunks,
			FallbackChunks: rec.FallbackChunks,
			Translated:     rec.Translated,
			HasDocument:    rec.HasDocument,
			StartedAt:      rec.StartedAt,
			FinishedAt:     rec.FinishedAt,
		})
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"runs": resp})
}
