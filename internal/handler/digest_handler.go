package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/hitoshi/digestcast/internal/middleware"
	"github.com/hitoshi/digestcast/internal/model"
	"github.com/hitoshi/digestcast/internal/pipeline"
)

// DigestRunner はダイジェスト生成を実行するインターフェース。
type DigestRunner interface {
	Run(ctx context.Context, req model.DigestRequest) pipeline.Outcome
}

// DigestHandler はオンデマンドのダイジェスト生成を処理する。
type DigestHandler struct {
	runner     DigestRunner
	runTimeout time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewDigestHandler はDigestHandlerを生成する。runTimeoutは1回の生成全体の制限時間。
func NewDigestHandler(runner DigestRunner, runTimeout time.Duration, logger *slog.Logger) *DigestHandler {
	if runTimeout <= 0 {
		runTimeout = 5 * time.Minute
	}
	return &DigestHandler{runner: runner, runTimeout: runTimeout, logger: logger, now: time.Now}
}

type createDigestRequest struct {
	UserID    string   `json:"userId"`
	Recipient string   `json:"recipient"`
	Language  string   `json:"language"`
	Feeds     []string `json:"feeds"`
	Interests []string `json:"interests"`
}

type digestResponse struct {
	Status         string                 `json:"status"`
	RunID          string                 `json:"runId"`
	ItemCount      int                    `json:"itemCount"`
	RealChunks     int                    `json:"realChunks"`
	FallbackChunks int                    `json:"fallbackChunks"`
	Translated     bool                   `json:"translated"`
	HasDocument    bool                   `json:"hasDocument"`
	Degradations   []pipeline.Degradation `json:"degradations"`
}

// Create はダイジェストを生成して配信する。
// POST /api/digests
func (h *DigestHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body createDigestRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	userID := resolveUserID(r, strings.TrimSpace(body.UserID))
	if userID == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("userIdが指定されていないか、X-User-IDと一致しません"))
		return
	}
	if _, err := mail.ParseAddress(body.Recipient); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("recipientが正しいメールアドレスではありません"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.runTimeout)
	defer cancel()

	outcome := h.runner.Run(ctx, model.DigestRequest{
		UserID:      userID,
		Recipient:   body.Recipient,
		Language:    strings.TrimSpace(body.Language),
		FeedURLs:    body.Feeds,
		Interests:   body.Interests,
		RequestedAt: h.now(),
	})

	if apiErr := outcome.APIError(); apiErr != nil {
		h.logger.Warn("ダイジェスト生成に失敗しました",
			slog.String("run_id", outcome.RunID),
			slog.String("user_id", userID),
			slog.String("code", apiErr.Code),
		)
		middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity, apiErr)
		return
	}

	pc := outcome.Context
	degradations := outcome.Degradations
	if degradations == nil {
		degradations = []pipeline.Degradation{}
	}
	middleware.WriteJSON(w, http.StatusOK, digestResponse{
		Status:         string(outcome.Status),
		RunID:          outcome.RunID,
		ItemCount:      len(pc.FinalItems()),
		RealChunks:     pc.Audio.RealChunks,
		FallbackChunks: pc.Audio.FallbackChunks,
		Translated:     pc.Translated,
		HasDocument:    pc.HasDocument(),
		Degradations:   degradations,
	})
}
