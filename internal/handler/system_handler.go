package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/digestcast/internal/middleware"
	"github.com/hitoshi/digestcast/internal/schedule"
)

// DueCheckRunner は期限判定を1回実行するインターフェース。
type DueCheckRunner interface {
	RunOnce(ctx context.Context, now time.Time) (schedule.CheckSummary, error)
}

// DueCheckHandler は外部スケジューラからの期限判定の起動を処理する。
type DueCheckHandler struct {
	checker DueCheckRunner
	logger  *slog.Logger
	now     func() time.Time
}

// NewDueCheckHandler はDueCheckHandlerを生成する。
func NewDueCheckHandler(checker DueCheckRunner, logger *slog.Logger) *DueCheckHandler {
	return &DueCheckHandler{checker: checker, logger: logger, now: time.Now}
}

// ServeHTTP は期限判定を実行し、集計結果を返す。
// POST /internal/due-check
func (h *DueCheckHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	summary, err := h.checker.RunOnce(r.Context(), h.now().UTC())
	if err != nil {
		h.logger.Error("期限判定に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, summary)
}

// Pinger はデータベースの疎通確認インターフェース。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler はヘルスチェックを処理する。
type HealthHandler struct {
	db      Pinger
	timeout time.Duration
}

// NewHealthHandler はHealthHandlerを生成する。dbがnilの場合は常に正常を返す。
func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db, timeout: 2 * time.Second}
}

// ServeHTTP はDBへの疎通を確認して結果を返す。
// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":   "unhealthy",
				"database": "unreachable",
			})
			return
		}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
