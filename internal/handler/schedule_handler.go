package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/digestcast/internal/middleware"
	"github.com/hitoshi/digestcast/internal/model"
	"github.com/hitoshi/digestcast/internal/schedule"
)

// maxScheduleDays は定期配信を設定できる最大日数。
const maxScheduleDays = 365

// TaskStore は定期配信タスクの保存と取得のインターフェース。
type TaskStore interface {
	Create(ctx context.Context, task *model.ScheduledTask) error
	FindByID(ctx context.Context, id string) (*model.ScheduledTask, error)
}

// ScheduleHandler は定期配信スケジュールの登録を処理する。
type ScheduleHandler struct {
	tasks  TaskStore
	logger *slog.Logger
	now    func() time.Time
}

// NewScheduleHandler はScheduleHandlerを生成する。
func NewScheduleHandler(tasks TaskStore, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{tasks: tasks, logger: logger, now: time.Now}
}

type createScheduleRequest struct {
	UserID    string   `json:"userId"`
	Recipient string   `json:"recipient"`
	TimeOfDay string   `json:"timeOfDay"`
	Timezone  string   `json:"timezone"`
	Days      int      `json:"days"`
	Language  string   `json:"language"`
	Feeds     []string `json:"feeds"`
}

type scheduleResponse struct {
	ID              string   `json:"id"`
	UserID          string   `json:"userId"`
	Recipient       string   `json:"recipient"`
	TimeOfDay       string   `json:"timeOfDay"`
	Timezone        string   `json:"timezone"`
	ActiveUntilDate string   `json:"activeUntilDate"`
	LastRunDate     *string  `json:"lastRunDate"`
	Language        string   `json:"language,omitempty"`
	Feeds           []string `json:"feeds"`
}

func newScheduleResponse(task *model.ScheduledTask) scheduleResponse {
	resp := scheduleResponse{
		ID:              task.ID,
		UserID:          task.UserID,
		Recipient:       task.Recipient,
		TimeOfDay:       task.ScheduleTimeOfDay,
		Timezone:        task.Timezone,
		ActiveUntilDate: task.ActiveUntilDate.Format(model.DateLayout),
		Language:        task.Language,
		Feeds:           task.FeedURLs,
	}
	if resp.Feeds == nil {
		resp.Feeds = []string{}
	}
	if task.LastRunDate != nil {
		d := task.LastRunDate.Format(model.DateLayout)
		resp.LastRunDate = &d
	}
	return resp
}

// Create は定期配信タスクを登録する。
// 有効期限は登録日を1日目としてdays日目の終わりまで。
// POST /api/schedules
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body createScheduleRequest
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
	if _, err := schedule.ParseTimeOfDay(body.TimeOfDay); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidScheduleError(err.Error()))
		return
	}
	if body.Days < 1 || body.Days > maxScheduleDays {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidScheduleError("daysは1以上365以下で指定してください"))
		return
	}

	timezone := strings.TrimSpace(body.Timezone)
	if timezone == "" {
		timezone = "UTC"
	}
	if _, ok := schedule.Offset(timezone); !ok {
		h.logger.Warn("未対応のタイムゾーンのためUTCとして判定します",
			slog.String("user_id", userID),
			slog.String("timezone", timezone),
		)
	}

	now := h.now().UTC()
	feeds := body.Feeds
	if feeds == nil {
		feeds = []string{}
	}
	task := &model.ScheduledTask{
		ID:                uuid.NewString(),
		UserID:            userID,
		Recipient:         body.Recipient,
		ScheduleTimeOfDay: body.TimeOfDay,
		Timezone:          timezone,
		ActiveUntilDate:   model.TruncateToDate(now).AddDate(0, 0, body.Days-1),
		Language:          strings.TrimSpace(body.Language),
		FeedURLs:          feeds,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := h.tasks.Create(r.Context(), task); err != nil {
		h.logger.Error("定期配信タスクの登録に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, newScheduleResponse(task))
}

// Get は呼び出し元ユーザーの定期配信タスクを返す。他のユーザーのタスクは存在しないものとして扱う。
// GET /api/schedules/{id}
func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError("定期配信タスク"))
		return
	}

	task, err := h.tasks.FindByID(r.Context(), id)
	if err != nil {
		h.logger.Error("定期配信タスクの取得に失敗しました",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if task == nil || task.UserID != userID {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError("定期配信タスク"))
		return
	}

	middleware.WriteJSON(w, http.StatusOK, newScheduleResponse(task))
}
