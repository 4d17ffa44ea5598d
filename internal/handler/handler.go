package handler

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/digestcast/internal/middleware"
	"github.com/hitoshi/digestcast/internal/model"
)

// maxBodySize はリクエストボディの上限。
const maxBodySize = 64 * 1024

// decodeJSON はリクエストボディをvにデコードする。失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return false
	}
	return true
}

// resolveUserID はボディのユーザーIDとヘッダーのユーザーIDを突き合わせる。
// ボディが空の場合はヘッダーの値を使い、食い違う場合は空文字を返す。
func resolveUserID(r *http.Request, bodyUserID string) string {
	headerUserID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		return bodyUserID
	}
	if bodyUserID == "" || bodyUserID == headerUserID {
		return headerUserID
	}
	return ""
}
