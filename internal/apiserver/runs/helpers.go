package runs

import (
	"encoding/json"
	"errors"
	"net/http"

	"runplane/internal/shared/storage"
)

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError 将服务层错误映射为 HTTP 状态码
//
// 非法迁移返回 409，响应体带上 Run 的当前状态。
func writeServiceError(w http.ResponseWriter, err error) {
	var te *TransitionError
	switch {
	case errors.As(err, &te):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  err.Error(),
			"status": string(te.Current),
		})
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "permission denied")
	case errors.Is(err, ErrNotAssigned):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
