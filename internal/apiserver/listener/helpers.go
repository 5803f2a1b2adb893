package listener

import (
	"encoding/json"
	"errors"
	"net/http"

	"runplane/internal/apiserver/runs"
	"runplane/internal/ca"
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

// writeServiceError 将身份、注册表与 Run 服务的错误映射为 HTTP 状态码
func writeServiceError(w http.ResponseWriter, err error) {
	var te *runs.TransitionError
	switch {
	case errors.As(err, &te):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  err.Error(),
			"status": string(te.Current),
		})
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrTokenExhausted):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ca.ErrRenewalTooEarly):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, runs.ErrNotAssigned):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, storage.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidHeartbeat), errors.Is(err, runs.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
