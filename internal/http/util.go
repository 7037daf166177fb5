package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func readBodyJSON(r *http.Request, maxBytes int64, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// writeDomainError 把领域错误映射到 HTTP 语义：
// - ValidationError -> 400（调用方输入问题，不重试）
// - NoPartitionError -> 503（运维配置问题，状态对设备侧是暂时的）
// - ErrNotFound -> 404
// - 其他 -> 500
func writeDomainError(w http.ResponseWriter, err error) {
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		writeJSON(w, http.StatusBadRequest, Fail(vErr.Error()))
		return
	}
	var npErr *domain.NoPartitionError
	if errors.As(err, &npErr) {
		writeJSON(w, http.StatusServiceUnavailable, Fail("storage not ready for this timestamp"))
		return
	}
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, Fail("not found"))
		return
	}
	writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
}
