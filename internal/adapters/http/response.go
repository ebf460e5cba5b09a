package http

import (
	"encoding/json"
	"net/http"

	"github.com/viralforge/authcore/internal/domain"
)

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess[T any](w http.ResponseWriter, statusCode int, data T) {
	writeJSON(w, statusCode, domain.Ok(data))
}

func writeFailure(w http.ResponseWriter, statusCode int, err error) {
	writeJSON(w, statusCode, domain.Fail[any](err))
}
