package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/majitask/majitask/internal/task"
)

// maxBodyBytes bounds request bodies; bulk batches are the largest.
const maxBodyBytes = 8 << 20

// envelope is the response shape of the task API.
type envelope struct {
	Data    any    `json:"data"`
	Meta    any    `json:"meta,omitempty"`
	Message string `json:"message,omitempty"`
}

// errorBody is the response shape of every failed request.
type errorBody struct {
	Message string            `json:"message"`
	Error   task.Kind         `json:"error"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeData(w http.ResponseWriter, status int, data, meta any) {
	writeJSON(w, status, envelope{Data: data, Meta: meta})
}

// statusFor maps an error kind onto an HTTP status code.
func statusFor(k task.Kind) int {
	switch k {
	case task.KindNotFound:
		return http.StatusNotFound
	case task.KindValidation:
		return http.StatusBadRequest
	case task.KindConflict:
		return http.StatusConflict
	case task.KindRateLimited:
		return http.StatusTooManyRequests
	case task.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := task.KindOf(err)
	body := errorBody{Error: kind, Message: err.Error()}

	var te *task.Error
	if errors.As(err, &te) {
		if te.Message != "" {
			body.Message = te.Message
		}
		body.Fields = te.Fields
		if kind == task.KindRateLimited && te.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(te.RetryAfter.Seconds()))))
		}
	}
	if kind == task.KindInternal {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		body.Message = "internal error"
	}
	writeJSON(w, statusFor(kind), body)
}

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return task.Invalid("invalid request body", map[string]string{"body": err.Error()})
	}
	return nil
}
