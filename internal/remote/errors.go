package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/majitask/majitask/internal/task"
)

// ErrNoToken is returned when the token source yields no access token.
var ErrNoToken = errors.New("no access token")

type errorBody struct {
	Message string            `json:"message"`
	Error   task.Kind         `json:"error"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// KindForStatus maps an HTTP status code onto an error kind.
func KindForStatus(code int) task.Kind {
	switch {
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return task.KindValidation
	case code == http.StatusNotFound:
		return task.KindNotFound
	case code == http.StatusConflict:
		return task.KindConflict
	case code == http.StatusTooManyRequests:
		return task.KindRateLimited
	case code >= 500, code == http.StatusRequestTimeout:
		return task.KindTransport
	default:
		// 401 and 403 land here: the credential is the client's problem, a
		// retry against the local store would hide it.
		return task.KindInternal
	}
}

func statusError(resp *http.Response, data []byte) error {
	kind := KindForStatus(resp.StatusCode)

	var body errorBody
	_ = json.Unmarshal(data, &body)
	msg := body.Message
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	e := &task.Error{
		Kind:    kind,
		Message: msg,
		Fields:  body.Fields,
		Err:     fmt.Errorf("%s %s: status %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode),
	}
	if kind == task.KindRateLimited {
		e.RetryAfter = retryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return e
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// transportError classifies a failed round trip. Missing credentials are an
// INTERNAL failure; a caller cancellation is returned as is; everything
// else, timeouts included, is TRANSPORT.
func transportError(ctx context.Context, op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.Is(err, ErrNoToken) || errors.As(err, &re) {
		return task.Internal(fmt.Errorf("%s: %w", op, err))
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return task.Transport(fmt.Errorf("%s: %w", op, err))
}
