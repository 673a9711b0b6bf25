package web

// errors.go maps service errors to HTTP responses.
//
// The technical error is logged with the request id for correlation and the
// client receives the user-facing message from core.MapError as
// {error, action, code}.

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/JonMunkholm/pricefeed/internal/core"
	"github.com/JonMunkholm/pricefeed/internal/logging"
	"github.com/JonMunkholm/pricefeed/internal/service"
)

// overloadRetryAfter is the Retry-After hint, in seconds, on 503.
const overloadRetryAfter = 5

// statusFor picks the HTTP status for err.
func statusFor(err error) int {
	var (
		detection  *core.DetectionError
		mappingErr *core.MappingError
		validation *core.ValidationError
		exportErr  *core.ExportError
		tooLarge   *http.MaxBytesError
	)
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrOverloaded):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrFinished):
		return http.StatusConflict
	case errors.Is(err, core.ErrTooLarge), errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrUnsupportedStrategy),
		errors.As(err, &detection),
		errors.As(err, &mappingErr),
		errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &exportErr) && exportErr.Err == nil:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err and writes its user-facing form.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := core.MapError(err)

	logger := logging.FromContext(r.Context())
	log := logger.Warn
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log = logger.Error
	}
	log("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	)

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(overloadRetryAfter))
	}
	writeJSON(w, status, msg)
}

// badRequest rejects malformed request input.
func badRequest(w http.ResponseWriter, r *http.Request, field, message string) {
	respondError(w, r, &core.ValidationError{Entity: "request", Field: field, Message: message})
}
