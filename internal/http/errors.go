package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/project-theia/theia-api/internal/errors"
)

// DetermineErrorStatus maps a service error onto an HTTP status.
func DetermineErrorStatus(err error) int {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeValidation:
		return http.StatusBadRequest
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeConflict:
		return http.StatusConflict
	case apperrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeServiceError renders err with its mapped status. Internal errors are
// logged and replaced by a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, fallback string, err error) {
	status := DetermineErrorStatus(err)
	if status >= http.StatusInternalServerError {
		if logger != nil {
			logger.ErrorContext(r.Context(), "request failed",
				"method", r.Method,
				"path", r.URL.Path,
				"error", err,
			)
		}
		if status == http.StatusInternalServerError {
			err = errors.New("internal error")
		}
	}

	code := string(apperrors.GetCode(err))
	if code == "" {
		code = fallback
	}
	WriteError(w, ErrorParams{Code: status, ErrCode: code, Err: err, Field: apperrors.GetField(err)})
}

func errNotFound(r *http.Request) error {
	return apperrors.NotFoundf("no route for %s %s", r.Method, r.URL.Path)
}
