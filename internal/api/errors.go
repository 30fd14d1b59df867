package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	mw "github.com/tphakala/birdcam-go/internal/api/middleware"
	"github.com/tphakala/birdcam-go/internal/errors"
	"github.com/tphakala/birdcam-go/internal/logger"
)

// Error kinds returned in the error body
const (
	KindInvalidParameter = "invalid_parameter"
	KindUnauthorized     = "unauthorized"
	KindForbidden        = "forbidden"
	KindNotFound         = "not_found"
	KindMethodNotAllowed = "method_not_allowed"
	KindPayloadTooLarge  = "payload_too_large"
	KindUnsupportedMedia = "unsupported_media_type"
	KindUnprocessable    = "unprocessable"
	KindRateLimited      = "rate_limited"
	KindInternal         = "internal"
	KindUnavailable      = "unavailable"
)

// ErrorBody describes what went wrong
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx JSON response
type ErrorResponse struct {
	Success       bool      `json:"success"`
	Error         ErrorBody `json:"error"`
	CorrelationID string    `json:"correlation_id"`
}

// apiError is a handler error with its HTTP mapping already decided
type apiError struct {
	status  int
	kind    string
	message string
	err     error
}

func (e *apiError) Error() string {
	if e.err != nil {
		return e.message + ": " + e.err.Error()
	}
	return e.message
}

func (e *apiError) Unwrap() error { return e.err }

func newAPIError(status int, kind, message string, err error) *apiError {
	return &apiError{status: status, kind: kind, message: message, err: err}
}

func invalidParameter(name, reason string) *apiError {
	return newAPIError(http.StatusBadRequest, KindInvalidParameter, name+": "+reason, nil)
}

func kindForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return KindInvalidParameter
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusMethodNotAllowed:
		return KindMethodNotAllowed
	case http.StatusRequestEntityTooLarge:
		return KindPayloadTooLarge
	case http.StatusUnsupportedMediaType:
		return KindUnsupportedMedia
	case http.StatusUnprocessableEntity:
		return KindUnprocessable
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusServiceUnavailable:
		return KindUnavailable
	default:
		return KindInternal
	}
}

// classify maps any handler error to a status, kind and public message.
// Messages of internal errors are only exposed in debug mode.
func classify(err error, debug bool) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok && s != "" {
			msg = s
		}
		return newAPIError(he.Code, kindForStatus(he.Code), msg, he.Internal)
	}

	switch {
	case errors.IsNotFound(err):
		return newAPIError(http.StatusNotFound, KindNotFound, err.Error(), err)
	case errors.IsCategory(err, errors.CategoryValidation):
		return newAPIError(http.StatusBadRequest, KindInvalidParameter, err.Error(), err)
	case errors.IsCategory(err, errors.CategoryImageDecode):
		return newAPIError(http.StatusUnprocessableEntity, KindUnprocessable, "image could not be decoded", err)
	case errors.IsCategory(err, errors.CategoryTimeout),
		errors.IsCategory(err, errors.CategoryDatabase),
		errors.IsCategory(err, errors.CategoryRetry),
		errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, KindUnavailable, publicMessage(err, "service temporarily unavailable", debug), err)
	}
	return newAPIError(http.StatusInternalServerError, KindInternal, publicMessage(err, "internal server error", debug), err)
}

func publicMessage(err error, fallback string, debug bool) string {
	if debug {
		return err.Error()
	}
	return fallback
}

// handleError is the echo HTTPErrorHandler. It renders every error as an
// ErrorResponse carrying the request's correlation id.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	ae := classify(err, s.cfg.Debug)
	correlationID := mw.RequestID(c)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	fields := []logger.Field{
		logger.String("correlation_id", correlationID),
		logger.String("method", c.Request().Method),
		logger.String("path", c.Request().URL.Path),
		logger.Int("status", ae.status),
		logger.String("kind", ae.kind),
		logger.String("ip", c.RealIP()),
		logger.Error(err),
	}
	log := GetLogger().WithContext(c.Request().Context())
	if ae.status >= http.StatusInternalServerError {
		log.Error("request failed", fields...)
	} else {
		log.Debug("request rejected", fields...)
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(ae.status)
	} else {
		writeErr = c.JSON(ae.status, ErrorResponse{
			Error:         ErrorBody{Kind: ae.kind, Message: ae.message},
			CorrelationID: correlationID,
		})
	}
	if writeErr != nil {
		log.Debug("failed to write error response", logger.Error(writeErr))
	}
}
