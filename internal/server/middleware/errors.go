// Package middleware provides HTTP middleware for the status server.
package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/ocrfleet/internal/errors"
	"github.com/3leaps/ocrfleet/internal/observability"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// ErrorResponse is the JSON envelope written on errors.
type ErrorResponse = apperrors.HTTPErrorResponse

// RequestID propagates X-Request-ID, minting one when absent.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(apperrors.WithRequestID(r.Context(), id)))
	})
}

// Recovery turns panics into 500 INTERNAL_ERROR responses.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				var msg string
				switch v := rec.(type) {
				case error:
					msg = "panic: " + v.Error()
				default:
					msg = fmt.Sprintf("panic: %v", v)
				}
				observability.CLILogger.Error("Recovered from panic in HTTP handler",
					zap.String("path", r.URL.Path),
					zap.String("request_id", apperrors.RequestID(r.Context())),
					zap.String("panic", msg))

				appErr := apperrors.New(http.StatusInternalServerError, apperrors.CodeInternal, msg)
				writeErrorResponse(w, r, appErr)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// RequestLogger logs one debug entry per request.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		observability.CLILogger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, appErr *apperrors.AppError) {
	apperrors.RespondWithError(w, r, appErr)
}
