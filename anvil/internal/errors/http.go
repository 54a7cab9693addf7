// Package errors provides error handling and presentation for the
// Anvil HTTP API.
package errors

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// HTTP wraps an error with a desired response status code, useful for error presentation.
type HTTP struct {
	WrappedErr error
	StatusCode int
}

// Error presents the underlying error
func (err HTTP) Error() string {
	return err.WrappedErr.Error()
}

// NewHTTP creates a new wrapped HTTP error that can be used for error presentation.
func NewHTTP(msg string, statusCode int) HTTP {
	return HTTP{WrappedErr: fmt.Errorf("%s", msg), StatusCode: statusCode}
}

// NewHTTPf creates a wrapped HTTP error with a formatted message.
func NewHTTPf(statusCode int, format string, args ...any) HTTP {
	return HTTP{WrappedErr: fmt.Errorf(format, args...), StatusCode: statusCode}
}

// WrapHandler provides middleware for handlers to present errors to the
// caller if any occur. Errors are rendered as JSON since every API
// endpoint speaks JSON.
func WrapHandler(fn func(http.ResponseWriter, *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		err := fn(w, req)
		if err == nil {
			return
		}

		// Handle Expected HTTP Errors
		if httpErr, ok := err.(HTTP); ok {
			writeError(w, httpErr.Error(), httpErr.StatusCode)
			return
		}

		// Unhandled Errors
		slog.ErrorContext(req.Context(), "unhandled error serving request",
			"method", req.Method,
			"path", req.URL.Path,
			"error", err,
		)
		writeError(w, err.Error(), http.StatusInternalServerError)
	})
}

func writeError(w http.ResponseWriter, msg string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
