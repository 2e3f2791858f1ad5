// Package httputil provides the HTTP plumbing shared by the account
// server's middleware and route handlers: JSON writing, body decoding
// with the request-size limit surfaced as a typed error, client IP
// extraction and endpoint URL validation.
package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ddnet-accounts/accountd/infrastructure/logging"
)

// ErrorResponse is the transport-level error shape written by middleware
// (rate limiting, body limit, timeouts, panics). Route handlers use the
// account result envelope instead; this shape only appears for requests
// rejected before a handler runs.
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
}

var defaultLogger = logging.NewFromEnv("httputil")

// WriteJSON writes a JSON response with the given status code. Both the
// middleware error path and the route handlers' envelope path funnel
// through here.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		defaultLogger.WithError(err).Warn("write json response")
	}
}

func traceIDFromRequestOrResponse(w http.ResponseWriter, r *http.Request) string {
	if r != nil {
		if traceID := logging.GetTraceID(r.Context()); traceID != "" {
			return traceID
		}
		if traceID := r.Header.Get("X-Trace-ID"); traceID != "" {
			return traceID
		}
	}

	return w.Header().Get("X-Trace-ID")
}

// WriteErrorResponse writes a transport-level JSON error.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", status)
	}

	traceID := traceIDFromRequestOrResponse(w, r)
	if traceID != "" && w.Header().Get("X-Trace-ID") == "" {
		w.Header().Set("X-Trace-ID", traceID)
	}

	WriteJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
		TraceID: traceID,
	})
}

// ErrBodyTooLarge reports that a request body exceeded the limit set by
// the body-limit middleware's http.MaxBytesReader.
var ErrBodyTooLarge = errors.New("httputil: request body too large")

// DecodeJSON decodes a JSON request body into v. It does not write a
// response: handlers translate the error into their own envelope, so a
// malformed login body and a malformed logout body fail the same way.
// A body that hit the MaxBytesReader limit is reported as ErrBodyTooLarge.
func DecodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return ErrBodyTooLarge
		}
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
