// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/log"
)

var validate = validator.New()

// errorBody is the uniform error envelope. Messages stay tenant-neutral;
// internals are logged, never returned.
type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponentFromContext(r.Context(), "http")
		logger.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	fe, ok := fault.As(err)
	if !ok {
		logger := log.WithComponentFromContext(r.Context(), "http")
		logger.Error().Err(err).
			Str(log.FieldEvent, "http.internal_error").
			Str("path", r.URL.Path).
			Msg("unclassified handler error")
		fe = fault.New(fault.Internal, "internal", "an unexpected error occurred")
	}
	if fe.Kind == fault.RateLimited && fe.RetryAfter > 0 {
		secs := int(fe.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, r, fe.HTTPStatus(), errorBody{
		Error:     fe.Message,
		Code:      fe.Code,
		RequestID: log.RequestIDFromContext(r.Context()),
	})
}

// decodeBody unmarshals and validates a JSON request body. Validation tags
// live on the request structs.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fault.Wrap(fault.Validation, "malformed-body", "request body is not valid JSON", err)
	}
	if err := validate.Struct(dst); err != nil {
		return fault.Wrap(fault.Validation, "invalid-fields", "request failed validation", err)
	}
	return nil
}
