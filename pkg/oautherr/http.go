// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package oautherr

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/keyfold/keyfold/pkg/logger"
)

// wireError is the RFC 6749 §5.2 error response body.
type wireError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// statusFor maps an error type to its HTTP status code.
func statusFor(errorType string) int {
	switch errorType {
	case ErrInvalidClient, ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	case ErrServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// WriteHTTP renders err as an OAuth wire error. Internal errors are collapsed
// first so no internal text reaches the client; retryable errors carry a
// Retry-After header.
func WriteHTTP(w http.ResponseWriter, err error) {
	e := FromInternal(err)
	if e == nil {
		return
	}

	if e.Type == ErrServerError && e.Cause != nil {
		logger.Errorw("internal error surfaced to client as server_error",
			"error", e.Cause.Error(),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if e.RetryAfter > 0 {
		seconds := int(math.Ceil(e.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	status := statusFor(e.Type)
	if status == http.StatusUnauthorized && e.Type == ErrInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="keyfold"`)
	}
	w.WriteHeader(status)

	body := wireError{Error: e.Type, Description: e.Message}
	if encodeErr := json.NewEncoder(w).Encode(body); encodeErr != nil {
		logger.Errorw("failed to encode error response",
			"error", encodeErr.Error(),
		)
	}
}
