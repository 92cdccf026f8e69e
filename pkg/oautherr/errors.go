// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oautherr defines the error taxonomy used across the authorization
// server. Every error that can reach a client maps to an RFC 6749 error code
// with a deliberately uniform level of detail: security-relevant failures
// (bad PKCE verifier, reused code, revoked token) all collapse to
// invalid_grant or unauthorized so the response cannot be used as an oracle.
package oautherr

import (
	"errors"
	"fmt"
	"time"
)

// Error types, aligned with the RFC 6749 / RFC 7009 error codes.
const (
	// ErrInvalidRequest is returned for malformed input.
	ErrInvalidRequest = "invalid_request"

	// ErrInvalidClient is returned when client authentication fails.
	ErrInvalidClient = "invalid_client"

	// ErrInvalidGrant is returned when a grant (code, refresh token,
	// credentials) fails validation, regardless of the underlying cause.
	ErrInvalidGrant = "invalid_grant"

	// ErrUnauthorizedClient is returned when a client is not allowed to use
	// the requested grant type.
	ErrUnauthorizedClient = "unauthorized_client"

	// ErrInvalidScope is returned when a requested scope exceeds what the
	// client is allowed.
	ErrInvalidScope = "invalid_scope"

	// ErrUnsupportedGrantType is returned for unknown grant_type values.
	ErrUnsupportedGrantType = "unsupported_grant_type"

	// ErrInvalidRedirectURI is returned when the redirect URI does not match
	// a registered URI for the client.
	ErrInvalidRedirectURI = "invalid_redirect_uri"

	// ErrUnauthorized is the uniform failure for bearer validation.
	ErrUnauthorized = "unauthorized"

	// ErrServiceUnavailable is returned when a dependency circuit is open or
	// a coordination lock could not be acquired. Retryable.
	ErrServiceUnavailable = "service_unavailable"

	// ErrServerError is returned for unexpected internal failures.
	ErrServerError = "server_error"
)

// Error represents an error in the authorization server.
type Error struct {
	// Type is the OAuth error code.
	Type string

	// Message is the human-readable error description. It must not contain
	// internal detail.
	Message string

	// Cause is the underlying error. Logged server-side, never serialized.
	Cause error

	// RetryAfter is a retry hint for retryable errors, zero otherwise.
	RetryAfter time.Duration
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error of the given type.
func New(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidRequest creates a new invalid_request error.
func NewInvalidRequest(message string, cause error) *Error {
	return New(ErrInvalidRequest, message, cause)
}

// NewInvalidClient creates a new invalid_client error.
func NewInvalidClient(message string, cause error) *Error {
	return New(ErrInvalidClient, message, cause)
}

// NewInvalidGrant creates a new invalid_grant error. The message is fixed to
// avoid leaking which validation step failed.
func NewInvalidGrant(cause error) *Error {
	return New(ErrInvalidGrant, "the provided grant is invalid, expired, or revoked", cause)
}

// NewUnauthorizedClient creates a new unauthorized_client error.
func NewUnauthorizedClient(message string, cause error) *Error {
	return New(ErrUnauthorizedClient, message, cause)
}

// NewInvalidScope creates a new invalid_scope error.
func NewInvalidScope(message string, cause error) *Error {
	return New(ErrInvalidScope, message, cause)
}

// NewUnsupportedGrantType creates a new unsupported_grant_type error.
func NewUnsupportedGrantType(grantType string) *Error {
	return New(ErrUnsupportedGrantType, fmt.Sprintf("grant type %q is not supported", grantType), nil)
}

// NewInvalidRedirectURI creates a new invalid_redirect_uri error.
func NewInvalidRedirectURI(cause error) *Error {
	return New(ErrInvalidRedirectURI, "redirect_uri does not match a registered URI", cause)
}

// NewUnauthorized creates the uniform bearer validation failure. The message
// is identical for every cause.
func NewUnauthorized(cause error) *Error {
	return New(ErrUnauthorized, "invalid or expired credentials", cause)
}

// NewServiceUnavailable creates a retryable service_unavailable error with a
// retry hint.
func NewServiceUnavailable(message string, retryAfter time.Duration, cause error) *Error {
	return &Error{
		Type:       ErrServiceUnavailable,
		Message:    message,
		Cause:      cause,
		RetryAfter: retryAfter,
	}
}

// NewServerError creates a new server_error.
func NewServerError(cause error) *Error {
	return New(ErrServerError, "an unexpected error occurred", cause)
}

// FromInternal collapses an arbitrary internal error into a client-safe
// error. Errors that are already *Error pass through unchanged; everything
// else becomes server_error with no internal text exposed.
func FromInternal(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewServerError(err)
}

// IsType checks whether err is an *Error with the given type.
func IsType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsInvalidGrant checks if the error is an invalid_grant error.
func IsInvalidGrant(err error) bool {
	return IsType(err, ErrInvalidGrant)
}

// IsInvalidClient checks if the error is an invalid_client error.
func IsInvalidClient(err error) bool {
	return IsType(err, ErrInvalidClient)
}

// IsInvalidScope checks if the error is an invalid_scope error.
func IsInvalidScope(err error) bool {
	return IsType(err, ErrInvalidScope)
}

// IsUnauthorized checks if the error is the uniform unauthorized error.
func IsUnauthorized(err error) bool {
	return IsType(err, ErrUnauthorized)
}

// IsServiceUnavailable checks if the error is a retryable
// service_unavailable error.
func IsServiceUnavailable(err error) bool {
	return IsType(err, ErrServiceUnavailable)
}

// Retryable reports whether the caller may retry the operation.
func Retryable(err error) bool {
	return IsServiceUnavailable(err)
}

// RetryAfter returns the retry hint attached to err, or zero.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
