package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Code is the adapter failure taxonomy surfaced on failed jobs.
type Code string

const (
	CodeTimeout            Code = "TIMEOUT"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeInvalidSchema      Code = "INVALID_SCHEMA"
	CodeItemNotFound       Code = "ITEM_NOT_FOUND"
	CodeAdapterDisabled    Code = "ADAPTER_DISABLED"
	CodeNoAdapterAvailable Code = "NO_ADAPTER_AVAILABLE"
	// CodeUpstream covers connection failures and 5xx answers.
	CodeUpstream Code = "UPSTREAM_UNAVAILABLE"
)

// Error is a typed adapter failure. Payload optionally carries whatever body
// was fetched so it can still be audited.
type Error struct {
	Code        Code
	Adapter     string
	Err         error
	Payload     []byte
	ContentType string
}

// NewError builds an adapter error.
func NewError(code Code, adapter string, err error) *Error {
	return &Error{Code: code, Adapter: adapter, Err: err}
}

func (e *Error) Error() string {
	if e.Adapter == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Adapter, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithPayload attaches the fetched body to the error.
func (e *Error) WithPayload(body []byte, contentType string) *Error {
	e.Payload = body
	e.ContentType = contentType
	return e
}

// CodeOf classifies err into the adapter taxonomy. Unknown errors map to
// CodeUpstream; nil maps to the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var adapterErr *Error
	if errors.As(err, &adapterErr) {
		return adapterErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	return CodeUpstream
}

// Retryable reports whether another attempt could plausibly succeed.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout, CodeRateLimited, CodeUpstream:
		return true
	default:
		return false
	}
}

// classifyError maps a transport error and/or HTTP status to an adapter error.
func classifyError(adapter string, err error, statusCode int) *Error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeTimeout, adapter, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(CodeTimeout, adapter, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewError(CodeUpstream, adapter, err)
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch {
		case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
			return NewError(CodeItemNotFound, adapter, wrapped)
		case statusCode == http.StatusTooManyRequests:
			return NewError(CodeRateLimited, adapter, wrapped)
		case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
			return NewError(CodeAdapterDisabled, adapter, wrapped)
		case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
			return NewError(CodeTimeout, adapter, wrapped)
		case statusCode >= http.StatusInternalServerError:
			return NewError(CodeUpstream, adapter, wrapped)
		case statusCode >= http.StatusBadRequest:
			return NewError(CodeInvalidSchema, adapter, wrapped)
		}
	}

	if err == nil {
		return nil
	}
	return NewError(CodeUpstream, adapter, err)
}
