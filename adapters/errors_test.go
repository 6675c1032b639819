package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   Code
	}{
		{name: "context timeout", err: context.DeadlineExceeded, expected: CodeTimeout},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, expected: CodeTimeout},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, expected: CodeUpstream},
		{name: "forbidden", statusCode: http.StatusForbidden, expected: CodeAdapterDisabled},
		{name: "unauthorized", statusCode: http.StatusUnauthorized, expected: CodeAdapterDisabled},
		{name: "not found", statusCode: http.StatusNotFound, expected: CodeItemNotFound},
		{name: "gone", statusCode: http.StatusGone, expected: CodeItemNotFound},
		{name: "rate limited", statusCode: http.StatusTooManyRequests, expected: CodeRateLimited},
		{name: "gateway timeout", statusCode: http.StatusGatewayTimeout, expected: CodeTimeout},
		{name: "server error", statusCode: http.StatusBadGateway, expected: CodeUpstream},
		{name: "bad request", statusCode: http.StatusBadRequest, expected: CodeInvalidSchema},
		{name: "other", err: errors.New("some other error"), expected: CodeUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError("generic", tt.err, tt.statusCode)
			if got == nil || got.Code != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %v, want %s", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}

	if got := classifyError("generic", nil, 0); got != nil {
		t.Fatalf("classifyError(nil, 0) = %v, want nil", got)
	}
}

func TestCodeOfAndRetryable(t *testing.T) {
	wrapped := fmt.Errorf("attempt 2: %w", NewError(CodeRateLimited, "generic", errors.New("429")))
	if CodeOf(wrapped) != CodeRateLimited {
		t.Fatalf("CodeOf(wrapped) = %s", CodeOf(wrapped))
	}
	if !Retryable(wrapped) {
		t.Fatalf("rate limited errors should be retryable")
	}
	if Retryable(NewError(CodeItemNotFound, "generic", errors.New("404"))) {
		t.Fatalf("not found should not be retryable")
	}
	if Retryable(NewError(CodeInvalidSchema, "generic", errors.New("bad"))) {
		t.Fatalf("invalid schema should not be retryable")
	}
	if CodeOf(context.DeadlineExceeded) != CodeTimeout {
		t.Fatalf("deadline exceeded should classify as timeout")
	}
	if CodeOf(nil) != "" {
		t.Fatalf("CodeOf(nil) should be empty")
	}
}

func TestErrorCarriesPayload(t *testing.T) {
	err := NewError(CodeInvalidSchema, "structured_data", errors.New("no product")).WithPayload([]byte("<html/>"), "text/html")
	var adapterErr *Error
	if !errors.As(fmt.Errorf("wrap: %w", err), &adapterErr) {
		t.Fatalf("errors.As failed")
	}
	if string(adapterErr.Payload) != "<html/>" || adapterErr.ContentType != "text/html" {
		t.Fatalf("payload = %q (%s)", adapterErr.Payload, adapterErr.ContentType)
	}
	if adapterErr.Error() != "structured_data: INVALID_SCHEMA: no product" {
		t.Fatalf("Error() = %q", adapterErr.Error())
	}
}
