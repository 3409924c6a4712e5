package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{nil, CodeUnknown},
		{ErrRateLimit, CodeRateLimit},
		{fmt.Errorf("attempt 2: %w", ErrAuthInvalid), CodeAuthInvalid},
		{NewDomainError("Pool.Pick", ErrNoCredentials, "all keys tried"), CodeNoCredentials},
		{ErrGatewayAuthFailed, CodeGatewayAuth},
		{errors.New("something else"), CodeUnknown},
	}
	for _, tt := range tests {
		if got := ErrorCodeOf(tt.err); got != tt.want {
			t.Errorf("ErrorCodeOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestGatewayAuthCodeWinsOverGenericAuth(t *testing.T) {
	// ErrGatewayAuthFailed wraps ErrAuthInvalid; the more specific code
	// must win.
	if got := ErrorCodeOf(fmt.Errorf("handler: %w", ErrGatewayAuthFailed)); got != CodeGatewayAuth {
		t.Fatalf("code = %q, want %q", got, CodeGatewayAuth)
	}
}

func TestRetryableAndFatalClassification(t *testing.T) {
	if !IsRetryableError(fmt.Errorf("status 429: %w", ErrRateLimit)) {
		t.Error("rate limit must be retryable")
	}
	if IsRetryableError(ErrAuthInvalid) {
		t.Error("auth failure is not retryable")
	}
	if !IsFatalCredentialError(fmt.Errorf("status 401: %w", ErrAuthInvalid)) {
		t.Error("auth failure must be fatal for the credential")
	}
	if IsFatalCredentialError(ErrUpstream) {
		t.Error("generic upstream error must not evict a credential")
	}
}

func TestDomainErrorFormatting(t *testing.T) {
	e := NewDomainError("Pool.Evict", ErrNoCredentials, "key k1")
	if got := e.Error(); got != "Pool.Evict: key k1: no upstream credentials available" {
		t.Fatalf("error string = %q", got)
	}
	if !errors.Is(e, ErrNoCredentials) {
		t.Fatal("DomainError must unwrap to its sentinel")
	}

	bare := NewDomainError("Pool.Evict", ErrNoCredentials, "")
	if got := bare.Error(); got != "Pool.Evict: no upstream credentials available" {
		t.Fatalf("error string = %q", got)
	}
}

func TestWrapOp(t *testing.T) {
	if WrapOp("op", nil) != nil {
		t.Fatal("WrapOp(nil) must be nil")
	}
	err := WrapOp("Store.insert", ErrTimeout)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("wrapped err = %v", err)
	}
}
