package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorRendering(t *testing.T) {
	err := New("lighter", CodeRateLimited,
		WithHTTP(429),
		WithMessage("too many requests"),
		WithRawCode("-1003"),
		WithCanonicalCode(CanonicalRateLimited),
	)

	got := err.Error()
	for _, want := range []string{"exchange=lighter", "code=rate_limited", "canonical=rate_limited", "http=429", `raw_code="-1003"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("error string %q missing %q", got, want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("lighter", CodeNetwork, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the cause")
	}
}

func TestClassifyThroughWrapping(t *testing.T) {
	inner := New("lighter", CodeNotFound, WithCanonicalCode(CanonicalOrderNotFound))
	wrapped := fmt.Errorf("cancel order: %w", inner)

	if !IsOrderNotFound(wrapped) {
		t.Fatal("expected wrapped order-not-found to classify")
	}
	if IsRateLimited(wrapped) {
		t.Fatal("order-not-found must not classify as rate limited")
	}
}

func TestIsRateLimitedFallsBackToCode(t *testing.T) {
	// Adapters that only set the transport code still classify.
	err := New("lighter", CodeRateLimited)
	if !IsRateLimited(err) {
		t.Fatal("expected code-only rate limit to classify")
	}
}

func TestClassifyPlainError(t *testing.T) {
	if got := Classify(errors.New("boom")); got != CanonicalUnknown {
		t.Fatalf("expected unknown, got %s", got)
	}
	if IsInsufficientBalance(errors.New("boom")) {
		t.Fatal("plain error should not classify as insufficient balance")
	}
}
