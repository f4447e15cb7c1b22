package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonicalAndVenue(t *testing.T) {
	err := New(
		"bybit",
		CodeRejected,
		WithHTTP(200),
		WithMessage("order rejected"),
		WithRawCode("110007"),
		WithRawMessage("ab not enough for new order"),
		WithCanonicalCode(CanonicalInsufficientBalance),
		WithVenueField("endpoint", "/v5/order/create"),
		WithVenueField("symbol", "BTCUSDT"),
		WithCause(errors.New("retCode 110007")),
	)

	out := err.Error()
	if !strings.Contains(out, "exchange=bybit") {
		t.Fatalf("expected exchange marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=rejected") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=insufficient_balance") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	expectedVenue := "venue=endpoint=\"/v5/order/create\",symbol=\"BTCUSDT\""
	if !strings.Contains(out, expectedVenue) {
		t.Fatalf("expected venue metadata %q in error string: %s", expectedVenue, out)
	}
	if !strings.Contains(out, "cause=\"retCode 110007\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("bybit", CodeInvalid, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"auth", New("x", CodeAuth), KindAuthFailure},
		{"rate", New("x", CodeRateLimited), KindRateLimited},
		{"rejected", New("x", CodeRejected), KindBusinessRejection},
		{"invalid", New("x", CodeInvalid), KindBusinessRejection},
		{"too small", New("x", CodeQuantityTooSmall), KindQuantityTooSmall},
		{"config", New("x", CodeConfigMissing), KindConfigurationMissing},
		{"network", New("x", CodeNetwork), KindTransportFailure},
		{"wrapped", fmt.Errorf("submit: %w", New("x", CodeAuth)), KindAuthFailure},
		{"deadline", context.DeadlineExceeded, KindTransportFailure},
		{"plain", errors.New("boom"), KindTransportFailure},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("%s: KindOf = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestIsMatchesWrappedCode(t *testing.T) {
	err := fmt.Errorf("resolve: %w", New("vault", CodeConfigMissing))
	if !Is(err, CodeConfigMissing) {
		t.Fatalf("expected config_missing code to be detected")
	}
	if Is(err, CodeAuth) {
		t.Fatalf("unexpected auth match")
	}
	if Is(errors.New("plain"), CodeAuth) {
		t.Fatalf("plain errors carry no code")
	}
}
