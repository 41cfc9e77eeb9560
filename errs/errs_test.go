package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesFieldAndCause(t *testing.T) {
	err := New(
		"router",
		CodeValidation,
		WithHTTP(400),
		WithMessage("latitude out of range"),
		WithField("latitude"),
		WithMetadata("event_type", "rider_location_update"),
		WithCause(errors.New("value 912.4")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=router") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=validation") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "field=latitude") {
		t.Fatalf("expected field marker in error string: %s", out)
	}
	if !strings.Contains(out, "message=\"latitude out of range\"") {
		t.Fatalf("expected message in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"value 912.4\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestCodeOfWalksWrapChain(t *testing.T) {
	inner := Capacity("sse", "maximum connections reached")
	wrapped := fmt.Errorf("add client: %w", inner)

	if got := CodeOf(wrapped); got != CodeCapacity {
		t.Fatalf("expected capacity code, got %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Fatalf("expected internal code for plain error, got %q", got)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("router", "riderId", "required"), 400},
		{"auth", New("ws", CodeAuth, WithMessage("bad token")), 401},
		{"forbidden", New("server", CodeForbidden), 403},
		{"capacity", Capacity("ws", "connection limit"), 503},
		{"explicit", New("server", CodeInternal, WithHTTP(418)), 418},
		{"plain", errors.New("boom"), 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HTTPStatus(tc.err); got != tc.want {
				t.Fatalf("HTTPStatus() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := New("ws", CodeDelivery, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the cause")
	}
}
