package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesContext(t *testing.T) {
	err := New(
		"engine/submit",
		CodeVersionConflict,
		WithTradeID("T1"),
		WithVersions(1, 3),
		WithMessage("incoming version 1 is lower than existing version 3"),
		WithCause(errors.New("stale write")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=engine/submit") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=version_conflict") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "trade_id=T1") {
		t.Fatalf("expected trade id in error string: %s", out)
	}
	if !strings.Contains(out, "incoming_version=1") || !strings.Contains(out, "existing_version=3") {
		t.Fatalf("expected version context in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"stale write\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestCodeOfWalksWrappedCauses(t *testing.T) {
	inner := New("store/get", CodeNotFound, WithTradeID("T9"))
	wrapped := fmt.Errorf("load trade: %w", inner)

	if got := CodeOf(wrapped); got != CodeNotFound {
		t.Fatalf("expected not_found through wrapping, got %q", got)
	}
	if !Is(wrapped, CodeNotFound) {
		t.Fatalf("expected Is to match not_found")
	}
}

func TestCodeOfForeignErrorIsDependency(t *testing.T) {
	if got := CodeOf(errors.New("connection reset")); got != CodeDependency {
		t.Fatalf("expected dependency_failure for foreign error, got %q", got)
	}
	if got := CodeOf(nil); got != "" {
		t.Fatalf("expected empty code for nil error, got %q", got)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("timeout")
	err := New("store/put", CodeDependency, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
