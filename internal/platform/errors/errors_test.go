package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := Wrap(CodeUnavailable, "history unavailable", stderrors.New("dial tcp: refused"))

	if !stderrors.Is(err, New(CodeUnavailable, "")) {
		t.Fatal("expected errors.Is to match on code")
	}
	if stderrors.Is(err, New(CodeInvalidArgument, "")) {
		t.Fatal("expected errors.Is to reject a different code")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(CodeUnavailable, "append history", stderrors.New("timeout"))
	if got := err.Error(); got != "append history: timeout" {
		t.Fatalf("Error() = %q, want %q", got, "append history: timeout")
	}
	if got := New(CodeInvalidArgument, "roomId is required").Error(); got != "roomId is required" {
		t.Fatalf("Error() = %q, want %q", got, "roomId is required")
	}
}

func TestCodeOfWalksWrappedChain(t *testing.T) {
	inner := New(CodeInvalidArgument, "message is required")
	outer := fmt.Errorf("route event: %w", inner)

	if got := CodeOf(outer); got != CodeInvalidArgument {
		t.Fatalf("CodeOf = %q, want %q", got, CodeInvalidArgument)
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("CodeOf(plain) = %q, want %q", got, CodeUnknown)
	}
}

func TestMessageOfHidesForeignErrors(t *testing.T) {
	if got := MessageOf(stderrors.New("redis: connection pool timeout")); got != "internal error" {
		t.Fatalf("MessageOf = %q, want %q", got, "internal error")
	}
	wrapped := WrapWithMetadata(CodeUnavailable, "presence unavailable", map[string]string{"room_id": "general"}, stderrors.New("boom"))
	if got := MessageOf(wrapped); got != "presence unavailable" {
		t.Fatalf("MessageOf = %q, want %q", got, "presence unavailable")
	}
	if wrapped.Metadata["room_id"] != "general" {
		t.Fatalf("metadata room_id = %q, want general", wrapped.Metadata["room_id"])
	}
}

func TestCodeRetryable(t *testing.T) {
	if !CodeUnavailable.Retryable() {
		t.Fatal("expected UNAVAILABLE to be retryable")
	}
	if CodeInvalidArgument.Retryable() {
		t.Fatal("expected INVALID_ARGUMENT to be terminal")
	}
}
