// Package errors provides structured error handling for the chat relay.
package errors

// Code is a machine-readable error code.
//
// Codes double as the `code` field of websocket error frames, so their
// string values are part of the client contract.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeInvalidArgument marks a malformed or incomplete client event.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// CodeUnavailable marks a backing store or fan-out backbone failure.
	CodeUnavailable Code = "UNAVAILABLE"

	// CodeResourceExhausted marks a transport rate-limit rejection.
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
)

// Retryable reports whether a client may reasonably resend the same event.
func (c Code) Retryable() bool {
	return c == CodeUnavailable
}
