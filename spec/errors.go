package spec

import "fmt"

// ErrorKind enumerates the error taxonomy of §7. These are kinds, not
// concrete types: every failure in the client surfaces as an *Error
// carrying one of these.
type ErrorKind string

const (
	// KindInvalidTestURL: URL missing or malformed for the chosen mode.
	KindInvalidTestURL ErrorKind = "invalid_test_url"
	// KindTestServersOutOfCapacity: locator returned empty results.
	KindTestServersOutOfCapacity ErrorKind = "test_servers_out_of_capacity"
	// KindRateLimited: locator signaled quota exceeded (HTTP 429).
	KindRateLimited ErrorKind = "rate_limited"
	// KindNetworkError: locator request failed for any other non-2xx reason.
	KindNetworkError ErrorKind = "network_error"
	// KindTestFailed: catch-all for phase-level failures, e.g. no data
	// received.
	KindTestFailed ErrorKind = "test_failed"
	// KindProtocolUnknownControl: an unknown WebSocket control opcode.
	KindProtocolUnknownControl ErrorKind = "protocol_unknown_control"
	// KindProtocolInvalidReservedBits: reserved bits were set on a frame.
	KindProtocolInvalidReservedBits ErrorKind = "protocol_invalid_reserved_bits"
	// KindProtocolFragmentedControl: a control frame arrived fragmented.
	KindProtocolFragmentedControl ErrorKind = "protocol_fragmented_control_frame"
	// KindProtocolHandshakeRejected: the WebSocket handshake was refused.
	KindProtocolHandshakeRejected ErrorKind = "protocol_handshake_rejected"
	// KindTransport: a TCP/TLS-level error, presumed transient.
	KindTransport ErrorKind = "transport_error"
	// KindCancelled: the user cancelled the phase.
	KindCancelled ErrorKind = "cancelled"
	// KindNoServersAvailable: the retry driver was invoked with an empty
	// server list.
	KindNoServersAvailable ErrorKind = "no_servers_available"
	// KindAllServersFailed: every server in the ranked list failed and no
	// more specific error was captured.
	KindAllServersFailed ErrorKind = "all_servers_failed"
)

// IsProtocol reports whether this kind indicates a structural WebSocket
// incompatibility for which retrying the same server is pointless (§4.C.2.d).
func (k ErrorKind) IsProtocol() bool {
	switch k {
	case KindProtocolUnknownControl, KindProtocolInvalidReservedBits, KindProtocolFragmentedControl:
		return true
	default:
		return false
	}
}

// Error is the concrete error type carrying an ErrorKind, a human-readable
// reason, and an optional wrapped cause.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

// NewError builds an *Error. cause may be nil.
func NewError(kind ErrorKind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsProtocol reports whether this error's kind is a protocol-level error
// (see ErrorKind.IsProtocol).
func (e *Error) IsProtocol() bool {
	return e.Kind.IsProtocol()
}
