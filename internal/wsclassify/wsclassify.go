// Package wsclassify turns a raw error returned by the gorilla/websocket
// transport into one of the structural protocol-error kinds the retry driver
// needs to recognize, or reports that the error is not a protocol error.
//
// Classification is structured-first: gorilla/websocket exposes a
// *websocket.CloseError with a numeric close code for clean closes, so an
// unexpected close is detected that way, and a refused handshake is
// recognized by websocket.ErrBadHandshake. For the
// three "structurally incompatible" conditions in the NDT7 spec
// (unknown_control_opcode, invalid_reserved_bits, fragmented_control_frame),
// gorilla/websocket does not expose a typed error — it returns a plain
// *net.OpError-wrapped or bare error built with fmt.Errorf whose message
// contains one of a small set of fixed strings. We fall back to matching
// those strings, as documented in the NDT7 error-handling design: the
// fallback exists to interoperate with WebSocket stacks that do not expose
// structured error codes.
package wsclassify

import (
	"errors"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/m-lab/ndt7-client-go/spec"
)

// substrings gorilla/websocket embeds in the errors it returns for the three
// protocol-level conditions. These come from gorilla/websocket's own
// internal wording and are not expected to change across minor versions,
// but remain a fallback precisely because they are not a documented API.
const (
	unknownControlOpcodeSubstring    = "unknown control frame type"
	invalidReservedBitsSubstring     = "reserved bits"
	fragmentedControlFrameSubstring  = "control frame"
	fragmentedControlFrameSubstring2 = "fragmented"
)

// Classify inspects err and returns a *spec.Error carrying the matching
// ErrorKind. If err does not look like a protocol-level error, Classify
// returns a *spec.Error of kind spec.KindTransport, the catch-all for
// TCP/TLS-level failures presumed transient.
func Classify(err error) *spec.Error {
	if err == nil {
		return nil
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return classifyCloseError(closeErr)
	}

	if errors.Is(err, websocket.ErrBadHandshake) {
		return spec.NewError(spec.KindProtocolHandshakeRejected, "WebSocket handshake refused", err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, unknownControlOpcodeSubstring):
		return spec.NewError(spec.KindProtocolUnknownControl, "unknown control opcode", err)
	case strings.Contains(msg, invalidReservedBitsSubstring):
		return spec.NewError(spec.KindProtocolInvalidReservedBits, "invalid reserved bits", err)
	case strings.Contains(msg, fragmentedControlFrameSubstring) && strings.Contains(msg, fragmentedControlFrameSubstring2):
		return spec.NewError(spec.KindProtocolFragmentedControl, "fragmented control frame", err)
	}

	return spec.NewError(spec.KindTransport, "transport error", err)
}

func classifyCloseError(closeErr *websocket.CloseError) *spec.Error {
	switch closeErr.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		// Not a protocol error: callers check for this case via
		// websocket.IsCloseError before reaching Classify.
		return spec.NewError(spec.KindTransport, "close", closeErr)
	case websocket.CloseProtocolError:
		return spec.NewError(spec.KindProtocolInvalidReservedBits, "protocol error close", closeErr)
	default:
		return spec.NewError(spec.KindTransport, "unexpected close", closeErr)
	}
}

// IsProtocol is a convenience wrapper reporting whether err classifies as a
// protocol-level error under the rules in Classify.
func IsProtocol(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).IsProtocol()
}
