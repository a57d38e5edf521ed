// Package spec contains the data model shared by every ndt7 client
// component: server descriptors, the locally computed measurement record,
// the server-reported measurement, phase results, and the error taxonomy.
package spec

import (
	"encoding/json"
	"fmt"
	"time"
)

// DownloadPath is the canonical ndt7 download subtest path.
const DownloadPath = "/ndt/v7/download"

// UploadPath is the canonical ndt7 upload subtest path.
const UploadPath = "/ndt/v7/upload"

// SecWebSocketProtocol is the value of the Sec-WebSocket-Protocol header
// used during the WebSocket handshake, as required by the ndt7 protocol.
const SecWebSocketProtocol = "net.measurementlab.ndt.v7"

// DeviceNameHeader is the HTTP header used to convey an optional device
// name to the server on the opening handshake.
const DeviceNameHeader = "X-Device-Name"

// Location describes the approximate physical location of a TestServer.
type Location struct {
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
}

// ServerURLs holds the four absolute WebSocket URLs a locator returns for a
// given TestServer. Exactly one of the Secure/Insecure pair is used for a
// given ConnectionMode.
type ServerURLs struct {
	DownloadSecure   string `json:"downloadSecure,omitempty"`
	UploadSecure     string `json:"uploadSecure,omitempty"`
	DownloadInsecure string `json:"downloadInsecure,omitempty"`
	UploadInsecure   string `json:"uploadInsecure,omitempty"`
}

// TestServer is an immutable descriptor of one measurement server, as
// returned by the locator. Once constructed it is never mutated.
type TestServer struct {
	Machine  string     `json:"machine"`
	Location Location   `json:"location"`
	URLs     ServerURLs `json:"urls"`
}

// URLForPhase returns the absolute WebSocket URL to use for the given
// ConnectionMode and Direction. It returns an *Error of kind
// KindInvalidTestURL when the corresponding field is empty.
func (s TestServer) URLForPhase(mode ConnectionMode, direction Direction) (string, error) {
	var u string
	switch {
	case mode == Secure && direction == DirectionDownload:
		u = s.URLs.DownloadSecure
	case mode == Secure && direction == DirectionUpload:
		u = s.URLs.UploadSecure
	case mode == Insecure && direction == DirectionDownload:
		u = s.URLs.DownloadInsecure
	case mode == Insecure && direction == DirectionUpload:
		u = s.URLs.UploadInsecure
	default:
		return "", NewError(KindInvalidTestURL,
			fmt.Sprintf("unknown connection mode/direction combination: %v/%v", mode, direction), nil)
	}
	if u == "" {
		return "", NewError(KindInvalidTestURL,
			fmt.Sprintf("server %s has no URL for mode=%v direction=%v", s.Machine, mode, direction), nil)
	}
	return u, nil
}

// TestType selects which phase(s) a session runs.
type TestType int

const (
	// Download runs the download phase only.
	Download TestType = iota
	// Upload runs the upload phase only.
	Upload
	// DownloadThenUpload runs download followed by upload.
	DownloadThenUpload
)

func (t TestType) String() string {
	switch t {
	case Download:
		return "download"
	case Upload:
		return "upload"
	case DownloadThenUpload:
		return "download-then-upload"
	default:
		return "unknown"
	}
}

// ConnectionMode selects which pair of a TestServer's URLs is used.
type ConnectionMode int

const (
	// Secure selects the wss:// URLs. This is the default.
	Secure ConnectionMode = iota
	// Insecure selects the ws:// URLs.
	Insecure
)

func (m ConnectionMode) String() string {
	if m == Insecure {
		return "insecure"
	}
	return "secure"
}

// Direction identifies which phase a sample belongs to. Note: this is
// distinct from TestType, which also has a "both" option.
type Direction int

const (
	// DirectionDownload marks a download-phase sample.
	DirectionDownload Direction = iota
	// DirectionUpload marks an upload-phase sample.
	DirectionUpload
)

func (d Direction) String() string {
	if d == DirectionUpload {
		return "upload"
	}
	return "download"
}

// MarshalJSON renders a Direction the way ndt7 wire messages spell it out.
func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// MeasurementProgress is the locally computed sample a phase client emits
// at a bounded rate. It is pure data: produced by ProgressFrom, never
// mutated afterwards.
type MeasurementProgress struct {
	Elapsed             time.Duration `json:"elapsed_ns"`
	NumBytes            int64         `json:"num_bytes"`
	Direction           Direction     `json:"direction"`
	MeanThroughputMbps  float64       `json:"mean_throughput_mbps"`
}

// ProgressFrom computes a MeasurementProgress sample. It is pure: no
// mutation, no I/O.
func ProgressFrom(start time.Time, numBytes int64, direction Direction) MeasurementProgress {
	elapsed := time.Since(start)
	var mbps float64
	if elapsed > 0 {
		mbps = (float64(numBytes) * 8) / (float64(elapsed) / 1e9) / 1e6
	}
	return MeasurementProgress{
		Elapsed:            elapsed,
		NumBytes:           numBytes,
		Direction:          direction,
		MeanThroughputMbps: mbps,
	}
}

// AppInfo is the only part of a server-reported Measurement the core relies
// on: the application-level byte count and elapsed time (in microseconds).
type AppInfo struct {
	NumBytes    int64 `json:"num_bytes"`
	ElapsedTime int64 `json:"elapsed_time"`
}

// Measurement is the server-reported SpeedTestMeasurement, decoded from a
// TEXT WebSocket frame. The decoder tolerates unknown fields: every field
// besides AppInfo is kept as raw JSON, since the core never inspects them.
type Measurement struct {
	AppInfo        AppInfo         `json:"app_info"`
	ConnectionInfo json.RawMessage `json:"connection_info,omitempty"`
	TCPInfo        json.RawMessage `json:"tcp_info,omitempty"`
	BBRInfo        json.RawMessage `json:"bbr_info,omitempty"`
	Origin         string          `json:"origin,omitempty"`
	Test           string          `json:"test,omitempty"`
}

// TerminalKind is one of the mutually-exclusive ways a phase ends: the
// three terminal conditions (normal close, timeout, protocol or transport
// error) or cancellation.
type TerminalKind int

const (
	// TerminalNormalClose: the server closed the connection normally.
	TerminalNormalClose TerminalKind = iota
	// TerminalTimeout: the measurement duration elapsed.
	TerminalTimeout
	// TerminalProtocolError: a structural WebSocket error occurred.
	TerminalProtocolError
	// TerminalTransportError: a TCP/TLS-level error occurred.
	TerminalTransportError
	// TerminalCancelled: the user called Stop/cancel.
	TerminalCancelled
)

func (k TerminalKind) String() string {
	switch k {
	case TerminalNormalClose:
		return "normal_close"
	case TerminalTimeout:
		return "timeout"
	case TerminalProtocolError:
		return "protocol_error"
	case TerminalTransportError:
		return "transport_error"
	case TerminalCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal records how the phase ended (see TerminalKind), plus the
// ErrorKind classification when applicable.
type Terminal struct {
	Kind      TerminalKind
	ErrorKind ErrorKind
}

// PhaseResult is the outcome of one phase-client attempt.
type PhaseResult struct {
	BytesTransferred int64
	Terminal         Terminal
}

// Success reports whether this result should be treated as a successful
// attempt by the retry driver (§4.C.2.b/c): a normal close or a
// client-initiated timeout, both with at least one byte transferred.
func (r PhaseResult) Success() bool {
	ok := r.Terminal.Kind == TerminalNormalClose || r.Terminal.Kind == TerminalTimeout
	return ok && r.BytesTransferred > 0
}
