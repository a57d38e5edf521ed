// Package params collects the tunable constants shared by every component of
// the client: frame size limits, timing budgets, and retry counts.
package params

import "time"

const (
	// MaxFrameSize is the upper bound on incoming WebSocket frames.
	MaxFrameSize = 1 << 24 // 16 MiB

	// MinNonFinalFragmentSize is the minimum size of a non-final fragment of
	// a fragmented WebSocket message.
	MinNonFinalFragmentSize = 1 << 10

	// MeasurementReportInterval is the canonical NDT7 progress cadence.
	MeasurementReportInterval = 250 * time.Millisecond

	// MeasurementReportIntervalMin and MeasurementReportIntervalMax bound
	// the jitter applied around MeasurementReportInterval so that
	// concurrently running phases do not sample in lockstep.
	MeasurementReportIntervalMin = 200 * time.Millisecond
	MeasurementReportIntervalMax = 300 * time.Millisecond

	// EarlyFailureTimeout is the auxiliary timer the download client uses
	// to shorten the user-visible failure path when a server refuses the
	// session outright.
	EarlyFailureTimeout = 2 * time.Second

	// DefaultMeasurementDuration is the per-phase timeout used when the
	// caller does not specify one explicitly.
	DefaultMeasurementDuration = 10 * time.Second

	// MinMessageSize is the initial and minimum upload send-buffer size.
	MinMessageSize = 1 << 13 // 8 KiB

	// MaxMessageSize is the maximum upload send-buffer size.
	MaxMessageSize = 1 << 24 // 16 MiB

	// ScaleFactor is the NDT7-recommended doubling criterion: the buffer
	// doubles once total_bytes_sent >= ScaleFactor * len(send_buffer).
	ScaleFactor = 16

	// MaxRetries is R in the retry & failover driver: the number of
	// attempts made against a single server before moving on.
	MaxRetries = 3

	// InterAttemptDelay is the pause between attempts against the same
	// server. It is skipped before the first attempt, after the last
	// attempt, and when moving to the next server.
	InterAttemptDelay = 2 * time.Second

	// WebSocketHandshakeTimeout bounds the opening WebSocket handshake.
	WebSocketHandshakeTimeout = 5 * time.Second
)
