// Package telemetry exposes the client-side operational counters emitted
// during a measurement session: phase attempts, retries, protocol errors,
// and bytes transferred, all in the same prometheus.CounterVec idiom the
// teacher's server-side handler uses.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PhaseAttemptsTotal counts every attempt a phase client makes,
	// labeled by direction (download/upload) and the terminal outcome.
	PhaseAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ndt7_client",
			Subsystem: "phase",
			Name:      "attempts_total",
			Help:      "Number of phase-client attempts, by direction and terminal outcome.",
		},
		[]string{"direction", "outcome"},
	)

	// ServerRetriesTotal counts inter-attempt retries against the same
	// server, labeled by direction.
	ServerRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ndt7_client",
			Subsystem: "phase",
			Name:      "server_retries_total",
			Help:      "Number of retries against the same server before moving on or succeeding.",
		},
		[]string{"direction"},
	)

	// ServerSkipsTotal counts server-to-server failovers triggered by a
	// structural protocol error, labeled by direction.
	ServerSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ndt7_client",
			Subsystem: "phase",
			Name:      "server_skips_total",
			Help:      "Number of times a protocol error caused the driver to skip to the next server.",
		},
		[]string{"direction"},
	)

	// BytesTransferredTotal accumulates application bytes transferred by
	// successful phases, labeled by direction. Bytes moved by attempts
	// that failed are not counted.
	BytesTransferredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ndt7_client",
			Subsystem: "phase",
			Name:      "bytes_transferred_total",
			Help:      "Application bytes transferred, by direction.",
		},
		[]string{"direction"},
	)

	// LocateRequestsTotal counts calls to the locate service, labeled by
	// outcome (success, rate_limited, test_servers_out_of_capacity,
	// network_error).
	LocateRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ndt7_client",
			Subsystem: "locate",
			Name:      "requests_total",
			Help:      "Number of locate service requests, by outcome.",
		},
		[]string{"outcome"},
	)
)
