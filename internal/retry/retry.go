// Package retry implements the retry & failover driver (component C): it
// runs a phase against a ranked list of servers with bounded per-server
// retries and immediate skip-to-next-server on structural protocol errors.
package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/m-lab/ndt7-client-go/internal/params"
	"github.com/m-lab/ndt7-client-go/internal/telemetry"
	"github.com/m-lab/ndt7-client-go/spec"
)

// PhaseRunner is the interface satisfied by download.Client and
// upload.Client: one attempt against one server URL.
type PhaseRunner interface {
	Start(ctx context.Context) (spec.PhaseResult, error)
	Stop()
}

// NewRunnerFunc constructs a fresh PhaseRunner for one attempt against url.
type NewRunnerFunc func(url string) PhaseRunner

// Driver runs a phase against a ranked server list. One Driver is used for
// one phase invocation but can be reused sequentially (e.g. download then
// upload), since it holds no per-phase state besides the currently active
// runner, the cancellation latch and the used server, the latter two reset
// at the start of every Run call.
type Driver struct {
	logger *log.Logger

	mu         sync.Mutex
	current    PhaseRunner
	usedServer string
	cancelled  bool
	cancelCh   chan struct{}
}

// NewDriver returns a Driver. logger defaults to log.Default() when nil.
func NewDriver(logger *log.Logger) *Driver {
	if logger == nil {
		logger = log.Default()
	}
	return &Driver{logger: logger, cancelCh: make(chan struct{})}
}

// Cancel stops whichever PhaseRunner is currently active, if any, and
// latches cancellation for the in-progress Run call so that a request
// arriving during the inter-attempt delay (when no PhaseRunner is active)
// is not dropped: runServer and sleep both observe the latch. Safe to call
// at any time, including when no phase is active; the driver does not block
// on tear-down.
func (d *Driver) Cancel() {
	d.mu.Lock()
	r := d.current
	if !d.cancelled {
		d.cancelled = true
		close(d.cancelCh)
	}
	d.mu.Unlock()
	if r != nil {
		r.Stop()
	}
}

func (d *Driver) setCurrent(r PhaseRunner) {
	d.mu.Lock()
	d.current = r
	d.mu.Unlock()
}

// resetCancellation starts a fresh cancellation generation for a new Run
// call, so a Cancel left over from a previous, already-completed phase
// doesn't leak into the next one run against this (reused) Driver.
func (d *Driver) resetCancellation() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = false
	d.cancelCh = make(chan struct{})
	return d.cancelCh
}

// UsedServer returns the machine name of the server that produced the
// successful PhaseResult of the most recent Run call, separate from
// whichever server the orchestrator originally selected: the driver may have
// failed over past it. Empty while no Run has been made or when the most
// recent Run did not succeed.
func (d *Driver) UsedServer() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usedServer
}

// Run executes the algorithm of §4.C: for each server in rank order, resolve
// its URL for (mode, direction), then attempt up to params.MaxRetries times,
// waiting params.InterAttemptDelay between attempts against the same server.
// A structural protocol error aborts retries for that server and moves on
// immediately. Run returns the first successful PhaseResult, or the last
// observed error if every server was exhausted.
func (d *Driver) Run(ctx context.Context, servers []spec.TestServer, mode spec.ConnectionMode,
	direction spec.Direction, newRunner NewRunnerFunc) (spec.PhaseResult, error) {

	d.mu.Lock()
	d.usedServer = ""
	d.mu.Unlock()

	if len(servers) == 0 {
		return spec.PhaseResult{}, spec.NewError(spec.KindNoServersAvailable, "no servers to try", nil)
	}

	cancelCh := d.resetCancellation()

	var lastErr error
	for _, server := range servers {
		url, err := server.URLForPhase(mode, direction)
		if err != nil {
			lastErr = err
			d.logger.Debug("invalid URL for server, skipping", "machine", server.Machine, "err", err)
			continue
		}

		result, err := d.runServer(ctx, cancelCh, url, server.Machine, direction, newRunner)
		if err == nil {
			telemetry.BytesTransferredTotal.WithLabelValues(direction.String()).Add(float64(result.BytesTransferred))
			d.mu.Lock()
			d.usedServer = server.Machine
			d.mu.Unlock()
			return result, nil
		}
		lastErr = err

		var sErr *spec.Error
		if errors.As(err, &sErr) && sErr.Kind == spec.KindCancelled {
			return result, err
		}
	}

	if lastErr == nil {
		lastErr = spec.NewError(spec.KindAllServersFailed, "all servers failed with no captured error", nil)
	}
	return spec.PhaseResult{}, lastErr
}

// runServer runs up to params.MaxRetries attempts against one server URL.
// It returns a successful result with a nil error, or the last error
// observed against this server (including a protocol error that caused an
// early skip).
func (d *Driver) runServer(ctx context.Context, cancelCh <-chan struct{}, url, machine string, direction spec.Direction,
	newRunner NewRunnerFunc) (spec.PhaseResult, error) {
	var lastErr error
	for attempt := 0; attempt < params.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return spec.PhaseResult{}, spec.NewError(spec.KindCancelled, "context cancelled", ctx.Err())
		case <-cancelCh:
			return spec.PhaseResult{}, spec.NewError(spec.KindCancelled, "cancelled by caller", nil)
		default:
		}

		runner := newRunner(url)
		d.setCurrent(runner)
		result, err := runner.Start(ctx)
		d.setCurrent(nil)

		if result.Success() {
			telemetry.PhaseAttemptsTotal.WithLabelValues(direction.String(), "success").Inc()
			return result, nil
		}

		if err == nil {
			// "Successful" completion with zero bytes transferred:
			// retryable per §4.C.2.c.
			lastErr = spec.NewError(spec.KindTestFailed, "no data received", nil)
			telemetry.PhaseAttemptsTotal.WithLabelValues(direction.String(), "no_data").Inc()
			d.logger.Debug("no data received, retrying", "machine", machine, "attempt", attempt+1)
		} else {
			lastErr = err
			var sErr *spec.Error
			if errors.As(err, &sErr) {
				if sErr.Kind == spec.KindCancelled {
					telemetry.PhaseAttemptsTotal.WithLabelValues(direction.String(), "cancelled").Inc()
					return result, err
				}
				if sErr.IsProtocol() {
					telemetry.PhaseAttemptsTotal.WithLabelValues(direction.String(), "protocol_error").Inc()
					telemetry.ServerSkipsTotal.WithLabelValues(direction.String()).Inc()
					d.logger.Debug("protocol error, moving to next server",
						"machine", machine, "attempt", attempt+1, "err", err)
					return result, err
				}
			}
			telemetry.PhaseAttemptsTotal.WithLabelValues(direction.String(), "error").Inc()
			d.logger.Debug("attempt failed, retrying", "machine", machine, "attempt", attempt+1, "err", err)
		}

		if attempt < params.MaxRetries-1 {
			telemetry.ServerRetriesTotal.WithLabelValues(direction.String()).Inc()
			if !d.sleep(ctx, cancelCh, params.InterAttemptDelay) {
				return spec.PhaseResult{}, spec.NewError(spec.KindCancelled, "cancelled during inter-attempt delay", nil)
			}
		}
	}
	return spec.PhaseResult{}, lastErr
}

// sleep waits out delay, or returns early (false) on context cancellation or
// a Cancel call latched via cancelCh. The inter-attempt delay is the one
// point in runServer where d.current is nil, so Cancel alone (without also
// cancelling ctx) would otherwise go unnoticed here.
func (d *Driver) sleep(ctx context.Context, cancelCh <-chan struct{}, delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-cancelCh:
		return false
	case <-t.C:
		return true
	}
}
