// Package download implements the NDT7 download phase client: a
// receive-only WebSocket consumer with a hard measurement deadline, a
// bounded-rate progress emitter, and correct tear-down under all three
// terminal conditions.
package download

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/ndt7-client-go/internal/params"
	"github.com/m-lab/ndt7-client-go/internal/wsclassify"
	"github.com/m-lab/ndt7-client-go/spec"
)

// Config configures a single download-phase attempt.
type Config struct {
	// URL is the absolute wss://|ws:// URL to dial.
	URL string
	// DeviceName, if non-empty, is attached as the X-Device-Name header.
	DeviceName string
	// Duration is the measurement window. Defaults to
	// params.DefaultMeasurementDuration when zero.
	Duration time.Duration
	// UserAgent is sent as the HTTP User-Agent header.
	UserAgent string
	// Dialer, if nil, defaults to a *websocket.Dialer with
	// params.WebSocketHandshakeTimeout.
	Dialer *websocket.Dialer

	// OnProgress is invoked off the I/O path at a bounded rate with the
	// locally computed throughput sample.
	OnProgress func(spec.MeasurementProgress)
	// OnMeasurement is invoked off the I/O path for every successfully
	// decoded server-reported measurement.
	OnMeasurement func(spec.Measurement)

	// Logger defaults to log.Default() when nil.
	Logger *log.Logger
}

// Client runs one download-phase attempt against one server URL. A Client
// is used exactly once: construct a fresh one per attempt.
type Client struct {
	config Config
	logger *log.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New returns a Client ready to Start.
func New(config Config) *Client {
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Stop cooperatively aborts the phase. Idempotent; safe to call before,
// during, or after Start.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

type frame struct {
	numBytes    int64
	measurement *spec.Measurement
}

// Start dials the WebSocket, runs the download phase to completion, and
// returns the terminal result. Start suspends until a terminal condition
// fires; the single-shot latch is the fact that Start returns exactly once
// and every terminal path returns through this one function.
func (c *Client) Start(ctx context.Context) (spec.PhaseResult, error) {
	headers := http.Header{}
	headers.Set("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	if c.config.UserAgent != "" {
		headers.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.DeviceName != "" {
		headers.Set(spec.DeviceNameHeader, c.config.DeviceName)
	}

	dialer := c.config.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: params.WebSocketHandshakeTimeout}
	}

	conn, _, err := dialer.DialContext(ctx, c.config.URL, headers)
	if err != nil {
		classified := wsclassify.Classify(err)
		kind := spec.TerminalTransportError
		if classified.Kind == spec.KindProtocolHandshakeRejected {
			kind = spec.TerminalProtocolError
		}
		return spec.PhaseResult{
			Terminal: spec.Terminal{Kind: kind, ErrorKind: classified.Kind},
		}, classified
	}
	defer conn.Close()
	conn.SetReadLimit(params.MaxFrameSize)

	duration := c.config.Duration
	if duration <= 0 {
		duration = params.DefaultMeasurementDuration
	}

	return c.runLoop(ctx, conn, duration)
}

func (c *Client) readLoop(conn *websocket.Conn, framesCh chan<- frame, errCh chan<- error) {
	for {
		kind, r, err := conn.NextReader()
		if err != nil {
			errCh <- err
			return
		}
		switch kind {
		case websocket.TextMessage:
			data, err := io.ReadAll(r)
			if err != nil {
				errCh <- err
				return
			}
			var m spec.Measurement
			if err := json.Unmarshal(data, &m); err != nil {
				// Decode failures are logged and otherwise ignored: they
				// never abort the phase.
				c.logger.Debug("failed to decode measurement", "err", err)
				continue
			}
			framesCh <- frame{numBytes: int64(len(data)), measurement: &m}
		case websocket.BinaryMessage:
			n, err := io.Copy(io.Discard, r)
			if err != nil {
				errCh <- err
				return
			}
			framesCh <- frame{numBytes: n}
		}
	}
}

func (c *Client) runLoop(ctx context.Context, conn *websocket.Conn, duration time.Duration) (spec.PhaseResult, error) {
	framesCh := make(chan frame, 8)
	errCh := make(chan error, 1)
	go c.readLoop(conn, framesCh, errCh)

	start := time.Now()

	deadline := time.NewTimer(duration)
	defer deadline.Stop()

	earlyTimer := time.NewTimer(params.EarlyFailureTimeout)
	defer earlyTimer.Stop()
	earlyCh := earlyTimer.C

	ticker, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      params.MeasurementReportIntervalMin,
		Expected: params.MeasurementReportInterval,
		Max:      params.MeasurementReportIntervalMax,
	})
	// Min/Expected/Max are fixed constants; this can only fail on
	// programmer error, so panic instead of plumbing another error path.
	rtx.PanicOnError(err, "ticker creation failed (this should never happen)")
	defer ticker.Stop()

	var totalBytes int64
	for {
		select {
		case <-ctx.Done():
			return spec.PhaseResult{
				BytesTransferred: totalBytes,
				Terminal:         spec.Terminal{Kind: spec.TerminalCancelled, ErrorKind: spec.KindCancelled},
			}, spec.NewError(spec.KindCancelled, "context cancelled", ctx.Err())

		case <-c.stopCh:
			return spec.PhaseResult{
				BytesTransferred: totalBytes,
				Terminal:         spec.Terminal{Kind: spec.TerminalCancelled, ErrorKind: spec.KindCancelled},
			}, spec.NewError(spec.KindCancelled, "stopped by caller", nil)

		case <-earlyCh:
			// The hardening only fires if the connection has already
			// closed/errored by +2s AND no bytes arrived; a connection
			// that is merely slow to start is left alone.
			select {
			case err := <-errCh:
				if totalBytes == 0 {
					return spec.PhaseResult{
							BytesTransferred: 0,
							Terminal:         spec.Terminal{Kind: spec.TerminalTransportError, ErrorKind: spec.KindTestFailed},
						}, spec.NewError(spec.KindTestFailed,
							"no data received within early-failure window", err)
				}
				return c.classifyTerminal(totalBytes, err)
			default:
				earlyCh = nil
			}

		case <-deadline.C:
			c.closeNormally(conn)
			return spec.PhaseResult{
				BytesTransferred: totalBytes,
				Terminal:         spec.Terminal{Kind: spec.TerminalTimeout},
			}, nil

		case <-ticker.C:
			if c.config.OnProgress != nil {
				c.config.OnProgress(spec.ProgressFrom(start, totalBytes, spec.DirectionDownload))
			}

		case f := <-framesCh:
			totalBytes += f.numBytes
			if f.measurement != nil && c.config.OnMeasurement != nil {
				c.config.OnMeasurement(*f.measurement)
			}

		case err := <-errCh:
			// The reader queues every frame it read before reporting the
			// error, so count those first: bytes that already arrived are
			// never dropped by the terminal path.
			for queued := true; queued; {
				select {
				case f := <-framesCh:
					totalBytes += f.numBytes
					if f.measurement != nil && c.config.OnMeasurement != nil {
						c.config.OnMeasurement(*f.measurement)
					}
				default:
					queued = false
				}
			}
			return c.classifyTerminal(totalBytes, err)
		}
	}
}

func (c *Client) classifyTerminal(totalBytes int64, err error) (spec.PhaseResult, error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return spec.PhaseResult{
			BytesTransferred: totalBytes,
			Terminal:         spec.Terminal{Kind: spec.TerminalNormalClose},
		}, nil
	}
	classified := wsclassify.Classify(err)
	kind := spec.TerminalTransportError
	if classified.IsProtocol() {
		kind = spec.TerminalProtocolError
	}
	return spec.PhaseResult{
		BytesTransferred: totalBytes,
		Terminal:         spec.Terminal{Kind: kind, ErrorKind: classified.Kind},
	}, classified
}

func (c *Client) closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		c.logger.Debug("failed to write close control frame", "err", err)
	}
}
