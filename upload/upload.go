// Package upload implements the NDT7 upload phase client: a send-dominant
// WebSocket producer with an adaptive send buffer, a hard measurement
// deadline, server-sent measurement ingestion, and the same tear-down
// guarantees as the download phase client.
package upload

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/ndt7-client-go/internal/params"
	"github.com/m-lab/ndt7-client-go/internal/wsclassify"
	"github.com/m-lab/ndt7-client-go/spec"
)

// Config configures a single upload-phase attempt.
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
	// locally computed throughput sample, based on total_bytes_sent.
	OnProgress func(spec.MeasurementProgress)
	// OnMeasurement is invoked off the I/O path for every successfully
	// decoded server-reported measurement.
	OnMeasurement func(spec.Measurement)

	// Logger defaults to log.Default() when nil.
	Logger *log.Logger
}

// Client runs one upload-phase attempt against one server URL. A Client is
// used exactly once: construct a fresh one per attempt.
type Client struct {
	config Config
	logger *log.Logger
	rnd    *rand.Rand

	stopOnce sync.Once
	stopCh   chan struct{}

	totalBytesSent atomic.Int64
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
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh: make(chan struct{}),
	}
}

// Stop cooperatively aborts the phase. Idempotent.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// Start dials the WebSocket, runs the upload phase to completion, and
// returns the terminal result.
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

// makeMessage returns a websocket.PreparedMessage of the requested size
// filled with bytes from this Client's randomness source. Messages are
// prepared up front so the hot send loop does not re-marshal on every
// write.
func (c *Client) makeMessage(size int) (*websocket.PreparedMessage, error) {
	data := make([]byte, size)
	c.rnd.Read(data)
	return websocket.NewPreparedMessage(websocket.BinaryMessage, data)
}

// senderLoop writes BINARY frames until stopSending is closed or a write
// fails. conn.WritePreparedMessage blocks until the kernel write buffer has
// room, which is the backpressure mechanism: the loop never queues frames
// of its own, so it cannot busy-wait or queue unboundedly.
func (c *Client) senderLoop(conn *websocket.Conn, stopSending <-chan struct{}, errCh chan<- error) {
	size := params.MinMessageSize
	msg, err := c.makeMessage(size)
	if err != nil {
		errCh <- err
		return
	}
	for {
		select {
		case <-stopSending:
			return
		default:
		}
		if err := conn.WritePreparedMessage(msg); err != nil {
			errCh <- err
			return
		}
		sent := c.totalBytesSent.Add(int64(size))
		if size < params.MaxMessageSize && sent >= int64(params.ScaleFactor*size) {
			size *= 2
			if size > params.MaxMessageSize {
				size = params.MaxMessageSize
			}
			msg, err = c.makeMessage(size)
			if err != nil {
				errCh <- err
				return
			}
		}
	}
}

func (c *Client) receiveLoop(conn *websocket.Conn, measurementsCh chan<- spec.Measurement, errCh chan<- error) {
	for {
		kind, r, err := conn.NextReader()
		if err != nil {
			errCh <- err
			return
		}
		if kind != websocket.TextMessage {
			io.Copy(io.Discard, r)
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil {
			errCh <- err
			return
		}
		var m spec.Measurement
		if err := json.Unmarshal(data, &m); err != nil {
			c.logger.Debug("failed to decode measurement", "err", err)
			continue
		}
		measurementsCh <- m
	}
}

func (c *Client) runLoop(ctx context.Context, conn *websocket.Conn, duration time.Duration) (spec.PhaseResult, error) {
	measurementsCh := make(chan spec.Measurement, 8)
	errCh := make(chan error, 2)

	senderStop := make(chan struct{})
	var senderStopOnce sync.Once
	stopSender := func() { senderStopOnce.Do(func() { close(senderStop) }) }
	defer stopSender()

	go c.receiveLoop(conn, measurementsCh, errCh)
	go c.senderLoop(conn, senderStop, errCh)

	start := time.Now()

	deadline := time.NewTimer(duration)
	defer deadline.Stop()

	ticker, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      params.MeasurementReportIntervalMin,
		Expected: params.MeasurementReportInterval,
		Max:      params.MeasurementReportIntervalMax,
	})
	rtx.PanicOnError(err, "ticker creation failed (this should never happen)")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopSender()
			return spec.PhaseResult{
				BytesTransferred: c.totalBytesSent.Load(),
				Terminal:         spec.Terminal{Kind: spec.TerminalCancelled, ErrorKind: spec.KindCancelled},
			}, spec.NewError(spec.KindCancelled, "context cancelled", ctx.Err())

		case <-c.stopCh:
			stopSender()
			return spec.PhaseResult{
				BytesTransferred: c.totalBytesSent.Load(),
				Terminal:         spec.Terminal{Kind: spec.TerminalCancelled, ErrorKind: spec.KindCancelled},
			}, spec.NewError(spec.KindCancelled, "stopped by caller", nil)

		case <-deadline.C:
			stopSender()
			c.closeNormally(conn)
			return spec.PhaseResult{
				BytesTransferred: c.totalBytesSent.Load(),
				Terminal:         spec.Terminal{Kind: spec.TerminalTimeout},
			}, nil

		case <-ticker.C:
			if c.config.OnProgress != nil {
				c.config.OnProgress(spec.ProgressFrom(start, c.totalBytesSent.Load(), spec.DirectionUpload))
			}

		case m := <-measurementsCh:
			if c.config.OnMeasurement != nil {
				c.config.OnMeasurement(m)
			}

		case err := <-errCh:
			stopSender()
			return c.classifyTerminal(err)
		}
	}
}

func (c *Client) classifyTerminal(err error) (spec.PhaseResult, error) {
	bytesSent := c.totalBytesSent.Load()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return spec.PhaseResult{
			BytesTransferred: bytesSent,
			Terminal:         spec.Terminal{Kind: spec.TerminalNormalClose},
		}, nil
	}
	classified := wsclassify.Classify(err)
	kind := spec.TerminalTransportError
	if classified.IsProtocol() {
		kind = spec.TerminalProtocolError
	}
	return spec.PhaseResult{
		BytesTransferred: bytesSent,
		Terminal:         spec.Terminal{Kind: kind, ErrorKind: classified.Kind},
	}, classified
}

func (c *Client) closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		c.logger.Debug("failed to write close control frame", "err", err)
	}
}
