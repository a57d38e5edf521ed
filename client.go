// Package ndt7 implements the session orchestrator (component D): it
// discovers measurement servers via the M-Lab locate service, then runs the
// requested download and/or upload phases against them through the retry
// and failover driver.
package ndt7

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/m-lab/ndt7-client-go/download"
	"github.com/m-lab/ndt7-client-go/internal/params"
	"github.com/m-lab/ndt7-client-go/internal/retry"
	"github.com/m-lab/ndt7-client-go/locate"
	"github.com/m-lab/ndt7-client-go/spec"
	"github.com/m-lab/ndt7-client-go/upload"
)

const (
	libraryName    = "ndt7-client-go"
	libraryVersion = "1.0.0"

	// locateService is the service name this client asks the locate API
	// for; M-Lab's ndt7 service registration.
	locateService = "ndt/ndt7"
)

// makeUserAgent creates the user agent string sent on every HTTP and
// WebSocket handshake this client makes.
func makeUserAgent(clientName, clientVersion string) string {
	return clientName + "/" + clientVersion + " " + libraryName + "/" + libraryVersion
}

// Client is the ndt7 session orchestrator. Construct with NewClient, set
// any of the five callbacks, then call Start.
type Client struct {
	// ClientName is the name of the software running ndt7 tests. Set by
	// NewClient; required to be non-empty.
	ClientName string
	// ClientVersion is the version of the software running ndt7 tests. Set
	// by NewClient; required to be non-empty.
	ClientVersion string

	// OnServerSelected is invoked once discovery completes, with the
	// server the orchestrator will use. Per the source this client is
	// modeled on, this is always the first discovery result, even when the
	// retry driver later fails over to a later server in the ranked list.
	OnServerSelected func(spec.TestServer)
	// OnDownloadProgress is invoked off the I/O path during the download
	// phase, at a bounded rate.
	OnDownloadProgress func(spec.MeasurementProgress)
	// OnDownloadMeasurement is invoked off the I/O path for every decoded
	// server-reported measurement during the download phase.
	OnDownloadMeasurement func(spec.Measurement)
	// OnUploadProgress is invoked off the I/O path during the upload
	// phase, at a bounded rate.
	OnUploadProgress func(spec.MeasurementProgress)
	// OnUploadMeasurement is invoked off the I/O path for every decoded
	// server-reported measurement during the upload phase.
	OnUploadMeasurement func(spec.Measurement)

	logger  *log.Logger
	locator locate.Locator
	dialer  *websocket.Dialer
	driver  *retry.Driver

	mu                 sync.Mutex
	selectedServer     *spec.TestServer
	lastDownload       spec.PhaseResult
	lastUpload         spec.PhaseResult
	usedDownloadServer string
	usedUploadServer   string
}

// Option configures a Client constructed by NewClient.
type Option func(*Client)

// WithLogger overrides the client's logger. Defaults to log.Default().
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithLocator overrides the locate.Locator used for server discovery.
// Useful in tests to substitute a fake that does not hit the network.
func WithLocator(locator locate.Locator) Option {
	return func(c *Client) { c.locator = locator }
}

// WithDialer overrides the *websocket.Dialer used by every phase client.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = dialer }
}

// NewClient returns a new Client. It panics if clientName or clientVersion
// are empty, mirroring the precondition the teacher's own constructor
// enforces.
func NewClient(clientName, clientVersion string, opts ...Option) *Client {
	if clientName == "" || clientVersion == "" {
		panic("client name and version must be non-empty")
	}
	c := &Client{
		ClientName:    clientName,
		ClientVersion: clientVersion,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	if c.locator == nil {
		c.locator = locate.NewHTTPLocator(makeUserAgent(clientName, clientVersion))
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{HandshakeTimeout: params.WebSocketHandshakeTimeout}
	}
	c.driver = retry.NewDriver(c.logger)
	return c
}

// Start performs discovery, stores the first returned server as the
// selected server, emits OnServerSelected if set, then invokes the retry
// driver for the requested phase(s). For DownloadThenUpload, the two phases
// run sequentially; a failure in the first aborts the second.
func (c *Client) Start(ctx context.Context, testType spec.TestType, mode spec.ConnectionMode,
	duration time.Duration, deviceName string) error {

	c.mu.Lock()
	c.lastDownload, c.lastUpload = spec.PhaseResult{}, spec.PhaseResult{}
	c.usedDownloadServer, c.usedUploadServer = "", ""
	c.mu.Unlock()

	servers, err := c.locator.Nearest(ctx, locateService)
	if err != nil {
		return err
	}

	selected := servers[0]
	c.mu.Lock()
	c.selectedServer = &selected
	c.mu.Unlock()
	if c.OnServerSelected != nil {
		c.OnServerSelected(selected)
	}

	mid := uuid.NewString()

	if testType == spec.Download || testType == spec.DownloadThenUpload {
		result, err := c.runPhase(ctx, servers, mode, spec.DirectionDownload, duration, deviceName, mid)
		c.mu.Lock()
		c.lastDownload = result
		c.usedDownloadServer = c.driver.UsedServer()
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("download phase failed: %w", err)
		}
	}

	if testType == spec.Upload || testType == spec.DownloadThenUpload {
		result, err := c.runPhase(ctx, servers, mode, spec.DirectionUpload, duration, deviceName, mid)
		c.mu.Lock()
		c.lastUpload = result
		c.usedUploadServer = c.driver.UsedServer()
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("upload phase failed: %w", err)
		}
	}

	return nil
}

// Cancel signals the currently active phase client to stop. Safe to call
// at any time, including when no phase is active. Cancel does not block on
// tear-down.
func (c *Client) Cancel() {
	c.driver.Cancel()
}

// Result returns the last recorded PhaseResult for the download and upload
// phases of the most recent Start call. Either value is the zero
// spec.PhaseResult if that phase has not run yet.
func (c *Client) Result() (downloadResult, uploadResult spec.PhaseResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDownload, c.lastUpload
}

// SelectedServer returns the server discovery picked for the most recent
// Start call, or nil if Start has not been called yet. This is always the
// first server the locator returned, even when the retry driver failed
// over to a later one for either phase; use UsedServers for the server
// that actually produced each phase's result.
func (c *Client) SelectedServer() *spec.TestServer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectedServer
}

// UsedServers returns the machine name of the server that actually
// produced the download and upload PhaseResults from the most recent Start
// call. Either value is empty if that phase has not succeeded yet. Unlike
// SelectedServer, this reflects failover: if the retry driver skipped past
// the selected server, the returned name is the one that succeeded.
func (c *Client) UsedServers() (downloadServer, uploadServer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedDownloadServer, c.usedUploadServer
}

func (c *Client) runPhase(ctx context.Context, servers []spec.TestServer, mode spec.ConnectionMode,
	direction spec.Direction, duration time.Duration, deviceName, mid string) (spec.PhaseResult, error) {

	userAgent := makeUserAgent(c.ClientName, c.ClientVersion)

	newRunner := func(target string) retry.PhaseRunner {
		target = attachMID(target, mid)
		switch direction {
		case spec.DirectionUpload:
			return upload.New(upload.Config{
				URL:           target,
				DeviceName:    deviceName,
				Duration:      duration,
				UserAgent:     userAgent,
				Dialer:        c.dialer,
				OnProgress:    c.OnUploadProgress,
				OnMeasurement: c.OnUploadMeasurement,
				Logger:        c.logger,
			})
		default:
			return download.New(download.Config{
				URL:           target,
				DeviceName:    deviceName,
				Duration:      duration,
				UserAgent:     userAgent,
				Dialer:        c.dialer,
				OnProgress:    c.OnDownloadProgress,
				OnMeasurement: c.OnDownloadMeasurement,
				Logger:        c.logger,
			})
		}
	}

	return c.driver.Run(ctx, servers, mode, direction, newRunner)
}

// attachMID appends the mid query parameter to target, correlating every
// phase of one session with the same measurement id. Malformed URLs are
// passed through unchanged; the phase client's own dial will surface the
// resulting error.
func attachMID(target, mid string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set("mid", mid)
	u.RawQuery = q.Encode()
	return u.String()
}
