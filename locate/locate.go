// Package locate implements the locator collaborator (§6): it wraps the
// production M-Lab Locate v2 client and adapts its []v2.Target results into
// spec.TestServer, applying the locator-specific error classification the
// session orchestrator relies on (empty results, rate limiting, other
// non-2xx responses).
package locate

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/m-lab/locate/api/locate"
	v2 "github.com/m-lab/locate/api/v2"

	"github.com/m-lab/ndt7-client-go/internal/telemetry"
	"github.com/m-lab/ndt7-client-go/spec"
)

// cacheTTL bounds how long one Locator instance reuses a locate response
// across repeated Nearest calls (e.g. successive Start calls on one
// orchestrator Client).
const cacheTTL = 1 * time.Minute

// urlKey builds the map key v2.Target.URLs is indexed by: scheme + "://" +
// path, matching how the Locate v2 API and its clients address a specific
// subtest URL within one target (see m-lab/msak's nextURLFromLocate).
func urlKey(scheme, path string) string {
	return scheme + "://" + path
}

var (
	wssDownloadKey = urlKey("wss", spec.DownloadPath)
	wssUploadKey   = urlKey("wss", spec.UploadPath)
	wsDownloadKey  = urlKey("ws", spec.DownloadPath)
	wsUploadKey    = urlKey("ws", spec.UploadPath)
)

// Locator discovers measurement servers for a given service.
type Locator interface {
	Nearest(ctx context.Context, service string) ([]spec.TestServer, error)
}

// HTTPLocator is the production Locator implementation: the real Locate v2
// client (github.com/m-lab/locate/api/locate), classified per §6, with a
// short-TTL cache so that Nearest calls repeated within cacheTTL reuse the
// last successful response instead of re-querying the locate service.
type HTTPLocator struct {
	// Client is the underlying Locate v2 client. Exported so tests can
	// point it at a local server by overriding its BaseURL/HTTPClient,
	// the same way m-lab/ndt5-client-go's mlabns.Client exposes BaseURL
	// and HTTPClient for its own tests.
	Client *locate.Client

	cache *ttlcache.Cache[string, []spec.TestServer]
}

// NewHTTPLocator returns an HTTPLocator for the given user agent. userAgent
// must be non-empty; it is sent on every locate request, as the locate API
// requires.
func NewHTTPLocator(userAgent string) *HTTPLocator {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []spec.TestServer](cacheTTL),
	)
	go cache.Start()
	return &HTTPLocator{
		Client: locate.NewClient(userAgent),
		cache:  cache,
	}
}

// Nearest returns the ranked server list for service (e.g. "ndt/ndt7"),
// classifying the response per §6:
//   - empty results raises a *spec.Error of kind KindTestServersOutOfCapacity.
//   - HTTP 429 raises KindRateLimited.
//   - any other non-2xx raises KindNetworkError.
func (l *HTTPLocator) Nearest(ctx context.Context, service string) ([]spec.TestServer, error) {
	if item := l.cache.Get(service); item != nil {
		return item.Value(), nil
	}

	targets, err := l.Client.Nearest(ctx, service)
	if err != nil {
		classified := classify(err)
		telemetry.LocateRequestsTotal.WithLabelValues(string(classified.Kind)).Inc()
		return nil, classified
	}
	if len(targets) == 0 {
		err := spec.NewError(spec.KindTestServersOutOfCapacity, "locate service returned no servers", nil)
		telemetry.LocateRequestsTotal.WithLabelValues(string(err.Kind)).Inc()
		return nil, err
	}

	servers := make([]spec.TestServer, 0, len(targets))
	for _, t := range targets {
		servers = append(servers, adapt(t))
	}
	telemetry.LocateRequestsTotal.WithLabelValues("success").Inc()
	l.cache.Set(service, servers, ttlcache.DefaultTTL)
	return servers, nil
}

// adapt converts a v2.Target, as returned by the Locate API, into a
// spec.TestServer. v2.Target.URLs is a flat map keyed by "scheme://path"
// rather than named fields; adapt picks out the four keys the spec's
// ServerURLs needs.
func adapt(t v2.Target) spec.TestServer {
	var loc spec.Location
	if t.Location != nil {
		loc = spec.Location{Country: t.Location.Country, City: t.Location.City}
	}
	return spec.TestServer{
		Machine:  t.Machine,
		Location: loc,
		URLs: spec.ServerURLs{
			DownloadSecure:   t.URLs[wssDownloadKey],
			UploadSecure:     t.URLs[wssUploadKey],
			DownloadInsecure: t.URLs[wsDownloadKey],
			UploadInsecure:   t.URLs[wsUploadKey],
		},
	}
}

// classify turns an error returned by the Locate client into a *spec.Error.
// The Locate API reports rate limiting and other failures through a
// structured v2.Error carrying an HTTP status when the client exposes one;
// we check for that first and fall back to a substring match on "429" /
// "Too Many Requests" for transports that only return a plain error,
// mirroring the documented substring-fallback approach used elsewhere in
// this client (see internal/wsclassify) for interoperating with transports
// that don't expose structured codes.
func classify(err error) *spec.Error {
	var locErr *v2.Error
	if errors.As(err, &locErr) {
		if locErr.Status == 429 {
			return spec.NewError(spec.KindRateLimited, "locate service rate-limited this client", err)
		}
		return spec.NewError(spec.KindNetworkError,
			"locate service returned an error", err)
	}

	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "too many requests") {
		return spec.NewError(spec.KindRateLimited, "locate service rate-limited this client", err)
	}
	return spec.NewError(spec.KindNetworkError, "locate request failed", err)
}
