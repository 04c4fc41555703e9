package offlinecache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/lifecycle"
	"github.com/always-cache/offline-cache/rfc9211"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultCacheName = "creation-studio-v1"

// ErrNotInstalled is returned when restoring a version whose partition does not exist.
var ErrNotInstalled = errors.New("cache version not installed")

// DefaultPrecacheURLs are the shell resources of the creation studio.
var DefaultPrecacheURLs = []string{"/", "/manifest.json", "/pwa_icon/192", "/pwa_icon/512"}

type Config struct {
	// Cache version identifier.
	// Every other partition in the storage is stale and deleted on activation.
	CacheName string
	// Resources stored on install. Relative URLs are resolved against the origin URL.
	PrecacheURLs []string
	// Storage for cached responses.
	Storage *cache.Storage
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Transport for origin requests. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Optional metrics.
	Metrics *Metrics
	// Look only in the current partition when falling back to the cache.
	// By default every partition is searched in creation order.
	ScopeFallbackToCurrent bool
	// Add a Cache-Status header to responses served by the worker.
	CacheStatus bool
}

// Manager owns one cache version: it precaches on install, deletes stale versions on activate
// and answers fetches network-first with a cache fallback.
// It holds no state between events; everything lives in the storage.
type Manager struct {
	name           string
	precache       []*url.URL
	storage        *cache.Storage
	transport      http.RoundTripper
	client         *http.Client
	director       func(*http.Request)
	hostHeader     string
	log            zerolog.Logger
	metrics        *Metrics
	scopeToCurrent bool
	cacheStatus    bool
}

// NewManager validates the config and creates a manager.
func NewManager(config Config) (*Manager, error) {
	if config.CacheName == "" {
		return nil, errors.New("cache name is required")
	}
	if config.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if config.OriginURL.Scheme == "" || config.OriginURL.Host == "" {
		return nil, fmt.Errorf("origin URL must be absolute: %q", config.OriginURL.String())
	}

	// use global logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Str("cache", config.CacheName).
		Logger()

	origin := config.OriginURL
	precache := make([]*url.URL, 0, len(config.PrecacheURLs))
	for _, u := range config.PrecacheURLs {
		ref, err := url.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("precache URL %q: %w", u, err)
		}
		resolved := origin.ResolveReference(ref)
		if resolved.Scheme != origin.Scheme || resolved.Host != origin.Host {
			return nil, fmt.Errorf("precache URL %q is not on origin %s", u, origin.String())
		}
		precache = append(precache, resolved)
	}

	host := origin.Host
	hostHeader := host
	transport := config.Transport
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		if transport == nil {
			transport = &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					ServerName: config.OriginHost,
				},
			}
		}
	}
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Manager{
		name:           config.CacheName,
		precache:       precache,
		storage:        config.Storage,
		transport:      transport,
		client:         &http.Client{Transport: transport},
		director:       createDirector(origin.Scheme, host, hostHeader),
		hostHeader:     hostHeader,
		log:            logger,
		metrics:        config.Metrics,
		scopeToCurrent: config.ScopeFallbackToCurrent,
		cacheStatus:    config.CacheStatus,
	}, nil
}

// Name returns the cache version identifier.
func (m *Manager) Name() string {
	return m.name
}

// Install opens the current partition and stores every precache resource in it.
// If any resource cannot be fetched, or is not a 2xx response, nothing is stored and an error is returned.
// A partition created by a failed install is deleted again.
func (m *Manager) Install(ctx context.Context) error {
	err := m.install(ctx)
	m.metrics.RecordInstall(err, len(m.precache))
	return err
}

func (m *Manager) install(ctx context.Context) error {
	reqs, err := m.precacheRequests(ctx)
	if err != nil {
		return err
	}
	existed, err := m.storage.Has(ctx, m.name)
	if err != nil {
		return err
	}
	p, err := m.storage.Open(ctx, m.name)
	if err != nil {
		return err
	}
	m.log.Debug().Msgf("Precaching %d resources", len(reqs))
	if err := cache.AddAll(ctx, p, m.client, reqs); err != nil {
		if !existed {
			// an empty partition must not pass for an installed version
			if _, delErr := m.storage.Delete(context.WithoutCancel(ctx), m.name); delErr != nil {
				m.log.Error().Err(delErr).Msg("Could not delete partition of failed install")
			}
		}
		return fmt.Errorf("precache %s: %w", m.name, err)
	}
	m.log.Info().Msgf("Precached %d resources", len(reqs))
	return nil
}

func (m *Manager) precacheRequests(ctx context.Context) ([]*http.Request, error) {
	reqs := make([]*http.Request, 0, len(m.precache))
	for _, u := range m.precache {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Host = m.hostHeader
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// installed checks that every precache resource is stored in the current partition.
func (m *Manager) installed(ctx context.Context) error {
	reqs, err := m.precacheRequests(ctx)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		res, err := m.storage.MatchIn(ctx, m.name, req)
		if err != nil {
			return err
		}
		if res == nil {
			return fmt.Errorf("%w: %s has no %s", ErrNotInstalled, m.name, req.URL.Path)
		}
		res.Body.Close()
	}
	return nil
}

// Activate deletes every partition except the current one.
// Deletions run concurrently and all of them are awaited; every failure is reported.
func (m *Manager) Activate(ctx context.Context) error {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list cache partitions: %w", err)
	}
	var g multierror.Group
	for _, name := range names {
		if name == m.name {
			continue
		}
		name := name
		g.Go(func() error {
			deleted, err := m.storage.Delete(ctx, name)
			if err != nil {
				m.log.Error().Err(err).Str("partition", name).Msg("Could not delete stale partition")
				return err
			}
			if deleted {
				m.metrics.RecordPartitionDeleted()
				m.log.Info().Str("partition", name).Msg("Deleted stale partition")
			}
			return nil
		})
	}
	return g.Wait().ErrorOrNil()
}

// Fetch answers the request network-first.
// Any response from the origin is returned as is, whatever its status.
// Only if the origin cannot be reached is the cache consulted.
// If the cache has no match either, Fetch returns a nil response and a nil error.
func (m *Manager) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	res, _, err := m.fetch(ctx, r)
	return res, err
}

// FetchNetwork sends the request to the origin without any cache fallback.
func (m *Manager) FetchNetwork(ctx context.Context, r *http.Request) (*http.Response, error) {
	res, err := m.transport.RoundTrip(m.outboundRequest(ctx, r))
	if err != nil {
		return nil, err
	}
	removeHopHeaders(res.Header)
	return res, nil
}

func (m *Manager) fetch(ctx context.Context, r *http.Request) (*http.Response, string, error) {
	start := time.Now()
	m.log.Trace().Msgf("fetching %s", r.URL.String())
	res, netErr := m.transport.RoundTrip(m.outboundRequest(ctx, r))
	if netErr == nil {
		m.metrics.RecordFetch(SourceNetwork, time.Since(start))
		return res, SourceNetwork, nil
	}
	m.log.Debug().Err(netErr).Str("url", r.URL.String()).Msg("Origin unreachable, looking up cache")

	var err error
	if m.scopeToCurrent {
		res, err = m.storage.MatchIn(ctx, m.name, r)
	} else {
		res, err = m.storage.Match(ctx, r)
	}
	if err != nil {
		return nil, SourceNone, fmt.Errorf("cache fallback for %s: %w", r.URL, err)
	}
	if res == nil {
		m.metrics.RecordFetch(SourceNone, time.Since(start))
		return nil, SourceNone, nil
	}
	m.metrics.RecordFetch(SourceCache, time.Since(start))
	return res, SourceCache, nil
}

// handleFetch is the worker fetch handler.
// It strips hop-by-hop headers and optionally adds Cache-Status.
func (m *Manager) handleFetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	res, source, err := m.fetch(ctx, r)
	if err != nil {
		return nil, err
	}
	cs := rfc9211.CacheStatus{Cache: m.name}
	switch source {
	case SourceNetwork:
		cs.Forward(rfc9211.FwdReasonBypass)
		cs.FwdStatus = res.StatusCode
	case SourceCache:
		cs.Hit = true
		cs.Detail = "offline"
	default:
		cs.Forward(rfc9211.FwdReasonMiss)
		cs.Detail = "offline"
	}
	if res != nil {
		removeHopHeaders(res.Header)
		if m.cacheStatus {
			res.Header.Add(rfc9211.HeaderName, cs.String())
		}
	}
	m.logRequest(r, cs)
	return res, nil
}

// Worker creates a lifecycle worker running this manager.
// Like a service worker using skipWaiting and clients.claim, it activates as soon as it is
// installed and takes control of fetches as soon as it is activated.
func (m *Manager) Worker() *lifecycle.Worker {
	return m.worker(m.Install)
}

// RestoredWorker creates a worker for a version installed by an earlier process.
// Its install step only checks that every precache resource of this version is stored.
func (m *Manager) RestoredWorker() *lifecycle.Worker {
	return m.worker(m.installed)
}

func (m *Manager) worker(install lifecycle.Handler) *lifecycle.Worker {
	w := lifecycle.NewWorker(m.name)
	w.OnInstall(func(ctx context.Context) error {
		w.SkipWaiting()
		return install(ctx)
	})
	w.OnActivate(func(ctx context.Context) error {
		w.Claim()
		return m.Activate(ctx)
	})
	w.OnFetch(m.handleFetch)
	return w
}

func (m *Manager) logRequest(r *http.Request, cs rfc9211.CacheStatus) {
	isHit := 0
	if cs.Hit {
		isHit = 1
	}
	m.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("fwd", string(cs.FwdReason)).
		Int("fwdStatus", cs.FwdStatus).
		Int("hit", isHit).
		Msg("Sending response to client")
}
