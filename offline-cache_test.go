package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/lifecycle"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errOffline = errors.New("network error")

// switchableTransport fails every request while offline is set.
type switchableTransport struct {
	offline atomic.Bool
	next    http.RoundTripper
}

func (t *switchableTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.offline.Load() {
		return nil, errOffline
	}
	return t.next.RoundTrip(r)
}

type testEnv struct {
	origin    *httptest.Server
	transport *switchableTransport
	storage   *cache.Storage
	hits      atomic.Int32
}

// newTestEnv starts an origin serving the creation studio shell.
// /error always responds with 500.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{}
	env.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.hits.Add(1)
		switch r.URL.Path {
		case "/error":
			http.Error(w, "boom", http.StatusInternalServerError)
		case "/missing":
			http.NotFound(w, r)
		default:
			fmt.Fprintf(w, "online %s", r.URL.Path)
		}
	}))
	t.Cleanup(env.origin.Close)
	env.transport = &switchableTransport{next: env.origin.Client().Transport}
	provider, err := cache.NewSQLiteCache("")
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })
	env.storage = cache.NewStorage(provider, nil)
	return env
}

func (env *testEnv) config(t *testing.T, cacheName string) Config {
	t.Helper()
	originURL, err := url.Parse(env.origin.URL)
	require.NoError(t, err)
	return Config{
		CacheName:    cacheName,
		PrecacheURLs: DefaultPrecacheURLs,
		Storage:      env.storage,
		OriginURL:    *originURL,
		Transport:    env.transport,
	}
}

func (env *testEnv) manager(t *testing.T, cacheName string) *Manager {
	t.Helper()
	m, err := NewManager(env.config(t, cacheName))
	require.NoError(t, err)
	return m
}

func body(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

func partitionKeys(t *testing.T, s *cache.Storage, name string) []string {
	t.Helper()
	p, err := s.Open(context.Background(), name)
	require.NoError(t, err)
	reqs, err := p.Keys(context.Background())
	require.NoError(t, err)
	uris := make([]string, 0, len(reqs))
	for _, r := range reqs {
		uris = append(uris, r.URL.RequestURI())
	}
	return uris
}

func TestNewManagerValidatesConfig(t *testing.T) {
	env := newTestEnv(t)

	config := env.config(t, "")
	_, err := NewManager(config)
	assert.Error(t, err)

	config = env.config(t, DefaultCacheName)
	config.Storage = nil
	_, err = NewManager(config)
	assert.Error(t, err)

	config = env.config(t, DefaultCacheName)
	config.OriginURL = url.URL{Path: "/relative"}
	_, err = NewManager(config)
	assert.Error(t, err)

	config = env.config(t, DefaultCacheName)
	config.PrecacheURLs = []string{"/", "https://cdn.example.com/"}
	_, err = NewManager(config)
	assert.Error(t, err)
}

func TestInstallPrecachesManifest(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t, DefaultCacheName)

	require.NoError(t, m.Install(context.Background()))

	assert.ElementsMatch(t, DefaultPrecacheURLs, partitionKeys(t, env.storage, DefaultCacheName))
}

func TestInstallFailsAsAWhole(t *testing.T) {
	env := newTestEnv(t)
	config := env.config(t, DefaultCacheName)
	config.PrecacheURLs = []string{"/", "/manifest.json", "/missing"}
	m, err := NewManager(config)
	require.NoError(t, err)

	err = m.Install(context.Background())

	assert.True(t, errors.Is(err, cache.ErrBadStatus))
	assert.Empty(t, partitionKeys(t, env.storage, DefaultCacheName))
}

func TestInstallFailsOffline(t *testing.T) {
	env := newTestEnv(t)
	env.transport.offline.Store(true)
	m := env.manager(t, DefaultCacheName)

	err := m.Install(context.Background())

	assert.True(t, errors.Is(err, errOffline))
	assert.Empty(t, partitionKeys(t, env.storage, DefaultCacheName))
}

func TestActivateDeletesStalePartitions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.manager(t, "creation-studio-v1").Install(ctx))
	_, err := env.storage.Open(ctx, "some-other-cache")
	require.NoError(t, err)

	v2 := env.manager(t, "creation-studio-v2")
	require.NoError(t, v2.Activate(ctx))

	names, err := env.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, v2.Install(ctx))
	require.NoError(t, v2.Activate(ctx))
	names, err = env.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"creation-studio-v2"}, names)
}

func TestActivateKeepsCurrentPartition(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, err := env.storage.Open(ctx, "creation-studio-v0")
	require.NoError(t, err)
	m := env.manager(t, DefaultCacheName)
	require.NoError(t, m.Install(ctx))

	require.NoError(t, m.Activate(ctx))

	names, err := env.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultCacheName}, names)
	assert.Len(t, partitionKeys(t, env.storage, DefaultCacheName), len(DefaultPrecacheURLs))
}

func TestFetchReturnsNetworkResponseVerbatim(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	config := env.config(t, DefaultCacheName)
	config.PrecacheURLs = []string{"/"}
	config.CacheStatus = true
	m, err := NewManager(config)
	require.NoError(t, err)
	require.NoError(t, m.Install(ctx))

	res, err := m.Fetch(ctx, httptest.NewRequest("GET", "/error", nil))

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, "boom\n", body(t, res))
	assert.Empty(t, res.Header.Get("Cache-Status"))

	res, err = m.Fetch(ctx, httptest.NewRequest("GET", "/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}

func TestFetchPrefersNetworkOverCache(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.manager(t, DefaultCacheName)
	p, err := env.storage.Open(ctx, DefaultCacheName)
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, httptest.NewRequest("GET", "/", nil), &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("cached /")),
	}))

	res, err := m.Fetch(ctx, httptest.NewRequest("GET", "/", nil))

	require.NoError(t, err)
	assert.Equal(t, "online /", body(t, res))
	assert.Equal(t, int32(1), env.hits.Load())
}

func TestFetchFallsBackToCacheWhenOffline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.manager(t, DefaultCacheName)
	require.NoError(t, m.Install(ctx))
	env.transport.offline.Store(true)

	res, err := m.Fetch(ctx, httptest.NewRequest("GET", "/manifest.json", nil))

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "online /manifest.json", body(t, res))
}

func TestFetchUnresolvedWhenOfflineAndNotCached(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.manager(t, DefaultCacheName)
	require.NoError(t, m.Install(ctx))

	// an online fetch must not fill the cache
	res, err := m.Fetch(ctx, httptest.NewRequest("GET", "/generate", nil))
	require.NoError(t, err)
	res.Body.Close()
	env.transport.offline.Store(true)

	res, err = m.Fetch(ctx, httptest.NewRequest("GET", "/generate", nil))

	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestFetchFallbackOnlyForGet(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.manager(t, DefaultCacheName)
	require.NoError(t, m.Install(ctx))
	env.transport.offline.Store(true)

	res, err := m.Fetch(ctx, httptest.NewRequest("POST", "/", nil))

	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestScopeFallbackToCurrent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.manager(t, "creation-studio-v1").Install(ctx))

	config := env.config(t, "creation-studio-v2")
	config.ScopeFallbackToCurrent = true
	scoped, err := NewManager(config)
	require.NoError(t, err)
	unscoped := env.manager(t, "creation-studio-v2")
	env.transport.offline.Store(true)

	res, err := scoped.Fetch(ctx, httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = unscoped.Fetch(ctx, httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "online /", body(t, res))
}

func TestWorkerThroughHost(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	config := env.config(t, DefaultCacheName)
	config.CacheStatus = true
	m, err := NewManager(config)
	require.NoError(t, err)
	_, err = env.storage.Open(ctx, "creation-studio-v0")
	require.NoError(t, err)
	host := lifecycle.NewHost(m.FetchNetwork, nil)
	w := m.Worker()

	require.NoError(t, host.Register(ctx, w))

	assert.Equal(t, lifecycle.StateActivated, w.State())
	assert.Same(t, w, host.Controller())
	names, err := env.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultCacheName}, names)

	rr := httptest.NewRecorder()
	host.ServeHTTP(rr, httptest.NewRequest("GET", "/error", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "creation-studio-v1; fwd=bypass; fwd-status=500", rr.Header().Get("Cache-Status"))

	env.transport.offline.Store(true)

	rr = httptest.NewRecorder()
	host.ServeHTTP(rr, httptest.NewRequest("GET", "/pwa_icon/512", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "online /pwa_icon/512", rr.Body.String())
	assert.Equal(t, "creation-studio-v1; hit; detail=offline", rr.Header().Get("Cache-Status"))

	rr = httptest.NewRecorder()
	host.ServeHTTP(rr, httptest.NewRequest("GET", "/generate", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestNewVersionTakesOver(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v1 := env.manager(t, "creation-studio-v1")
	host := lifecycle.NewHost(v1.FetchNetwork, nil)
	require.NoError(t, host.Register(ctx, v1.Worker()))

	v2 := env.manager(t, "creation-studio-v2")
	w2 := v2.Worker()
	require.NoError(t, host.Register(ctx, w2))

	assert.Same(t, w2, host.Controller())
	names, err := env.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"creation-studio-v2"}, names)
}

func TestFailedInstallKeepsPreviousVersion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v1 := env.manager(t, "creation-studio-v1")
	host := lifecycle.NewHost(v1.FetchNetwork, nil)
	w1 := v1.Worker()
	require.NoError(t, host.Register(ctx, w1))

	env.transport.offline.Store(true)
	err := host.Register(ctx, env.manager(t, "creation-studio-v2").Worker())

	assert.True(t, errors.Is(err, lifecycle.ErrInstallFailed))
	assert.Same(t, w1, host.Controller())
	res, err := host.Dispatch(ctx, httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "online /", body(t, res))
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	config := env.config(t, DefaultCacheName)
	config.Metrics = NewMetrics(prometheus.NewRegistry())
	m, err := NewManager(config)
	require.NoError(t, err)
	_, err = env.storage.Open(ctx, "stale")
	require.NoError(t, err)

	require.NoError(t, m.Install(ctx))
	require.NoError(t, m.Activate(ctx))
	env.transport.offline.Store(true)
	res, err := m.Fetch(ctx, httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	res.Body.Close()
	_, err = m.Fetch(ctx, httptest.NewRequest("GET", "/nope", nil))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(config.Metrics.installsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(len(DefaultPrecacheURLs)), testutil.ToFloat64(config.Metrics.precachedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(config.Metrics.partitionsDeletedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(config.Metrics.fetchesTotal.WithLabelValues(SourceCache)))
	assert.Equal(t, 1.0, testutil.ToFloat64(config.Metrics.fetchesTotal.WithLabelValues(SourceNone)))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.RecordInstall(nil, 4)
	m.RecordPartitionDeleted()
	m.RecordFetch(SourceNetwork, 0)
}

func TestRestoredWorker(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.manager(t, DefaultCacheName).Install(ctx))
	env.transport.offline.Store(true)

	// a new process starting while offline
	m := env.manager(t, DefaultCacheName)
	host := lifecycle.NewHost(m.FetchNetwork, nil)
	require.True(t, errors.Is(host.Register(ctx, m.Worker()), lifecycle.ErrInstallFailed))
	require.NoError(t, host.Register(ctx, m.RestoredWorker()))

	rr := httptest.NewRecorder()
	host.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "online /", rr.Body.String())
}

func TestRestoredWorkerNeedsInstalledVersion(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t, DefaultCacheName)
	host := lifecycle.NewHost(m.FetchNetwork, nil)

	err := host.Register(context.Background(), m.RestoredWorker())

	assert.True(t, errors.Is(err, lifecycle.ErrInstallFailed))
	assert.Nil(t, host.Controller())
}

func TestInstallRemovesPartitionItCreated(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.transport.offline.Store(true)

	require.Error(t, env.manager(t, DefaultCacheName).Install(ctx))

	has, err := env.storage.Has(ctx, DefaultCacheName)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRestoredWorkerKeepsPreviousVersionAfterFailedBump(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.manager(t, "creation-studio-v1").Install(ctx))
	env.transport.offline.Store(true)

	// a new process with a bumped version starting while offline
	v2 := env.manager(t, "creation-studio-v2")
	host := lifecycle.NewHost(v2.FetchNetwork, nil)
	err := host.Register(ctx, v2.Worker())
	require.True(t, errors.Is(err, lifecycle.ErrInstallFailed))
	assert.True(t, errors.Is(err, errOffline))

	err = host.Register(ctx, v2.RestoredWorker())

	assert.True(t, errors.Is(err, lifecycle.ErrInstallFailed))
	assert.True(t, errors.Is(err, ErrNotInstalled))
	assert.Nil(t, host.Controller())
	names, err := env.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"creation-studio-v1"}, names)
	assert.ElementsMatch(t, DefaultPrecacheURLs, partitionKeys(t, env.storage, "creation-studio-v1"))
}

func TestRestoredWorkerNeedsEveryPrecacheResource(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p, err := env.storage.Open(ctx, DefaultCacheName)
	require.NoError(t, err)
	res, err := env.origin.Client().Get(env.origin.URL + "/")
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, res.Request, res))
	m := env.manager(t, DefaultCacheName)
	host := lifecycle.NewHost(m.FetchNetwork, nil)

	err = host.Register(ctx, m.RestoredWorker())

	assert.True(t, errors.Is(err, ErrNotInstalled))
	assert.Nil(t, host.Controller())
}

var errDeleteFailed = errors.New("delete failed")

// failingDeletes cannot delete the listed partitions.
type failingDeletes struct {
	cache.MemCache
	names map[string]bool
}

func (p failingDeletes) DeletePartition(ctx context.Context, name string) (bool, error) {
	if p.names[name] {
		return false, fmt.Errorf("%w: %s", errDeleteFailed, name)
	}
	return p.MemCache.DeletePartition(ctx, name)
}

func TestActivateReportsEveryFailedDelete(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	storage := cache.NewStorage(failingDeletes{
		MemCache: cache.NewMemCache(),
		names:    map[string]bool{"stale-a": true, "stale-b": true},
	}, nil)
	for _, name := range []string{"stale-a", "stale-b", "stale-c"} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}
	config := env.config(t, DefaultCacheName)
	config.Storage = storage
	m, err := NewManager(config)
	require.NoError(t, err)
	require.NoError(t, m.Install(ctx))

	err = m.Activate(ctx)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errDeleteFailed))
	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 2)
	assert.Contains(t, err.Error(), "stale-a")
	assert.Contains(t, err.Error(), "stale-b")
	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale-a", "stale-b", DefaultCacheName}, names)
	assert.ElementsMatch(t, DefaultPrecacheURLs, partitionKeys(t, storage, DefaultCacheName))
}
