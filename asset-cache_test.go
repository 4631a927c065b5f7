package assetcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kiply/asset-cache/cache"
	requestpolicy "github.com/kiply/asset-cache/pkg/request-policy"
	"github.com/kiply/asset-cache/rfc9211"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errOffline = errors.New("network is unreachable")

// network can be switched offline, in which case every round trip fails.
type network struct {
	offline atomic.Bool
	next    http.RoundTripper
}

func (n *network) RoundTrip(r *http.Request) (*http.Response, error) {
	if n.offline.Load() {
		return nil, errOffline
	}
	return n.next.RoundTrip(r)
}

// spyStorage counts cache reads and writes.
type spyStorage struct {
	cache.Storage
	matches atomic.Int32
	puts    atomic.Int32
}

func (s *spyStorage) Open(ctx context.Context, name string) (cache.Generation, error) {
	gen, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return spyGeneration{Generation: gen, spy: s}, nil
}

type spyGeneration struct {
	cache.Generation
	spy *spyStorage
}

func (g spyGeneration) Match(ctx context.Context, key string) (cache.Entry, bool, error) {
	g.spy.matches.Add(1)
	return g.Generation.Match(ctx, key)
}

func (g spyGeneration) Put(ctx context.Context, key string, entry cache.Entry) error {
	g.spy.puts.Add(1)
	return g.Generation.Put(ctx, key, entry)
}

type fixture struct {
	worker  *Worker
	storage *spyStorage
	net     *network
	origin  *httptest.Server
}

func setup(t *testing.T, handler http.Handler, modify ...func(*Config)) *fixture {
	t.Helper()
	origin := httptest.NewServer(handler)
	t.Cleanup(origin.Close)
	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)

	transport := &http.Transport{}
	t.Cleanup(transport.CloseIdleConnections)
	f := &fixture{
		storage: &spyStorage{Storage: cache.NewMemStore()},
		net:     &network{next: transport},
		origin:  origin,
	}
	logger := zerolog.Nop()
	config := Config{
		Storage:   f.storage,
		Version:   "kiply-admin-v1",
		OriginURL: *originURL,
		Transport: f.net,
		Logger:    &logger,
	}
	for _, m := range modify {
		m(&config)
	}
	f.worker, err = CreateWorker(config)
	require.NoError(t, err)
	t.Cleanup(func() { f.worker.Close() })
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.worker.Start(context.Background()))
}

func (f *fixture) get(target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.worker.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	f.worker.Wait()
	return rr
}

func TestAssetIsReturnedAndStored(t *testing.T) {
	f := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Write([]byte("console.log('B')"))
	}))
	f.start(t)

	rr := f.get("/assets/app-3f2a.js")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "console.log('B')", rr.Body.String())
	assert.Equal(t, "application/javascript", rr.Header().Get("Content-Type"))
	assert.EqualValues(t, 1, f.storage.puts.Load())

	gen, err := f.storage.Open(context.Background(), "kiply-admin-v1")
	require.NoError(t, err)
	entry, ok, err := gen.Match(context.Background(), "/assets/app-3f2a.js")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(string(entry.Bytes), "\r\n\r\nconsole.log('B')"))
}

func TestOfflineServesStoredResponse(t *testing.T) {
	f := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Write([]byte("body{color:red}"))
	}))
	f.start(t)
	f.get("/styles/main.css")

	f.net.offline.Store(true)
	rr := f.get("/styles/main.css")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "body{color:red}", rr.Body.String())
	assert.Equal(t, "text/css", rr.Header().Get("Content-Type"))
	assert.Equal(t, "Kiply-Asset-Cache; hit; detail=network-error", rr.Header().Get(rfc9211.HeaderName))
}

func TestOfflineWithoutStoredResponseFails(t *testing.T) {
	f := setup(t, http.NotFoundHandler())
	f.start(t)
	f.net.offline.Store(true)

	rr := f.get("/assets/missing.js")

	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, rr.Body.String(), "Could not connect to origin")
	assert.EqualValues(t, 1, f.storage.matches.Load())
}

func TestNetworkIsAskedFirst(t *testing.T) {
	var calls atomic.Int32
	f := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Write([]byte(strings.Repeat("x", int(n))))
	}))
	f.start(t)

	f.get("/assets/logo.svg")
	rr := f.get("/assets/logo.svg")

	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, "xx", rr.Body.String())
	assert.Empty(t, rr.Header().Get(rfc9211.HeaderName))
	assert.Zero(t, f.storage.matches.Load())
}

func TestOnlyOkResponsesAreStored(t *testing.T) {
	f := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	f.start(t)

	rr := f.get("/assets/old.js")

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Zero(t, f.storage.puts.Load())
}

func TestServerErrorIsNotNetworkFailure(t *testing.T) {
	fail := atomic.Bool{}
	f := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "oops", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	f.start(t)
	f.get("/assets/app.js")

	fail.Store(true)
	rr := f.get("/assets/app.js")

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Zero(t, f.storage.matches.Load())
}

func TestPagesAreNotStoredButFallBack(t *testing.T) {
	f := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html></html>"))
	}))
	f.start(t)

	rr := f.get("/checkout")
	assert.Equal(t, "<html></html>", rr.Body.String())
	assert.Zero(t, f.storage.puts.Load())

	f.net.offline.Store(true)
	rr = f.get("/checkout")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.EqualValues(t, 1, f.storage.matches.Load())
}

func TestNonGetPassesThrough(t *testing.T) {
	f := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write([]byte(r.Method + " " + string(body)))
	}))
	f.start(t)

	rr := httptest.NewRecorder()
	f.worker.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/assets/upload.png", strings.NewReader("data")))
	f.worker.Wait()

	assert.Equal(t, "POST data", rr.Body.String())
	assert.Zero(t, f.storage.puts.Load())
	assert.Zero(t, f.storage.matches.Load())
}

func TestDataStoreRequestsAreNeverCached(t *testing.T) {
	dataStore := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1,"path":"` + r.URL.Path + `"}]`))
	}))
	defer dataStore.Close()
	dataStoreURL, _ := url.Parse(dataStore.URL)
	f := setup(t, http.NotFoundHandler(), func(c *Config) {
		c.DataStoreURL = dataStoreURL
	})
	f.start(t)

	post := httptest.NewRequest(http.MethodPost, dataStore.URL+"/rest/v1/products", strings.NewReader(`{"name":"x"}`))
	rr := httptest.NewRecorder()
	f.worker.ServeHTTP(rr, post)
	assert.Equal(t, `[{"id":1,"path":"/rest/v1/products"}]`, rr.Body.String())

	// images served by the data store look like assets but are still not cached
	rr = f.get(dataStore.URL + "/storage/v1/object/public/products/shoe.png")
	assert.Equal(t, http.StatusOK, rr.Code)

	f.net.offline.Store(true)
	rr = f.get(dataStore.URL + "/storage/v1/object/public/products/shoe.png")
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	assert.Zero(t, f.storage.puts.Load())
	assert.Zero(t, f.storage.matches.Load())
}

func TestRoutesAreForwardedWithoutPrefix(t *testing.T) {
	rates := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("rates " + r.URL.Path))
	}))
	defer rates.Close()
	f := setup(t, http.NotFoundHandler(), func(c *Config) {
		c.Routes = []requestpolicy.Route{{Prefix: "/api/rates", Target: rates.URL + "/v6"}}
	})
	f.start(t)

	rr := f.get("/api/rates/latest/USD.json")

	assert.Equal(t, "rates /v6/latest/USD.json", rr.Body.String())
	assert.Zero(t, f.storage.puts.Load())
}

func TestInvalidRouteTarget(t *testing.T) {
	logger := zerolog.Nop()
	_, err := CreateWorker(Config{
		Storage:   cache.NewMemStore(),
		Version:   "v1",
		OriginURL: url.URL{Scheme: "http", Host: "localhost"},
		Routes:    []requestpolicy.Route{{Prefix: "/api", Target: "not a url"}},
		Logger:    &logger,
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestInvalidConfig(t *testing.T) {
	origin := url.URL{Scheme: "http", Host: "localhost"}
	tests := []struct {
		name   string
		config Config
	}{
		{"no storage", Config{Version: "v1", OriginURL: origin}},
		{"no version", Config{Storage: cache.NewMemStore(), OriginURL: origin}},
		{"no origin", Config{Storage: cache.NewMemStore(), Version: "v1"}},
		{"data store without host", Config{Storage: cache.NewMemStore(), Version: "v1", OriginURL: origin, DataStoreURL: &url.URL{Path: "/rest"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CreateWorker(tt.config)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestResponseDoesNotWaitForCacheWrite(t *testing.T) {
	f := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("font"))
	}))
	block := make(chan struct{})
	f.worker.storage = blockingStorage{Storage: f.storage, block: block}
	f.start(t)

	rr := httptest.NewRecorder()
	f.worker.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/fonts/inter.woff2", nil))
	assert.Equal(t, "font", rr.Body.String())

	close(block)
	f.worker.Wait()
	assert.EqualValues(t, 1, f.storage.puts.Load())
}

type blockingStorage struct {
	cache.Storage
	block chan struct{}
}

func (s blockingStorage) Open(ctx context.Context, name string) (cache.Generation, error) {
	gen, err := s.Storage.Open(ctx, name)
	return blockingGeneration{Generation: gen, block: s.block}, err
}

type blockingGeneration struct {
	cache.Generation
	block chan struct{}
}

func (g blockingGeneration) Put(ctx context.Context, key string, entry cache.Entry) error {
	<-g.block
	return g.Generation.Put(ctx, key, entry)
}

func TestCacheWriteFailureIsSwallowed(t *testing.T) {
	f := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("img"))
	}))
	f.worker.storage = failingStorage{Storage: f.storage}
	f.start(t)

	rr := f.get("/img/hero.webp")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "img", rr.Body.String())

	f.net.offline.Store(true)
	rr = f.get("/img/hero.webp")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

type failingStorage struct {
	cache.Storage
}

func (s failingStorage) Open(ctx context.Context, name string) (cache.Generation, error) {
	gen, err := s.Storage.Open(ctx, name)
	return failingGeneration{gen}, err
}

type failingGeneration struct {
	cache.Generation
}

func (g failingGeneration) Put(ctx context.Context, key string, entry cache.Entry) error {
	return errors.New("quota exceeded")
}

func TestConcurrentRequests(t *testing.T) {
	f := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	}))
	f.start(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rr := httptest.NewRecorder()
			f.worker.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/assets/chunk.js", nil))
			assert.Equal(t, "/assets/chunk.js", rr.Body.String())
		}()
	}
	wg.Wait()
	f.worker.Wait()

	f.net.offline.Store(true)
	rr := f.get("/assets/chunk.js")
	assert.Equal(t, "/assets/chunk.js", rr.Body.String())
}

func TestPanicIsAnsweredWithBadGateway(t *testing.T) {
	f := setup(t, http.NotFoundHandler())
	f.start(t)
	f.worker.origin.Director = func(r *http.Request) { panic("boom") }

	rr := f.get("/assets/app.js")

	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestAssetAfterEarlyHintsIsStored(t *testing.T) {
	f := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", "</assets/app.css>; rel=preload; as=style")
		w.WriteHeader(http.StatusEarlyHints)
		w.Header().Del("Link")
		w.Header().Set("Content-Type", "application/javascript")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("console.log(1)"))
	}))
	f.start(t)
	gateway := httptest.NewServer(f.worker)
	defer gateway.Close()

	res, err := gateway.Client().Get(gateway.URL + "/assets/app.js")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	f.worker.Wait()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "console.log(1)", string(body))
	assert.Empty(t, res.Header.Get("Link"))
	assert.EqualValues(t, 1, f.storage.puts.Load())

	f.net.offline.Store(true)
	rr := f.get("/assets/app.js")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "console.log(1)", rr.Body.String())
}
