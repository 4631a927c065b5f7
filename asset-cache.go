package assetcache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiply/asset-cache/cache"
	cachekey "github.com/kiply/asset-cache/pkg/cache-key"
	requestpolicy "github.com/kiply/asset-cache/pkg/request-policy"
	serializer "github.com/kiply/asset-cache/pkg/response-serializer"
	tee "github.com/kiply/asset-cache/pkg/response-writer-tee"
	"github.com/kiply/asset-cache/rfc9211"

	"github.com/rs/zerolog"
	"github.com/smallnest/chanx"
)

// CacheName identifies this cache in Cache-Status headers.
const CacheName = "Kiply-Asset-Cache"

type Config struct {
	// Storage for cache generations.
	Storage cache.Storage
	// Version tag of the current cache generation, e.g. `kiply-admin-v2`.
	Version string
	// URL of the storefront origin serving the static assets.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// URL of the remote data store API. Requests for its host are never intercepted.
	DataStoreURL *url.URL
	// Routes to other upstreams, matched by path prefix. Never cached.
	Routes []requestpolicy.Route
	// Asset pattern overrides. Defaults are used when empty.
	AssetExtensions []string
	AssetSegment    string
	// Transport for all upstream requests. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Time allowed for a single background cache write.
	WriteTimeout time.Duration
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Worker is a network-first asset cache.
// It forwards requests upstream and falls back to the current cache generation
// when the network fails. Only ok static asset responses are stored.
type Worker struct {
	storage      cache.Storage
	policy       requestpolicy.Policy
	log          zerolog.Logger
	writeTimeout time.Duration

	origin    *httputil.ReverseProxy
	dataStore *httputil.ReverseProxy
	routes    map[string]*httputil.ReverseProxy

	// mu guards the lifecycle: current and state.
	// Cache reads and writes hold it for reading, transitions hold it for writing.
	mu      sync.RWMutex
	current cache.Generation
	state   State
	// version tag of current, only written while holding mu
	version atomic.Value
	// set on the first claim, stays set through version updates
	controlling atomic.Bool

	writes     *chanx.UnboundedChan[writeJob]
	pending    sync.WaitGroup
	writerDone chan struct{}
}

// CreateWorker initializes the worker and starts the background cache writer.
// The worker does not intercept anything until it has been started.
func CreateWorker(config Config) (*Worker, error) {
	if err := validate(config); err != nil {
		return nil, err
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	policy := requestpolicy.New("", config.Routes...)
	if config.DataStoreURL != nil {
		policy.DataStoreHost = config.DataStoreURL.Host
	}
	if len(config.AssetExtensions) > 0 {
		policy.AssetExtensions = config.AssetExtensions
	}
	if config.AssetSegment != "" {
		policy.AssetSegment = config.AssetSegment
	}

	w := &Worker{
		storage:      config.Storage,
		policy:       policy,
		log:          logger,
		writeTimeout: config.WriteTimeout,
		state:        StateParsed,
		routes:       make(map[string]*httputil.ReverseProxy),
		writerDone:   make(chan struct{}),
	}
	if w.writeTimeout == 0 {
		w.writeTimeout = 5 * time.Second
	}
	w.version.Store(config.Version)

	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	originTransport := transport
	hostHeader := config.OriginURL.Host
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		if config.Transport == nil {
			originTransport = &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					ServerName: config.OriginHost,
				},
			}
		}
	}
	w.origin = w.newProxy(createDirector(&config.OriginURL, hostHeader, ""), originTransport)
	if config.DataStoreURL != nil {
		w.dataStore = w.newProxy(createDirector(config.DataStoreURL, config.DataStoreURL.Host, ""), transport)
	}
	for _, route := range config.Routes {
		target, err := url.Parse(route.Target)
		if err != nil || target.Host == "" {
			return nil, fmt.Errorf("%w: route %s target %q", ErrInvalidConfig, route.Prefix, route.Target)
		}
		// the first route with a prefix wins, as in FindRoute
		if _, ok := w.routes[route.Prefix]; ok {
			continue
		}
		w.routes[route.Prefix] = w.newProxy(createDirector(target, target.Host, route.Prefix), transport)
	}

	w.writes = chanx.NewUnboundedChan[writeJob](context.Background(), 16)
	go w.runWriter()

	return w, nil
}

func validate(config Config) error {
	if config.Storage == nil {
		return fmt.Errorf("%w: no storage", ErrInvalidConfig)
	}
	if config.Version == "" {
		return fmt.Errorf("%w: no version tag", ErrInvalidConfig)
	}
	if config.OriginURL.Host == "" {
		return fmt.Errorf("%w: no origin", ErrInvalidConfig)
	}
	if config.DataStoreURL != nil && config.DataStoreURL.Host == "" {
		return fmt.Errorf("%w: data store URL has no host", ErrInvalidConfig)
	}
	return nil
}

func (w *Worker) newProxy(director func(*http.Request), transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director:     director,
		Transport:    transport,
		ErrorHandler: w.proxyError,
		ErrorLog:     stdlog.New(w.log.With().Str("component", "proxy").Logger(), "", 0),
	}
}

// proxyError records upstream failures for intercepted requests,
// so that the cache can be consulted before anything is sent to the client.
// Requests that are not intercepted get a plain 502.
func (w *Worker) proxyError(rw http.ResponseWriter, r *http.Request, err error) {
	if rs, ok := rw.(*tee.ResponseSaver); ok && !rs.Written() {
		rs.Fail(err)
		return
	}
	w.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Could not reach upstream")
	http.Error(rw, "Could not connect to upstream", http.StatusBadGateway)
}

// ServeHTTP implements the http.Handler interface.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer w.recover(rw, r)

	// clients are not controlled before the first activation
	if !w.controlling.Load() {
		w.passthrough(rw, r)
		return
	}

	switch decision := w.policy.Decide(r); decision {
	case requestpolicy.NetworkThenCache:
		w.networkFirst(rw, r, true)
	case requestpolicy.NetworkOnly:
		w.networkFirst(rw, r, false)
	default:
		w.passthrough(rw, r)
	}
}

// recover recovers from panics and answers with a bad gateway if nothing was sent yet.
func (w *Worker) recover(rw http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		if err == http.ErrAbortHandler {
			panic(err)
		}
		w.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("url", r.URL.String()).Msg("Panic in cache handler")
		http.Error(rw, "Could not get response", http.StatusBadGateway)
	}
}

// passthrough forwards the request to its upstream without touching the cache.
func (w *Worker) passthrough(rw http.ResponseWriter, r *http.Request) {
	if route, ok := w.policy.FindRoute(r); ok {
		w.log.Trace().Str("url", r.URL.String()).Str("route", route.Prefix).Msg("Routing request")
		w.routes[route.Prefix].ServeHTTP(rw, r)
		return
	}
	if w.dataStore != nil && w.policy.IsDataStore(r) {
		w.log.Trace().Str("method", r.Method).Str("url", r.URL.String()).Msg("Forwarding to data store")
		w.dataStore.ServeHTTP(rw, r)
		return
	}
	w.log.Trace().Str("method", r.Method).Str("url", r.URL.String()).Msg("Passing through")
	w.origin.ServeHTTP(rw, r)
}

// networkFirst asks the network and only consults the cache when the network fails.
// If store is true, ok responses are stored in the background;
// the response to the client never waits for the cache write.
func (w *Worker) networkFirst(rw http.ResponseWriter, r *http.Request, store bool) {
	key := cachekey.GetKey(r)
	version := w.Version()
	log := w.log.With().Str("key", key).Logger()

	rwtee := tee.NewResponseSaver(rw, store)
	w.origin.ServeHTTP(rwtee, r)

	if err := rwtee.Err(); err != nil {
		log.Debug().Err(err).Msg("Network failed, trying cache")
		w.fallback(rw, r, key, err)
		return
	}

	cs := rfc9211.CacheStatus{Cache: CacheName}
	cs.Forward(rfc9211.FwdReasonUriMiss)
	if store && rwtee.OK() && rwtee.Complete() {
		bts, err := serializer.ResponseToBytes(rwtee.StatusCode(), rwtee.SentHeader(), rwtee.Body())
		if err != nil {
			log.Error().Err(err).Msg("Could not serialize response")
		} else if w.enqueue(writeJob{
			version: version,
			key:     key,
			entry:   cache.Entry{Key: key, StoredAt: time.Now(), Bytes: bts},
		}) {
			cs.Stored = true
		}
	} else if store {
		log.Trace().Int("status", rwtee.StatusCode()).Msg("Non-cacheable response")
	}
	w.logRequest(r, rwtee.StatusCode(), cs)
}

// fallback serves the stored response for key, or propagates the network failure.
func (w *Worker) fallback(rw http.ResponseWriter, r *http.Request, key string, netErr error) {
	entry, ok := w.match(r.Context(), key)
	if !ok {
		cs := rfc9211.CacheStatus{Cache: CacheName}
		cs.Forward(rfc9211.FwdReasonUriMiss)
		w.log.Warn().Err(netErr).Str("key", key).Msg("Network failed and nothing cached")
		w.logRequest(r, http.StatusBadGateway, cs)
		http.Error(rw, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	res, err := serializer.BytesToResponse(entry.Bytes, r)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not read stored response")
		http.Error(rw, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	cs := rfc9211.CacheStatus{Cache: CacheName, Detail: "network-error"}
	cs.Hit()
	w.send(rw, res, cs)
	w.logRequest(r, res.StatusCode, cs)
}

// match looks key up in the current generation.
// Lookup errors count as a miss.
func (w *Worker) match(ctx context.Context, key string) (cache.Entry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.current == nil {
		return cache.Entry{}, false
	}
	entry, ok, err := w.current.Match(ctx, key)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Str("version", w.Version()).Msg("Could not read from cache")
		return cache.Entry{}, false
	}
	return entry, ok
}

func (w *Worker) send(rw http.ResponseWriter, res *http.Response, status rfc9211.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(rw.Header(), res.Header)
	rw.Header().Add(rfc9211.HeaderName, status.String())
	rw.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(rw, res.Body)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not write response body to client")
	}
	w.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (w *Worker) logRequest(r *http.Request, statusCode int, cs rfc9211.CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	w.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("code", statusCode).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

// createDirector points requests at target.
// If stripPrefix is set, it is removed from the request path before joining it to the target path.
func createDirector(target *url.URL, hostHeader, stripPrefix string) func(req *http.Request) {
	return func(req *http.Request) {
		if stripPrefix != "" {
			req.URL.Path = "/" + strings.TrimPrefix(strings.TrimPrefix(req.URL.Path, stripPrefix), "/")
			req.URL.RawPath = ""
		}
		if target.Path != "" && target.Path != "/" {
			req.URL.Path = strings.TrimSuffix(target.Path, "/") + req.URL.Path
		}
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		if hostHeader != "" {
			req.Host = hostHeader
		}
		if _, ok := req.Header["User-Agent"]; !ok {
			// explicitly disable User-Agent so it's not set to default value
			req.Header.Set("User-Agent", "")
		}
	}
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// drop forwarding headers set by an upstream proxy,
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

var (
	ErrInvalidConfig = errors.New("assetcache: invalid config")
	ErrNotInstalled  = errors.New("assetcache: worker not installed")
	ErrClosed        = errors.New("assetcache: worker closed")
)
