package requestpolicy

import (
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Decision is what the worker does with an incoming request.
type Decision int

const (
	// Passthrough forwards the request untouched. The cache is never read or written.
	Passthrough Decision = iota
	// NetworkThenCache goes to the network, stores ok responses and falls back to the cache.
	NetworkThenCache
	// NetworkOnly goes to the network and falls back to the cache, but never stores.
	NetworkOnly
)

func (d Decision) String() string {
	switch d {
	case Passthrough:
		return "passthrough"
	case NetworkThenCache:
		return "network-then-cache"
	case NetworkOnly:
		return "network-only"
	}
	return "unknown"
}

// DefaultAssetExtensions are the static asset types eligible for storage:
// scripts, stylesheets, fonts and images.
var DefaultAssetExtensions = []string{
	".js", ".css",
	".woff", ".woff2",
	".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".ico", ".svg",
}

// DefaultAssetSegment marks bundler output regardless of extension.
const DefaultAssetSegment = "/assets/"

// Route sends requests with a path prefix to another upstream.
// Used for the third-party APIs the storefront calls during development.
type Route struct {
	Prefix string `yaml:"prefix"`
	Target string `yaml:"target"`
}

type Policy struct {
	// Host of the remote data store API. Requests to it are never intercepted.
	DataStoreHost   string
	AssetExtensions []string
	AssetSegment    string
	Routes          []Route
}

// New returns a policy with the default asset pattern.
func New(dataStoreHost string, routes ...Route) Policy {
	return Policy{
		DataStoreHost:   dataStoreHost,
		AssetExtensions: DefaultAssetExtensions,
		AssetSegment:    DefaultAssetSegment,
		Routes:          routes,
	}
}

// Decide returns how a request is handled.
// The order matters: method first, then the data store host, then routes.
func (p Policy) Decide(r *http.Request) Decision {
	if r.Method != http.MethodGet {
		return Passthrough
	}
	if p.IsDataStore(r) {
		return Passthrough
	}
	if _, ok := p.FindRoute(r); ok {
		return Passthrough
	}
	if p.IsAsset(r.URL) {
		return NetworkThenCache
	}
	return NetworkOnly
}

// IsAsset checks the URL against the static asset pattern.
func (p Policy) IsAsset(u *url.URL) bool {
	if p.AssetSegment != "" && strings.Contains(u.Path, p.AssetSegment) {
		return true
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		return false
	}
	for _, e := range p.AssetExtensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// IsDataStore reports whether the request targets the data store API host.
// The host of an absolute-form request wins over the Host header.
func (p Policy) IsDataStore(r *http.Request) bool {
	if p.DataStoreHost == "" {
		return false
	}
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	return sameHost(host, p.DataStoreHost)
}

// FindRoute returns the first route whose prefix matches the request path.
func (p Policy) FindRoute(r *http.Request) (Route, bool) {
	for _, route := range p.Routes {
		if route.Prefix != "" && strings.HasPrefix(r.URL.Path, route.Prefix) {
			return route, true
		}
	}
	return Route{}, false
}

// sameHost compares hosts case-insensitively, ignoring default ports.
func sameHost(a, b string) bool {
	return normalizeHost(a) == normalizeHost(b)
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSuffix(h, "."))
	if host, port, err := net.SplitHostPort(h); err == nil && (port == "80" || port == "443") {
		return host
	}
	return h
}
