package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMalformedKey = fmt.Errorf("Malformed key")

// GetKey returns the cache key for a request.
// Only GET responses are ever stored, so the method is not part of the key.
// The key is the request URI (path and query); the fragment never reaches the server.
// Requests in absolute form (forward proxying) get the same key as origin-form requests.
func GetKey(r *http.Request) string {
	return r.URL.RequestURI()
}

// GetRequestFromKey generates a GET request that would result in the given key.
// The request has no scheme or host; callers resolve it against the origin.
func GetRequestFromKey(key string) (*http.Request, error) {
	if !strings.HasPrefix(key, "/") {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	u, err := url.ParseRequestURI(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return req, nil
}
