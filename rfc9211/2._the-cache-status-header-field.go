package rfc9211

import (
	"fmt"
	"strings"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates how caches have
// §     handled that response and its corresponding request.

// HeaderName is the name of the response header field.
const HeaderName = "Cache-Status"

type Status string

const (
	// §  2.1.  The hit Parameter
	// §
	// §     "hit", when true, indicates that the request was satisfied by the
	// §     cache; that is, it was not forwarded, and the response was obtained
	// §     from the cache.
	StatusHit Status = "hit"
	// §  2.2.  The fwd Parameter
	// §
	// §     "fwd" indicates that the request went forward towards the origin.
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// §     bypass:  The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"
	// §     method:  The request method's semantics require the request to be
	// §        forwarded.
	FwdReasonMethod FwdReason = "method"
	// §     uri-miss:  The cache did not contain any responses that matched the
	// §        request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
	// §     miss:  The cache did not contain any responses that could be used to
	// §        satisfy this request.
	FwdReasonMiss FwdReason = "miss"
)

// CacheStatus is a single member of the Cache-Status list,
// i.e. the view of one cache on one response.
type CacheStatus struct {
	// Cache identifies the cache in the header value.
	Cache     string
	Status    Status
	FwdReason FwdReason
	// §  2.5.  The stored Parameter
	// §
	// §     "stored" indicates whether the cache stored the response (see
	// §     [HTTP-CACHING]); a true value indicates that it did.
	Stored bool
	// §  2.8.  The detail Parameter
	// §
	// §     "detail" allows implementations to convey additional information not
	// §     captured in other parameters, such as implementation-specific states
	// §     or other caching-related metrics.
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// IsHit reports whether the response was served from the cache.
func (cs CacheStatus) IsHit() bool {
	return cs.Status == StatusHit
}

// String returns the header value, e.g. `Kiply; fwd=uri-miss; stored`.
func (cs CacheStatus) String() string {
	parts := []string{cs.Cache}
	switch cs.Status {
	case StatusHit:
		parts = append(parts, string(StatusHit))
	case StatusFwd:
		if cs.FwdReason != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", StatusFwd, cs.FwdReason))
		}
	}
	if cs.Stored {
		parts = append(parts, "stored")
	}
	if cs.Detail != "" {
		parts = append(parts, "detail="+cs.Detail)
	}
	return strings.Join(parts, "; ")
}
