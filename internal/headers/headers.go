package headers

import (
	"net/http"
	"strings"
)

// PreservePolicy controls which caching-related response headers are kept
// verbatim from the origin response instead of being replaced by the values
// the optimizer computed.
type PreservePolicy string

const (
	PreserveNone         PreservePolicy = "NONE"
	PreserveCacheControl PreservePolicy = "CACHE-CONTROL"
	PreserveAll          PreservePolicy = "ALL"
)

// Headers preserved under PreserveCacheControl.
var cacheControlHeaders = []string{"Cache-Control"}

// Headers preserved under PreserveAll.
var allCachingHeaders = []string{
	"Cache-Control",
	"Date",
	"ETag",
	"Expires",
	"Last-Modified",
}

// Snapshot is an immutable copy of a response status line and header set,
// taken at a fixed point in time so that later mutation of the source
// http.Header cannot be observed through it.
type Snapshot struct {
	StatusCode int
	Header     http.Header
}

// NewSnapshot deep-copies h into a new Snapshot.
func NewSnapshot(statusCode int, h http.Header) *Snapshot {
	copied := make(http.Header, len(h))
	for k, values := range h {
		copied[k] = append([]string(nil), values...)
	}
	return &Snapshot{StatusCode: statusCode, Header: copied}
}

// Clone returns an independent copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	return NewSnapshot(s.StatusCode, s.Header)
}

// Get returns the first value of the named header.
func (s *Snapshot) Get(key string) string {
	if s == nil {
		return ""
	}
	return s.Header.Get(key)
}

// Merge builds the response header set for a rewritten fetch: the rewritten
// headers win, except the caching headers selected by policy, which are
// carried over verbatim from the origin snapshot.
func Merge(origin, rewritten *Snapshot, policy PreservePolicy) *Snapshot {
	merged := rewritten.Clone()

	var preserved []string
	switch policy {
	case PreserveCacheControl:
		preserved = cacheControlHeaders
	case PreserveAll:
		preserved = allCachingHeaders
	default:
		return merged
	}

	for _, key := range preserved {
		if values, ok := origin.Header[http.CanonicalHeaderKey(key)]; ok {
			merged.Header[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
		} else {
			delete(merged.Header, http.CanonicalHeaderKey(key))
		}
	}
	return merged
}

// Cacheable reports whether the snapshot describes a response an optimizer
// cache is allowed to store.
func (s *Snapshot) Cacheable() bool {
	if s == nil || s.StatusCode != http.StatusOK {
		return false
	}
	cc := strings.ToLower(s.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return false
	}
	return true
}
