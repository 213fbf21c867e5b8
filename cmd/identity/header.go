package identity

import "net/http"

// DefaultHeader carries the caller's user id, set by the upstream auth proxy.
const DefaultHeader = "X-Parley-User-ID"

// FromHeader returns the trusted caller id from header (DefaultHeader when
// empty). The id is normalized; ok is false when it is missing or malformed.
func FromHeader(r *http.Request, header string) (string, bool) {
	if r == nil {
		return "", false
	}
	if header == "" {
		header = DefaultHeader
	}
	id := NormalizeUserID(r.Header.Get(header))
	if !ValidUserID(id) {
		return "", false
	}
	return id, true
}
