// Package rfc9211 writes the Cache-Status response header field (RFC 9211).
package rfc9211

import "fmt"

const HeaderName = "Cache-Status"

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"

	// The cache was able to select a fresh response for the
	// request, but the request's semantics did not allow its use.
	FwdReasonRequest FwdReason = "request"
)

type CacheStatus struct {
	// Name of the cache, e.g. the cache partition name.
	Cache     string
	Hit       bool
	FwdReason FwdReason
	// Status code the next hop returned, if the request was forwarded.
	FwdStatus int
	Detail    string
}

// Forward marks the response as forwarded for the given reason.
func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Hit = false
	cs.FwdReason = reason
}

// String returns the field value, e.g. `creation-studio-v1; fwd=request; fwd-status=200`.
func (cs CacheStatus) String() string {
	status := cs.Cache
	if cs.Hit {
		status += "; hit"
	} else if cs.FwdReason != "" {
		status = fmt.Sprintf("%s; fwd=%s", status, cs.FwdReason)
		if cs.FwdStatus != 0 {
			status = fmt.Sprintf("%s; fwd-status=%d", status, cs.FwdStatus)
		}
	}
	if cs.Detail != "" {
		status = status + "; detail=" + cs.Detail
	}
	return status
}
