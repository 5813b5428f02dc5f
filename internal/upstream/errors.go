package upstream

import "errors"

// ErrCookieExpired signals that the platform upstream rejected the supplied
// session cookie (a semantic failure, not a transport one): callers must
// surface apierrors.ErrCodeCookieExpired and MUST NOT retry with a
// different proxy, per spec §4.A.
var ErrCookieExpired = errors.New("upstream: session cookie expired")

// ErrBlockedHost signals the SSRF guard refused to dial a target because it
// resolved to a disallowed address range.
var ErrBlockedHost = errors.New("upstream: target host is not allowed")
