package api

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	defaultRegisterMax           = 10
	defaultRegisterWindowSeconds = 3600
)

// registerLimiter throttles self-registration per source IP with a
// sliding window over a TTL cache. Entries expire on their own once an
// IP goes quiet, so the cache never needs an explicit sweep.
//
// The limiter fails open: any internal failure allows the request,
// because a cache hiccup must never block a legitimate device from its
// one provisioning call.
type registerLimiter struct {
	mu     sync.Mutex
	cache  *ttlcache.Cache[string, []time.Time]
	max    int
	window time.Duration
}

func newRegisterLimiter(maxRequests, windowSeconds int) *registerLimiter {
	if maxRequests <= 0 {
		maxRequests = defaultRegisterMax
	}
	if windowSeconds <= 0 {
		windowSeconds = defaultRegisterWindowSeconds
	}
	window := time.Duration(windowSeconds) * time.Second
	cache := ttlcache.New[string, []time.Time](
		ttlcache.WithTTL[string, []time.Time](window),
		ttlcache.WithDisableTouchOnHit[string, []time.Time](),
	)
	go cache.Start()
	return &registerLimiter{cache: cache, max: maxRequests, window: window}
}

// allow records one request from ip and reports whether it is within the
// window limit. The returned error signals limiter unavailability;
// callers treat it as allow.
func (l *registerLimiter) allow(ip string) (bool, error) {
	if l == nil || l.cache == nil {
		return true, errors.New("rate limiter unavailable")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	var stamps []time.Time
	if item := l.cache.Get(ip); item != nil {
		for _, t := range item.Value() {
			if t.After(cutoff) {
				stamps = append(stamps, t)
			}
		}
	}
	if len(stamps) >= l.max {
		l.cache.Set(ip, stamps, l.window)
		return false, nil
	}
	stamps = append(stamps, now)
	l.cache.Set(ip, stamps, l.window)
	return true, nil
}

func (l *registerLimiter) stop() {
	if l != nil && l.cache != nil {
		l.cache.Stop()
	}
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// ---------------------------------------------------------------------------
// Helper: extract client IP
// ---------------------------------------------------------------------------

// extractClientIP returns the client IP for rate limiting and audit,
// honoring proxy headers only for requests arriving from configured
// trusted proxies.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// if trustedProxies is non-empty AND the request's RemoteAddr falls
// within one of the trusted CIDR ranges; otherwise RemoteAddr wins. That
// keeps untrusted clients from spoofing their source IP via headers.
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}
		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	return remoteIP
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	if ip := net.ParseIP(s); ip != nil {
		return ip.String(), true
	}
	return "", false
}
