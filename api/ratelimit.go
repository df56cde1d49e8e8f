package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/ironca/pki"
)

// issuanceLimiter enforces a fixed-window cap on issuance requests per
// client IP. Each issuance creates custodial key material, so an
// unthrottled client can exhaust the custodian.
type issuanceLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*windowRecord
	now     func() time.Time
	swept   time.Time
}

type windowRecord struct {
	start time.Time
	count int
}

func newIssuanceLimiter(limit int, window time.Duration) *issuanceLimiter {
	return &issuanceLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[string]*windowRecord),
		now:     time.Now,
	}
}

// allow counts a request from ip and reports whether it is within the
// limit. When it is not, retryAfter is the time until the window resets.
func (l *issuanceLimiter) allow(ip string) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	rec, found := l.clients[ip]
	if !found || now.Sub(rec.start) >= l.window {
		l.clients[ip] = &windowRecord{start: now, count: 1}
		return true, 0
	}
	if rec.count >= l.limit {
		return false, rec.start.Add(l.window).Sub(now)
	}
	rec.count++
	return true, 0
}

// sweep drops expired records at most once per window. Caller holds mu.
func (l *issuanceLimiter) sweep(now time.Time) {
	if now.Sub(l.swept) < l.window {
		return
	}
	l.swept = now
	for ip, rec := range l.clients {
		if now.Sub(rec.start) >= l.window {
			delete(l.clients, ip)
		}
	}
}

// RateLimitIssuance rejects issuance requests beyond the configured
// per-client limit with 429.
func (a *API) RateLimitIssuance(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ok, retryAfter := a.limiter.allow(a.extractClientIP(r))
		if !ok {
			writeRateLimited(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, pki.CodeInvalidRequest, "too many issuance requests; try again later")
}

// retryAfterString renders d in whole seconds, rounded up, minimum 1.
func retryAfterString(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	return strconv.Itoa(max(secs, 1))
}

// extractClientIP returns the client address. X-Forwarded-For is honoured
// only when the direct peer is a trusted proxy; the rightmost untrusted
// hop is the client.
func (a *API) extractClientIP(r *http.Request) string {
	peer, ok := parseIPCandidate(r.RemoteAddr)
	if !ok {
		return r.RemoteAddr
	}
	if !isTrusted(peer, a.trustedProxies) {
		return peer
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip, ok := parseIPCandidate(hops[i])
		if !ok {
			break
		}
		if !isTrusted(ip, a.trustedProxies) {
			return ip
		}
	}
	return peer
}

func isTrusted(ip string, prefixes []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// parseIPCandidate accepts "ip" or "ip:port" (with brackets for IPv6).
func parseIPCandidate(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	addr, err := netip.ParseAddr(strings.Trim(raw, "[]"))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
