// Package allowlist restricts HTTP endpoints to configured client networks.
package allowlist

import (
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
)

// List is a set of allowed prefixes. An empty list allows everyone.
type List struct {
	prefixes []netip.Prefix
	logger   *slog.Logger
}

// New parses IPs and CIDRs. Invalid entries are logged and skipped.
func New(entries []string, logger *slog.Logger) *List {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	l := &List{logger: logger}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				logger.Warn("invalid CIDR in allowed_ips", "cidr", e, "error", err)
				continue
			}
			l.prefixes = append(l.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			logger.Warn("invalid IP in allowed_ips", "ip", e)
			continue
		}
		addr = addr.Unmap()
		l.prefixes = append(l.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return l
}

// Len returns the number of allowed networks
func (l *List) Len() int {
	return len(l.prefixes)
}

// Allows reports whether addr may connect
func (l *List) Allows(addr netip.Addr) bool {
	if len(l.prefixes) == 0 {
		return true
	}
	addr = addr.Unmap()
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientAddr returns the client address of r. The first X-Forwarded-For
// entry wins, then X-Real-IP, then the connection's remote address.
func ClientAddr(r *http.Request) (netip.Addr, bool) {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr, true
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr, true
		}
	}
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr(), true
	}
	addr, err := netip.ParseAddr(r.RemoteAddr)
	return addr, err == nil
}

// Middleware rejects requests from clients outside the list with 403
func (l *List) Middleware(next http.Handler) http.Handler {
	if len(l.prefixes) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := ClientAddr(r)
		if !ok {
			l.logger.Warn("could not parse client IP", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if !l.Allows(addr) {
			l.logger.Warn("access denied by allowlist", "ip", addr.String(), "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
