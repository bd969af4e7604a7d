// Package ipfilter restricts the admin and metrics listeners to configured
// addresses and networks.
package ipfilter

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Filter checks client addresses against a list of allowed prefixes.
// An empty allow list admits everyone.
type Filter struct {
	allowed []netip.Prefix
	proxies []netip.Prefix
	logger  *slog.Logger
}

// Option configures a Filter
type Option func(*Filter)

// WithTrustedProxies makes the filter honor X-Forwarded-For and X-Real-IP,
// but only on requests whose peer address is one of the given proxies.
func WithTrustedProxies(proxies []string) Option {
	return func(f *Filter) {
		f.proxies = parsePrefixes(proxies, "trusted_proxies", f.logger)
	}
}

// New creates a filter from IPs and CIDRs. Invalid entries are logged and
// ignored.
func New(allowedIPs []string, logger *slog.Logger, opts ...Option) *Filter {
	f := &Filter{logger: logger}
	f.allowed = parsePrefixes(allowedIPs, "allowed_ips", logger)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func parsePrefixes(entries []string, field string, logger *slog.Logger) []netip.Prefix {
	var out []netip.Prefix
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				logger.Warn("invalid CIDR", "field", field, "cidr", entry, "error", err)
				continue
			}
			out = append(out, p.Masked())
			continue
		}

		addr, err := netip.ParseAddr(entry)
		if err != nil {
			logger.Warn("invalid IP", "field", field, "ip", entry, "error", err)
			continue
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out
}

// Enabled reports whether any allow entry is configured
func (f *Filter) Enabled() bool {
	return len(f.allowed) > 0
}

// Count returns the number of allowed prefixes
func (f *Filter) Count() int {
	return len(f.allowed)
}

// IsAllowed reports whether addr may connect
func (f *Filter) IsAllowed(addr netip.Addr) bool {
	if len(f.allowed) == 0 {
		return true
	}
	return contains(f.allowed, addr)
}

func contains(prefixes []netip.Prefix, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientAddr returns the address a request is judged by. Forwarding headers
// count only when the peer is a trusted proxy.
func (f *Filter) ClientAddr(r *http.Request) (netip.Addr, bool) {
	peer, ok := parseHostPort(r.RemoteAddr)
	if !ok {
		return netip.Addr{}, false
	}
	if len(f.proxies) == 0 || !contains(f.proxies, peer) {
		return peer, true
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr.Unmap(), true
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr.Unmap(), true
		}
	}
	return peer, true
}

func parseHostPort(s string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		host = s
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// HTTPMiddleware rejects requests from addresses outside the allow list
// with 403.
func (f *Filter) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		addr, ok := f.ClientAddr(r)
		if !ok {
			f.logger.Warn("could not parse client IP", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if !f.IsAllowed(addr) {
			f.logger.Warn("access denied by IP filter", "ip", addr.String(), "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
