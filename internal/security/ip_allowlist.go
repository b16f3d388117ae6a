package security

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Allowlist is a set of networks permitted to reach admin endpoints. An
// empty list admits only loopback callers.
type Allowlist []*net.IPNet

func ParseAllowlist(cidrs []string) (Allowlist, error) {
	var out Allowlist
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if !strings.Contains(cidr, "/") {
			if ip := net.ParseIP(cidr); ip != nil && ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("admin allowlist entry %q: %w", cidr, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Allows reports whether the host part of addr is permitted.
func (a Allowlist) Allows(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if len(a) == 0 {
		return ip.IsLoopback()
	}
	for _, n := range a {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (a Allowlist) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allows(r.RemoteAddr) {
			WriteJSONError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}
