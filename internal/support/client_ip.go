package support

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// GetClientIP returns the address of the caller. Forwarding headers are only
// honoured when TRUST_PROXY_HEADERS is enabled.
// The result is empty when no valid address can be found.
func GetClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}

	if GetEnvBool("TRUST_PROXY_HEADERS", false) {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return parseIP(host)
}

func parseIP(raw string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return addr.WithZone("").Unmap().String()
}
