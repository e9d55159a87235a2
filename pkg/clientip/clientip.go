package clientip

import (
	"net"
	"net/http"
	"strings"
)

var proxyHeaders = []string{
	"CF-Connecting-IP",
	"DO-Connecting-IP",
	"X-Forwarded-For",
	"X-Real-IP",
}

// GetIP returns the client IP for r. Proxy headers are checked in priority
// order and the first valid address wins; X-Forwarded-For contributes its
// leftmost entry. Falls back to RemoteAddr, returned raw when it is not a
// valid host:port or IP.
func GetIP(r *http.Request) string {
	for _, name := range proxyHeaders {
		value := r.Header.Get(name)
		if value == "" {
			continue
		}
		if name == "X-Forwarded-For" {
			value, _, _ = strings.Cut(value, ",")
		}
		if ip := normalize(value); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := normalize(host); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

func normalize(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil || ip.IsUnspecified() {
		return ""
	}
	return ip.String()
}
