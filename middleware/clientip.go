package middleware

import (
	"context"
	"net/http"

	"github.com/dmitrymomot/admission/pkg/clientip"
)

// clientIPContextKey is used as a key for storing client IP in request context.
type clientIPContextKey struct{}

// ClientIPConfig configures the client IP extraction middleware.
type ClientIPConfig struct {
	// Skip defines a function to skip middleware execution for specific requests
	Skip func(r *http.Request) bool
	// HeaderName specifies the response header name for the client IP (default: "X-Client-IP")
	HeaderName string
	// StoreInHeader determines whether to echo the IP in response headers
	StoreInHeader bool
}

// ClientIP stores the client IP of each request in its context.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithConfig(ClientIPConfig{})(next)
}

// ClientIPWithConfig extracts the real client IP address from proxy headers
// and stores it in the request context for GetClientIP.
func ClientIPWithConfig(cfg ClientIPConfig) func(http.Handler) http.Handler {
	if cfg.HeaderName == "" {
		cfg.HeaderName = "X-Client-IP"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Skip != nil && cfg.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientip.GetIP(r)
			if cfg.StoreInHeader {
				w.Header().Set(cfg.HeaderName, ip)
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIPContextKey{}, ip)))
		})
	}
}

// GetClientIP retrieves the client IP address from the request context.
// Returns the IP address and a boolean indicating whether it was found.
func GetClientIP(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(clientIPContextKey{}).(string)
	return ip, ok
}

// requestIP prefers the IP stored by ClientIP and extracts it otherwise.
func requestIP(r *http.Request) string {
	if ip, ok := GetClientIP(r.Context()); ok {
		return ip
	}
	return clientip.GetIP(r)
}
