// Package clientip extracts the real client IP address from HTTP requests.
//
// Headers are checked in this order:
//  1. CF-Connecting-IP (Cloudflare)
//  2. DO-Connecting-IP (DigitalOcean)
//  3. X-Forwarded-For, leftmost entry
//  4. X-Real-IP
//  5. RemoteAddr
//
// Invalid and unspecified (0.0.0.0, ::) addresses are skipped, and valid ones
// are normalized with net.IP.String. Only trust these headers when the
// service sits behind a proxy that overwrites them; the IP scope of a rate
// limit rule is only as strong as this value.
//
//	ip := clientip.GetIP(r)
package clientip
