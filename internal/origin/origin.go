// Package origin validates browser Origin headers against a per-service
// allow-list, shared by the signaling and relay HTTP servers.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port], lowercase, default
// ports stripped) and the host[:port] portion for same-host comparisons.
// Only http and https origins are accepted. The special Origin value "null"
// is allowed and returned as-is.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	// An Origin header is scheme://host[:port] and nothing else: no
	// userinfo, path, query, or fragment.
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", "", false
	}

	port := 0
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return "", "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host = hostname
	if strings.Contains(hostname, ":") {
		// IPv6 literal; Hostname() strips the brackets, put them back.
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host = host + ":" + strconv.Itoa(port)
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether the normalized origin may access the given
// request host.
//
// When allowedOrigins is non-empty, each entry must be "*" or a normalized
// origin string as produced by NormalizeHeader. With an empty list the
// policy is same-host only: the origin's host[:port] must match the
// request's Host header, treating default ports as equivalent. The scheme
// is deliberately not compared, since a TLS-terminating reverse proxy in
// front of the service sees http requests for https origins.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	scheme := ""
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		// "null" cannot match a host-based request.
		return false
	}

	normalizedRequestHost, ok := normalizeRequestHost(requestHost, scheme)
	if !ok {
		return false
	}
	return originHost == normalizedRequestHost
}

// normalizeRequestHost lowercases a request Host header and strips the
// scheme's default port so it compares against NormalizeHeader's host form.
func normalizeRequestHost(requestHost, scheme string) (string, bool) {
	h := strings.ToLower(strings.TrimSpace(requestHost))
	if h == "" {
		return "", false
	}
	switch {
	case scheme == "http" && strings.HasSuffix(h, ":80"):
		h = strings.TrimSuffix(h, ":80")
	case scheme == "https" && strings.HasSuffix(h, ":443"):
		h = strings.TrimSuffix(h, ":443")
	}
	return h, true
}
