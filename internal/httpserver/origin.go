package httpserver

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// WithOriginPolicy enforces the browser Origin policy on a handler.
//
// Requests without an Origin header pass through untouched (non-browser
// clients). Browser requests must come from an allowed origin: an entry in
// cfg.AllowedOrigins, or the request's own host when the allowlist is empty.
// Allowed cross-origin requests get CORS response headers, including basic
// preflight handling.
func (s *Server) WithOriginPolicy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		normalized, originHost, ok := normalizeOrigin(originHeader)
		if !ok || !s.originAllowed(normalized, originHost, r.Host) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", normalized)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			if reqHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); reqHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(normalized, originHost, requestHost string) bool {
	if len(s.cfg.AllowedOrigins) > 0 {
		for _, allowed := range s.cfg.AllowedOrigins {
			if allowed == "*" || allowed == normalized {
				return true
			}
		}
		return false
	}

	// Default policy: same host[:port]. Scheme is deliberately not compared
	// since a TLS-terminating proxy in front of the relay makes the request
	// look like HTTP while the browser Origin says HTTPS.
	if normalized == "null" {
		return false
	}
	scheme := normalized[:strings.Index(normalized, ":")]
	return originHost == canonicalHost(requestHost, scheme)
}

// normalizeOrigin validates a browser Origin header and returns the
// canonical "scheme://host[:port]" form plus the host part on its own.
// The opaque Origin value "null" is passed through as-is.
func normalizeOrigin(header string) (normalized, host string, ok bool) {
	if header == "null" {
		return "null", "", true
	}

	u, err := url.Parse(header)
	if err != nil || u.Host == "" || u.User != nil ||
		u.RawQuery != "" || u.Fragment != "" ||
		(u.Path != "" && u.Path != "/") {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host = canonicalHost(u.Host, scheme)
	if host == "" {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHost lowercases a host[:port] authority and strips the port when
// it is the default for the scheme. Returns "" when the value is not a
// valid authority.
func canonicalHost(rawHost, scheme string) string {
	rawHost = strings.ToLower(strings.TrimSpace(rawHost))
	if rawHost == "" {
		return ""
	}

	hostname, port, err := net.SplitHostPort(rawHost)
	if err != nil {
		// No port present. net.SplitHostPort rejects a bare host.
		hostname, port = rawHost, ""
		if strings.Count(rawHost, ":") > 0 && !strings.HasPrefix(rawHost, "[") {
			return ""
		}
	}
	if hostname == "" {
		return ""
	}

	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}

	host := hostname
	if strings.Contains(hostname, ":") && !strings.HasPrefix(hostname, "[") {
		host = "[" + hostname + "]"
	}
	if port != "" {
		host = host + ":" + port
	}
	return host
}
