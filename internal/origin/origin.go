// Package origin normalizes browser Origin headers and decides whether a
// cross-origin caller may use the signaling endpoints.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Null is the opaque origin browsers send from sandboxed or file:// pages.
const Null = "null"

// Normalize validates a browser Origin value and returns it as
// scheme://host[:port] (lower-case, default port dropped) together with its
// host[:port] part. "null" is accepted and returned as-is with an empty host.
func Normalize(raw string) (normalized, host string, ok bool) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "":
		return "", "", false
	case Null:
		return Null, "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Policy is the relay's cross-origin rule. With no Allowed entries only
// same-host origins pass; otherwise an origin must be listed or "*" must be.
type Policy struct {
	Allowed []string
}

// Allows reports whether the normalized origin may call a server reached as
// requestHost. Schemes are not compared for the same-host rule because the
// relay is commonly behind a TLS-terminating proxy.
func (p Policy) Allows(normalized, originHost, requestHost string) bool {
	if len(p.Allowed) > 0 {
		for _, allowed := range p.Allowed {
			if allowed == "*" || allowed == normalized {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		// "null" has no host to match.
		return false
	}
	reqHost, ok := normalizeAuthority(strings.TrimSpace(requestHost), scheme)
	return ok && reqHost == originHost
}

// CheckRequest applies the policy to r. Requests without an Origin header are
// not browser cross-origin requests and always pass with an empty origin.
func (p Policy) CheckRequest(r *http.Request) (normalized string, ok bool) {
	values := r.Header.Values("Origin")
	switch len(values) {
	case 0:
		return "", true
	case 1:
	default:
		return "", false
	}
	if strings.TrimSpace(values[0]) == "" {
		return "", true
	}
	normalized, host, ok := Normalize(values[0])
	if !ok || !p.Allows(normalized, host, r.Host) {
		return "", false
	}
	return normalized, true
}

// normalizeAuthority lower-cases and IDNA-encodes the hostname, validates the
// port and drops it when it is the scheme default.
func normalizeAuthority(authority, scheme string) (string, bool) {
	hostname, port, ok := splitHostPort(authority)
	if !ok {
		return "", false
	}

	ipv6 := strings.Contains(hostname, ":")
	if !ipv6 {
		ascii, err := idna.Lookup.ToASCII(hostname)
		if err != nil {
			return "", false
		}
		hostname = ascii
	}
	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}

	var n uint64
	if port != "" {
		var err error
		n, err = strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
	}
	if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
		n = 0
	}

	out := hostname
	if ipv6 {
		out = "[" + hostname + "]"
	}
	if n != 0 {
		out += ":" + strconv.FormatUint(n, 10)
	}
	return out, true
}

// splitHostPort splits host[:port]. IPv6 literals must be bracketed and are
// returned without brackets.
func splitHostPort(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}

	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := authority[1:end], authority[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		port, found := strings.CutPrefix(rest, ":")
		if !found || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	hostname, port, found := strings.Cut(authority, ":")
	if !found {
		return authority, "", true
	}
	if hostname == "" || port == "" || strings.Contains(port, ":") {
		return "", "", false
	}
	return hostname, port, true
}
