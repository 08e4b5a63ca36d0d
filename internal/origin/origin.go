// Package origin implements the browser Origin allowlist consulted before a
// signaling WebSocket upgrade is accepted.
package origin

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Allowlist decides whether a browser Origin header may open a signaling
// connection.
//
// An empty allowlist accepts every origin, which is the development default;
// production deployments are expected to set ALLOWED_ORIGINS. A "*" entry
// also accepts everything. Otherwise the normalized origin must match one of
// the configured entries exactly.
type Allowlist struct {
	allowAll bool
	allowed  map[string]struct{}
}

// NewAllowlist builds an Allowlist from configured entries. Each entry must
// be "*" or a valid http(s) origin; entries are normalized so that
// "HTTPS://Example.com:443/" and "https://example.com" configure the same
// origin.
func NewAllowlist(entries []string) (*Allowlist, error) {
	a := &Allowlist{allowed: make(map[string]struct{})}
	if len(entries) == 0 {
		a.allowAll = true
		return a, nil
	}
	for _, entry := range entries {
		if strings.TrimSpace(entry) == "*" {
			a.allowAll = true
			continue
		}
		normalized, ok := Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid allowed origin %q", entry)
		}
		a.allowed[normalized] = struct{}{}
	}
	return a, nil
}

// Allow reports whether a request with the given Origin header may connect.
//
// An absent Origin header is allowed: non-browser clients (CLI tools, native
// apps, tests) do not send one, and the header carries no authority anyway.
func (a *Allowlist) Allow(originHeader string) bool {
	if a == nil || a.allowAll {
		return true
	}
	if strings.TrimSpace(originHeader) == "" {
		return true
	}
	normalized, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	_, found := a.allowed[normalized]
	return found
}

// Normalize validates an Origin value and returns it in canonical
// scheme://host[:port] form, with the scheme and hostname lowercased and
// default ports elided. The special value "null" is returned as-is.
func Normalize(originHeader string) (string, bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	rawHostname, rawPort, ok := splitHostPort(u.Host)
	if !ok {
		return "", false
	}
	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host = host + ":" + strconv.FormatUint(port, 10)
	}
	return scheme + "://" + host, true
}

// splitHostPort splits an authority host[:port] string. The hostname is
// returned without brackets for IPv6 literals; the port is returned as-is and
// is empty when absent.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") {
			return "", "", false
		}
		port = rest[1:]
		if port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		hostname, port, _ = strings.Cut(rawHost, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 literals are not valid in the authority component.
		return "", "", false
	}
}
