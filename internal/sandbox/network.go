package sandbox

import (
	"net"
	"net/url"
	"strings"
)

// CheckNetwork evaluates an outbound target (URL, host or host:port).
// Network access is denied unless enabled and the host is allow-listed.
func (p *Policy) CheckNetwork(target string) Verdict {
	host := normalizeHost(target)
	if host == "" {
		return deny(target, "empty network target")
	}
	if !p.network {
		return deny(host, "network access is disabled for this profile (%s)", host)
	}
	for _, allowed := range p.domains {
		if matchesHost(host, allowed) {
			return allow(host)
		}
	}
	return deny(host, "domain %s is not in the network allow-list", host)
}

// NetworkEnabled reports whether the profile permits any network access.
func (p *Policy) NetworkEnabled() bool { return p.network }

func normalizeHost(input string) string {
	host := strings.TrimSpace(strings.ToLower(input))
	if host == "" {
		return ""
	}
	if strings.Contains(host, "://") {
		if u, err := url.Parse(host); err == nil {
			host = u.Host
		}
	} else if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if i := strings.LastIndex(host, "@"); i >= 0 {
		host = host[i+1:]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	host = strings.TrimPrefix(host, ".")
	return strings.TrimSuffix(host, ".")
}

func matchesHost(target, allowed string) bool {
	if allowed == "" {
		return false
	}
	if target == allowed {
		return true
	}
	if strings.HasPrefix(allowed, "*.") {
		return strings.HasSuffix(target, strings.TrimPrefix(allowed, "*"))
	}
	return strings.HasSuffix(target, "."+allowed)
}
