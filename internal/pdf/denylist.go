package pdf

import (
	"net/url"
	"strings"
)

// HostDenylist is a set of lower-case host names. A host matches when it
// equals an entry or is a subdomain of one. The zero value blocks nothing.
type HostDenylist map[string]struct{}

// DefaultBlockedHosts are denied when no denylist is configured.
var DefaultBlockedHosts = []string{"hdl.handle.net"}

// NewHostDenylist builds a denylist from hosts, ignoring blanks.
func NewHostDenylist(hosts []string) HostDenylist {
	list := make(HostDenylist, len(hosts))
	for _, h := range hosts {
		h = strings.Trim(strings.ToLower(strings.TrimSpace(h)), ".")
		if h != "" {
			list[h] = struct{}{}
		}
	}
	return list
}

// BlockedHost reports whether host is denied.
func (l HostDenylist) BlockedHost(host string) bool {
	host = strings.Trim(strings.ToLower(host), ".")
	if host == "" || len(l) == 0 {
		return false
	}
	for {
		if _, ok := l[host]; ok {
			return true
		}
		dot := strings.IndexByte(host, '.')
		if dot < 0 {
			return false
		}
		host = host[dot+1:]
	}
}

// Blocked reports whether rawURL points at a denied host.
func (l HostDenylist) Blocked(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	return l.BlockedHost(u.Hostname())
}

// FirstBlocked returns the first URL in urls that is denied, or "".
func (l HostDenylist) FirstBlocked(urls []string) string {
	for _, u := range urls {
		if l.Blocked(u) {
			return u
		}
	}
	return ""
}
