package channel

import (
	"net/url"
	"sort"
	"strings"
)

// OriginAllowList is the single place origins are trusted. Origins compare by
// scheme, host and port.
type OriginAllowList struct {
	origins map[string]struct{}
}

func NewOriginAllowList(origins ...string) *OriginAllowList {
	a := &OriginAllowList{origins: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		if n, ok := normalizeOrigin(o); ok {
			a.origins[n] = struct{}{}
		}
	}
	return a
}

func (a *OriginAllowList) Allowed(origin string) bool {
	if a == nil {
		return false
	}
	n, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, ok = a.origins[n]
	return ok
}

func (a *OriginAllowList) Empty() bool {
	return a == nil || len(a.origins) == 0
}

func (a *OriginAllowList) Origins() []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.origins))
	for o := range a.origins {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

func normalizeOrigin(origin string) (string, bool) {
	origin = strings.TrimSpace(origin)
	if origin == "" || origin == "null" {
		return "", false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, true
}
