package service

import (
	"net/url"
	"strings"
)

// urlMatches reports whether requestURL is covered by an allow-list
// pattern. Scheme, host, and path must all match; query strings on both
// sides are ignored. A pattern host of the form "*.example.com" matches
// exactly one additional non-empty subdomain label ("api.example.com" but
// not "example.com" nor "a.b.example.com"). A "*" anywhere else in the
// pattern never matches anything.
func urlMatches(pattern, requestURL string) bool {
	p, err := url.Parse(pattern)
	if err != nil {
		return false
	}
	r, err := url.Parse(requestURL)
	if err != nil {
		return false
	}
	if p.Scheme != r.Scheme || p.Path != r.Path {
		return false
	}
	if strings.Contains(p.Scheme, "*") || strings.Contains(p.Path, "*") {
		return false
	}

	if !strings.Contains(p.Host, "*") {
		return p.Host == r.Host
	}
	base, ok := strings.CutPrefix(p.Host, "*.")
	if !ok || strings.Contains(base, "*") {
		return false
	}
	label, rest, found := strings.Cut(r.Host, ".")
	if !found || label == "" || strings.Contains(label, "*") {
		return false
	}
	return rest == base
}

// urlAllowed reports whether requestURL matches any allow-list entry.
func urlAllowed(allowList []string, requestURL string) bool {
	for _, pattern := range allowList {
		if urlMatches(pattern, requestURL) {
			return true
		}
	}
	return false
}
