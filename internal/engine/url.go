package engine

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes a blog URL so that two spellings of the same
// post map to the same job key: scheme and host are lowercased, a leading
// "www." host label is stripped, the fragment is dropped, and a trailing
// slash is removed.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	host = strings.TrimPrefix(host, "www.")
	if port := u.Port(); port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

// URLHost returns the host of an already-normalized URL.
func URLHost(normalizedURL string) string {
	u, err := url.Parse(normalizedURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// HostMatchesDomain reports whether host is the registered domain itself or
// one of its subdomains. The publisher domain is compared without a leading
// "www." label, matching NormalizeURL.
func HostMatchesDomain(host, domain string) bool {
	host = strings.ToLower(host)
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
