package endpoint

import (
	"net/url"
	"strings"
)

const apiSuffix = "/api"

// DefaultDevBaseURL is used when the page is served from a loopback host.
const DefaultDevBaseURL = "http://localhost:5001"

// Page describes where the client page was loaded from.
type Page struct {
	Protocol string
	Hostname string
}

// Resolver derives the recommendation service base URL.
type Resolver struct {
	override   string
	devBaseURL string
}

// NewResolver builds a Resolver. An empty devBaseURL falls back to DefaultDevBaseURL.
func NewResolver(override, devBaseURL string) *Resolver {
	if strings.TrimSpace(devBaseURL) == "" {
		devBaseURL = DefaultDevBaseURL
	}
	return &Resolver{
		override:   strings.TrimSpace(override),
		devBaseURL: strings.TrimSpace(devBaseURL),
	}
}

// Resolve returns the API base, always ending in exactly one "/api".
func (r *Resolver) Resolve(page Page) string {
	if r.override != "" {
		return withAPISuffix(r.override)
	}
	host := strings.Trim(strings.ToLower(strings.TrimSpace(page.Hostname)), "[]")
	if host == "" || IsLoopback(host) {
		return withAPISuffix(r.devBaseURL)
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	base := url.URL{Scheme: normalizeProtocol(page.Protocol), Host: host}
	return withAPISuffix(base.String())
}

// IsLoopback reports whether host names the local machine.
func IsLoopback(host string) bool {
	switch strings.Trim(strings.ToLower(host), "[]") {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func normalizeProtocol(protocol string) string {
	p := strings.ToLower(strings.TrimSpace(protocol))
	p = strings.TrimSuffix(p, ":")
	if p != "https" {
		return "http"
	}
	return p
}

func withAPISuffix(base string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	trimmed = strings.TrimSuffix(trimmed, apiSuffix)
	return strings.TrimRight(trimmed, "/") + apiSuffix
}
