package http

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"github.com/yanqian/cropsense/internal/domain/endpoint"
	"github.com/yanqian/cropsense/internal/infra/config"
)

// PageDetector recovers the page a tab was loaded from. Only configured
// origins, hosts behind trusted proxies and loopback names are believed;
// anything else resolves to the configured public URL, so a caller cannot
// point outbound calls at a host of its choosing.
type PageDetector struct {
	origins map[string]endpoint.Page
	hosts   map[string]endpoint.Page
	proxies []netip.Prefix
	public  endpoint.Page
}

// NewPageDetector builds a detector from the HTTP configuration.
func NewPageDetector(cfg config.HTTPConfig) (*PageDetector, error) {
	d := &PageDetector{
		origins: make(map[string]endpoint.Page),
		hosts:   make(map[string]endpoint.Page),
	}
	for _, origin := range cfg.AllowedOrigins {
		if strings.TrimSpace(origin) == "*" {
			continue
		}
		key, page, err := parseOrigin(origin)
		if err != nil {
			return nil, fmt.Errorf("allowed origin %q: %w", origin, err)
		}
		d.origins[key] = page
		d.hosts[page.Hostname] = page
	}
	if cfg.PublicURL != "" {
		_, page, err := parseOrigin(cfg.PublicURL)
		if err != nil {
			return nil, fmt.Errorf("public url %q: %w", cfg.PublicURL, err)
		}
		d.public = page
		d.hosts[page.Hostname] = page
	}
	for _, proxy := range cfg.TrustedProxies {
		prefix, err := parseProxy(proxy)
		if err != nil {
			return nil, err
		}
		d.proxies = append(d.proxies, prefix)
	}
	return d, nil
}

// Page returns the page context used to resolve the API base for r.
func (d *PageDetector) Page(r *http.Request) endpoint.Page {
	if origin := r.Header.Get("Origin"); origin != "" {
		if key, _, err := parseOrigin(origin); err == nil {
			if page, ok := d.origins[key]; ok {
				return page
			}
		}
	}

	protocol := "http"
	if r.TLS != nil {
		protocol = "https"
	}
	host := r.Host
	if d.fromTrustedProxy(r.RemoteAddr) {
		if fwd := firstValue(r.Header.Get("X-Forwarded-Proto")); fwd != "" {
			protocol = fwd
		}
		if fwd := firstValue(r.Header.Get("X-Forwarded-Host")); fwd != "" {
			return endpoint.Page{Protocol: protocol, Hostname: stripPort(fwd)}
		}
	}

	host = stripPort(host)
	if endpoint.IsLoopback(host) {
		return endpoint.Page{Protocol: protocol, Hostname: host}
	}
	if page, ok := d.hosts[strings.ToLower(host)]; ok {
		return page
	}
	return d.public
}

func (d *PageDetector) fromTrustedProxy(remoteAddr string) bool {
	if len(d.proxies) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range d.proxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseOrigin(raw string) (string, endpoint.Page, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(raw), "/"))
	if err != nil {
		return "", endpoint.Page{}, err
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Hostname() == "" {
		return "", endpoint.Page{}, fmt.Errorf("not an http(s) origin")
	}
	hostname := strings.ToLower(u.Hostname())
	return scheme + "://" + strings.ToLower(u.Host), endpoint.Page{Protocol: scheme, Hostname: hostname}, nil
}

func parseProxy(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if prefix, err := netip.ParsePrefix(raw); err == nil {
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("trusted proxy %q is not an IP or CIDR", raw)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.Trim(host, "[]")
}

func firstValue(header string) string {
	if header == "" {
		return ""
	}
	return strings.TrimSpace(strings.Split(header, ",")[0])
}
