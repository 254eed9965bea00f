package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// RealIPConfig controls how the client address of an HTTP request is found
// when the control API sits behind a reverse proxy.
type RealIPConfig struct {
	// TrustedProxies are the CIDR blocks whose forwarding headers are
	// believed. An empty list disables header inspection.
	TrustedProxies []string
	// HeaderNames are checked in order.
	HeaderNames []string
}

// DefaultRealIPHeaders is the header order used when none is configured.
var DefaultRealIPHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"CF-Connecting-IP",
	"True-Client-IP",
}

// RealIPExtractor finds the client address of HTTP requests.
type RealIPExtractor struct {
	headers     []string
	trustedNets []*net.IPNet
}

func NewRealIPExtractor(config RealIPConfig) (*RealIPExtractor, error) {
	r := &RealIPExtractor{headers: config.HeaderNames}
	if len(r.headers) == 0 {
		r.headers = DefaultRealIPHeaders
	}
	for _, cidr := range config.TrustedProxies {
		if !strings.Contains(cidr, "/") {
			if ip := net.ParseIP(cidr); ip != nil && ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %s: %w", cidr, err)
		}
		r.trustedNets = append(r.trustedNets, network)
	}
	return r, nil
}

// ClientIP returns the address the request came from. Forwarding headers
// are honoured only when the immediate peer is a trusted proxy.
func (r *RealIPExtractor) ClientIP(req *http.Request) string {
	immediate, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		immediate = req.RemoteAddr
	}
	if !r.isTrustedProxy(immediate) {
		return immediate
	}
	for _, name := range r.headers {
		if v := req.Header.Get(name); v != "" {
			if ip := firstPublicIP(v); ip != "" {
				return ip
			}
		}
	}
	return immediate
}

func (r *RealIPExtractor) isTrustedProxy(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, network := range r.trustedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// firstPublicIP picks the first non-private address of a comma separated
// header value such as "client, proxy1, proxy2", falling back to the first
// valid one.
func firstPublicIP(value string) string {
	first := ""
	for _, part := range strings.Split(value, ",") {
		ip := net.ParseIP(strings.TrimSpace(part))
		if ip == nil {
			continue
		}
		if !ip.IsPrivate() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
			return ip.String()
		}
		if first == "" {
			first = ip.String()
		}
	}
	return first
}
