// SPDX-License-Identifier: MIT

// Package net validates operator-configured outbound endpoints before
// the daemon will call them: the payment processor base URL and any
// platform base URL overrides. Endpoints must be plain https URLs with
// a resolvable-looking host; http is accepted only toward loopback,
// which covers local stubs in development.
package net

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeHost validates and canonicalizes a bare host: IDNA-encoded,
// lowercased, no scheme, path, port, userinfo or IPv6 zone.
func NormalizeHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if strings.Contains(host, "://") {
		return "", fmt.Errorf("host must not include scheme: %s", raw)
	}
	if strings.Contains(host, "/") {
		return "", fmt.Errorf("host must not include path: %s", raw)
	}
	if strings.Contains(host, "@") {
		return "", fmt.Errorf("host must not include userinfo: %s", raw)
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return "", fmt.Errorf("host must not include port: %s", raw)
	}
	if strings.Contains(host, "%") {
		return "", fmt.Errorf("host must not include zone: %s", raw)
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if ip := net.ParseIP(host); ip != nil {
		return strings.ToLower(ip.String()), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", raw, err)
	}
	return strings.ToLower(ascii), nil
}

// ValidateEndpoint checks an outbound base URL and returns it with the
// host canonicalized. https is required unless allowInsecure is set or
// the host is loopback. IP literals that cannot be a real peer
// (unspecified, multicast, link-local) are rejected outright.
func ValidateEndpoint(raw string, allowInsecure bool) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("endpoint url empty")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing url host")
	}
	if u.User != nil {
		return nil, fmt.Errorf("userinfo not allowed")
	}
	if u.Fragment != "" {
		return nil, fmt.Errorf("fragments not allowed")
	}

	host, err := NormalizeHost(u.Hostname())
	if err != nil {
		return nil, err
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsUnspecified() || ip.IsMulticast() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return nil, fmt.Errorf("unroutable endpoint ip %s", ip)
		}
	}
	if scheme == "http" && !allowInsecure && !isLoopbackHost(host) {
		return nil, fmt.Errorf("plain http only allowed toward loopback")
	}

	u.Scheme = scheme
	u.Host = joinHostPort(host, u.Port())
	return u, nil
}

// SanitizeURL strips userinfo and query parameters for safe logging.
func SanitizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func joinHostPort(host, port string) string {
	if port == "" {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}
