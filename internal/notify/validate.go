package notify

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrUnsafeURL is returned by ValidateURL for any destination that could
// steer a delivery toward internal infrastructure.
var ErrUnsafeURL = errors.New("unsafe webhook url")

// Hostnames that always resolve to the local machine or link-local scope.
var blockedHostnames = map[string]bool{
	"localhost":             true,
	"localhost.localdomain": true,
	"ip6-localhost":         true,
	"ip6-loopback":          true,
}

var blockedSuffixes = []string{".localhost", ".local", ".internal"}

// ValidateURL rejects webhook destinations that could be used for SSRF.
// Only HTTPS URLs pointing at public addresses pass: loopback and
// link-local hostnames, and private, loopback, link-local and unspecified
// IP literals (v4 and v6) are all rejected. Parse failures are rejected.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeURL, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be https", ErrUnsafeURL)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: host is required", ErrUnsafeURL)
	}

	lower := strings.ToLower(host)
	if blockedHostnames[lower] {
		return fmt.Errorf("%w: blocked hostname %q", ErrUnsafeURL, host)
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return fmt.Errorf("%w: blocked hostname %q", ErrUnsafeURL, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		if err := validateIP(ip); err != nil {
			return err
		}
	}
	return nil
}

// validateIP rejects addresses in non-public ranges: loopback (127/8, ::1),
// RFC1918 and ULA (10/8, 172.16/12, 192.168/16, fc00::/7), link-local
// (169.254/16, fe80::/10), the unspecified address, and 0/8.
func validateIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address %s", ErrUnsafeURL, ip)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address %s", ErrUnsafeURL, ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address %s", ErrUnsafeURL, ip)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address %s", ErrUnsafeURL, ip)
	}
	if v4 := ip.To4(); v4 != nil && v4[0] == 0 {
		return fmt.Errorf("%w: reserved address %s", ErrUnsafeURL, ip)
	}
	return nil
}
