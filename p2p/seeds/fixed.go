package seeds

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// ErrInvalidTarget reports a malformed host or host:port string.
var ErrInvalidTarget = errors.New("seeds: invalid target")

// SplitHostPort splits target into host and port, using defaultPort when
// target carries none. Bare IPv6 literals are accepted with or without
// brackets.
func SplitHostPort(target string, defaultPort uint16) (string, uint16, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", 0, fmt.Errorf("%w: empty", ErrInvalidTarget)
	}
	if ip, err := netip.ParseAddr(strings.Trim(target, "[]")); err == nil {
		return ip.String(), defaultPort, nil
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		if strings.Contains(target, ":") {
			return "", 0, fmt.Errorf("%w: %s", ErrInvalidTarget, target)
		}
		return target, defaultPort, nil
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: missing host in %s", ErrInvalidTarget, target)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("%w: bad port in %s", ErrInvalidTarget, target)
	}
	return host, uint16(port), nil
}

// ParseFixedSeeds parses built-in seed addresses. Every entry must be an IP
// literal, optionally with a port.
func ParseFixedSeeds(entries []string, defaultPort uint16) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(entries))
	var errs []error
	for _, entry := range entries {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		host, port, err := SplitHostPort(entry, defaultPort)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ip, err := netip.ParseAddr(host)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: fixed seed %s is not an IP address", ErrInvalidTarget, entry))
			continue
		}
		out = append(out, netip.AddrPortFrom(ip.Unmap(), port))
	}
	return out, errors.Join(errs...)
}
