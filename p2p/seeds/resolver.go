package seeds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ErrNoAddresses is returned when a host resolves to nothing usable.
var ErrNoAddresses = errors.New("seeds: no addresses found")

const defaultQueryTimeout = 5 * time.Second

// Resolver abstracts host lookups so tests can supply in-memory fixtures.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

// DNSResolver queries A and AAAA records from one upstream server.
type DNSResolver struct {
	server string
	client *dns.Client
}

// NewDNSResolver returns a resolver that queries server ("host:port") over
// UDP, falling back to TCP on truncation.
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &DNSResolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// NewSystemDNSResolver uses the first nameserver listed in resolvConf.
func NewSystemDNSResolver(resolvConf string, timeout time.Duration) (*DNSResolver, error) {
	cfg, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", resolvConf, err)
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("read %s: no nameservers", resolvConf)
	}
	return NewDNSResolver(net.JoinHostPort(cfg.Servers[0], cfg.Port), timeout), nil
}

// Server returns the upstream address.
func (r *DNSResolver) Server() string { return r.server }

func (r *DNSResolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	host = strings.TrimSpace(host)
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip.Unmap()}, nil
	}
	fqdn := dns.Fqdn(host)
	if fqdn == "." {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidTarget)
	}
	var (
		out  []netip.Addr
		errs []error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		addrs, err := r.query(ctx, fqdn, qtype)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, addrs...)
	}
	if len(out) == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, fmt.Errorf("%s: %w", host, ErrNoAddresses)
	}
	return dedupe(out), nil
}

func (r *DNSResolver) query(ctx context.Context, fqdn string, qtype uint16) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, qtype)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err == nil && resp.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: r.client.Timeout}
		resp, _, err = tcp.ExchangeContext(ctx, msg, r.server)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", fqdn, dns.TypeToString[qtype], err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s %s: %s", fqdn, dns.TypeToString[qtype], dns.RcodeToString[resp.Rcode])
	}
	var out []netip.Addr
	for _, rr := range resp.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, addr.Unmap())
		}
	}
	return out, nil
}

type netResolver struct {
	resolver *net.Resolver
}

func (n *netResolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	resolver := n.resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	for i, a := range addrs {
		addrs[i] = a.Unmap()
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%s: %w", host, ErrNoAddresses)
	}
	return dedupe(addrs), nil
}

// DefaultResolver exposes a resolver backed by the Go runtime's default DNS
// implementation.
func DefaultResolver() Resolver {
	return &netResolver{resolver: net.DefaultResolver}
}

func dedupe(in []netip.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(in))
	for _, a := range in {
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}
