package scoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Resolver turns a host name into addresses for ban list entries.
type Resolver interface {
	LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error)
}

type systemResolver struct {
	resolver *net.Resolver
}

func (s *systemResolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	return s.resolver.LookupNetIP(ctx, "ip", host)
}

// SystemResolver resolves through the Go runtime's default resolver.
func SystemResolver() Resolver {
	return &systemResolver{resolver: net.DefaultResolver}
}

const defaultDNSTimeout = 3 * time.Second

// DNSResolver queries A and AAAA records directly against a fixed set of
// nameservers, bypassing the host's resolver configuration.
type DNSResolver struct {
	client  *dns.Client
	servers []string
}

// NewDNSResolver returns a resolver for the given nameservers. Servers without
// a port use 53.
func NewDNSResolver(servers []string, timeout time.Duration) (*DNSResolver, error) {
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}
	normalized := make([]string, 0, len(servers))
	for _, raw := range servers {
		server := strings.TrimSpace(raw)
		if server == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(strings.Trim(server, "[]"), "53")
		}
		normalized = append(normalized, server)
	}
	if len(normalized) == 0 {
		return nil, errors.New("scoring: at least one nameserver required")
	}
	return &DNSResolver{
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		servers: normalized,
	}, nil
}

// LookupNetIP returns the IPv4 addresses of host followed by its IPv6 addresses.
func (r *DNSResolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	fqdn := dns.Fqdn(strings.TrimSpace(host))
	var (
		out     []netip.Addr
		lastErr error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		answers, err := r.query(ctx, fqdn, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, answers...)
	}
	if len(out) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no A or AAAA records for %s", fqdn)
		}
		return nil, lastErr
	}
	return out, nil
}

func (r *DNSResolver) query(ctx context.Context, fqdn string, qtype uint16) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = fmt.Errorf("query %s: %w", server, err)
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("query %s: %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}
		return addrsFromAnswer(resp.Answer), nil
	}
	return nil, lastErr
}

func addrsFromAnswer(answer []dns.RR) []netip.Addr {
	out := make([]netip.Addr, 0, len(answer))
	for _, rr := range answer {
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
	return out
}
