package serviceresolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

const resolvConfPath = "/etc/resolv.conf"

var ErrNoRecords = errors.New("no SRV records found")

// ResolveHubAddress looks up the SRV records of name and returns "host:port"
// of the preferred target: lowest priority first, then highest weight.
// server is the DNS server to ask ("host:port"); when empty the first
// nameserver from /etc/resolv.conf is used.
func ResolveHubAddress(ctx context.Context, name, server string) (string, error) {
	if server == "" {
		var err error
		server, err = systemResolver()
		if err != nil {
			return "", err
		}
	}

	records, err := lookupSRV(ctx, name, server)
	if err != nil {
		return "", err
	}
	best := pickTarget(records)
	if best == nil {
		return "", fmt.Errorf("%w for %s", ErrNoRecords, name)
	}
	host := strings.TrimSuffix(best.Target, ".")
	return net.JoinHostPort(host, strconv.Itoa(int(best.Port))), nil
}

func systemResolver() (string, error) {
	cfg, err := dns.ClientConfigFromFile(resolvConfPath)
	if err != nil {
		return "", fmt.Errorf("failed to read resolver config: %w", err)
	}
	if len(cfg.Servers) == 0 {
		return "", errors.New("no nameserver configured")
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port), nil
}

func lookupSRV(ctx context.Context, name, server string) ([]*dns.SRV, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeSRV)
	m.RecursionDesired = true

	c := new(dns.Client)
	in, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup of %s failed: %w", name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("SRV lookup of %s failed: %s", name, dns.RcodeToString[in.Rcode])
	}

	records := make([]*dns.SRV, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	return records, nil
}

func pickTarget(records []*dns.SRV) *dns.SRV {
	var best *dns.SRV
	for _, srv := range records {
		switch {
		case best == nil:
			best = srv
		case srv.Priority < best.Priority:
			best = srv
		case srv.Priority == best.Priority && srv.Weight > best.Weight:
			best = srv
		}
	}
	return best
}
