package enrich

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// DNSResolver performs A lookups against a specific DNS server.
type DNSResolver struct {
	client *dns.Client
	server string
}

// NewDNSResolver builds a resolver; server is a "host:port" address.
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSResolver{
		client: &dns.Client{Timeout: timeout},
		server: server,
	}
}

// LookupA issues one A query and returns the textual IPv4 answers. CNAME
// chains are followed by the server; only A records of the final answer are
// used.
func (r *DNSResolver) LookupA(ctx context.Context, fqdn string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(fqdn), dns.TypeA)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, fmt.Errorf("A query for %q failed: %w", fqdn, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("A query for %q answered with rcode %s", fqdn, dns.RcodeToString[in.Rcode])
	}

	var ips []string
	for _, answer := range in.Answer {
		if a, ok := answer.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips, nil
}
