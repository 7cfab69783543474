// Package enrich normalizes the addressing information of event records:
// it expands fqdn/url to IPs via DNS, attaches per-IP ASN and country code
// from the GeoIP databases, drops configured excluded IPs and records which
// fields it computed.
package enrich

import (
	"context"
	"net/netip"
	"net/url"
	"sort"
	"strings"

	"github.com/certhub/threatpipe/internal/event"
	"github.com/certhub/threatpipe/pkg/bus"
	"github.com/certhub/threatpipe/pkg/logger"
)

// Resolver performs the single A lookup the enricher needs.
type Resolver interface {
	LookupA(ctx context.Context, fqdn string) ([]string, error)
}

// ASNLookup maps an IP to its autonomous system number.
type ASNLookup interface {
	ASN(ip string) (int64, error)
}

// CCLookup maps an IP to its country code.
type CCLookup interface {
	CC(ip string) (string, error)
}

// DNSCache caches resolver results. Implementations must treat a miss as
// (nil, false).
type DNSCache interface {
	Get(ctx context.Context, fqdn string) ([]string, bool)
	Set(ctx context.Context, fqdn string, ips []string)
}

// Enricher augments event records. The resolver is required; the ASN lookup,
// the CC lookup and the cache are each optional and their absence simply
// narrows what gets added.
type Enricher struct {
	Resolver Resolver
	ASNDB    ASNLookup
	CCDB     CCLookup
	Cache    DNSCache

	excluded []netip.Prefix
	log      *logger.Logger
}

// New builds an enricher. excludedIPs entries may be single IPs or CIDR
// prefixes; unparseable entries are rejected.
func New(resolver Resolver, asnDB ASNLookup, ccDB CCLookup, cache DNSCache, excludedIPs []string, log *logger.Logger) (*Enricher, error) {
	excluded, err := parseExcludedIPs(excludedIPs)
	if err != nil {
		return nil, err
	}
	return &Enricher{
		Resolver: resolver,
		ASNDB:    asnDB,
		CCDB:     ccDB,
		Cache:    cache,
		excluded: excluded,
		log:      log,
	}, nil
}

func parseExcludedIPs(entries []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
			continue
		}
		a, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// Enrich mutates the record in place: derives and resolves the hostname,
// attaches ASN/CC per address entry, filters excluded IPs and records the
// enriched tuple. It never fails the record; per-subsystem failures narrow
// the result and are logged.
func (en *Enricher) Enrich(ctx context.Context, e *event.Event) {
	var fields []string
	perIP := make(map[string][]string)

	ipFromURL := ""
	if e.FQDN == "" && e.URL != "" {
		host := hostnameFromURL(e.URL)
		if host != "" {
			if addr, err := netip.ParseAddr(host); err == nil && addr.Is4() {
				ipFromURL = addr.String()
			} else {
				e.FQDN = strings.ToLower(strings.TrimSuffix(host, "."))
				fields = append(fields, "fqdn")
			}
		}
	}

	if len(e.Address) == 0 {
		switch {
		case e.FQDN != "" && !e.NoResolveFQDN:
			for _, ip := range en.resolve(ctx, e.FQDN) {
				e.Address = append(e.Address, event.Address{IP: ip})
				perIP[ip] = append(perIP[ip], "ip")
			}
		case ipFromURL != "":
			e.Address = []event.Address{{IP: ipFromURL}}
			perIP[ipFromURL] = append(perIP[ipFromURL], "ip")
		}
	}

	for i := range e.Address {
		addr := &e.Address[i]
		// pre-existing asn/cc are never trusted; only enricher-derived
		// values remain
		addr.ASN = 0
		addr.CC = ""
		if en.ASNDB != nil {
			if asn, err := en.ASNDB.ASN(addr.IP); err != nil {
				en.log.Warn().Err(err).Str("ip", addr.IP).Msg("ASN lookup failed")
			} else {
				addr.ASN = asn
				perIP[addr.IP] = append(perIP[addr.IP], "asn")
			}
		}
		if en.CCDB != nil {
			if cc, err := en.CCDB.CC(addr.IP); err != nil {
				en.log.Warn().Err(err).Str("ip", addr.IP).Msg("Country lookup failed")
			} else {
				addr.CC = cc
				perIP[addr.IP] = append(perIP[addr.IP], "cc")
			}
		}
	}

	e.Address = en.filterExcluded(e.Address, perIP)
	e.Address = event.SortAddresses(e.Address)
	if len(e.Address) == 0 {
		e.Address = nil
	}

	for ip := range perIP {
		sort.Strings(perIP[ip])
	}
	sort.Strings(fields)
	if fields == nil {
		fields = []string{}
	}
	e.Enriched = &event.Enriched{Fields: fields, PerIP: perIP}
}

// resolve answers the deduplicated, textually sorted A records of the fqdn,
// consulting the cache first. A DNS failure yields no addresses.
func (en *Enricher) resolve(ctx context.Context, fqdn string) []string {
	if en.Cache != nil {
		if ips, ok := en.Cache.Get(ctx, fqdn); ok {
			return ips
		}
	}
	ips, err := en.Resolver.LookupA(ctx, fqdn)
	if err != nil {
		en.log.Warn().Err(err).Str("fqdn", fqdn).Msg("DNS resolution failed")
		return nil
	}
	seen := make(map[string]struct{}, len(ips))
	var unique []string
	for _, ip := range ips {
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		unique = append(unique, ip)
	}
	sort.Strings(unique)
	if en.Cache != nil && len(unique) > 0 {
		en.Cache.Set(ctx, fqdn, unique)
	}
	return unique
}

func (en *Enricher) filterExcluded(addrs []event.Address, perIP map[string][]string) []event.Address {
	if len(en.excluded) == 0 {
		return addrs
	}
	kept := addrs[:0]
	for _, addr := range addrs {
		if en.isExcluded(addr.IP) {
			delete(perIP, addr.IP)
			continue
		}
		kept = append(kept, addr)
	}
	return kept
}

func (en *Enricher) isExcluded(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, prefix := range en.excluded {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// hostnameFromURL extracts the hostname, tolerating scheme-less and
// otherwise sloppy URLs the way feed data requires.
func hostnameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		// try once more with a scheme prepended
		u, err = url.Parse("http://" + rawURL)
		if err != nil {
			return ""
		}
	}
	return u.Hostname()
}

// OutputRoutingKey rewrites the incoming routing key for re-publication:
// the pipeline-stage segment becomes "enriched".
func OutputRoutingKey(routingKey string) string {
	rk := bus.ReplaceRoutingSegment(routingKey, "parsed", "enriched")
	if rk == routingKey {
		rk = bus.ReplaceRoutingSegment(routingKey, "aggregated", "enriched")
	}
	return rk
}
