package enrich

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/certhub/threatpipe/internal/event"
	"github.com/certhub/threatpipe/pkg/logger"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeResolver struct {
	ips     []string
	err     error
	queries []string
}

func (r *fakeResolver) LookupA(ctx context.Context, fqdn string) ([]string, error) {
	r.queries = append(r.queries, fqdn)
	if r.err != nil {
		return nil, r.err
	}
	return r.ips, nil
}

type fakeASN struct {
	asn  int64
	err  error
	seen []string
}

func (f *fakeASN) ASN(ip string) (int64, error) {
	f.seen = append(f.seen, ip)
	if f.err != nil {
		return 0, f.err
	}
	return f.asn, nil
}

type fakeCC struct {
	cc   string
	err  error
	seen []string
}

func (f *fakeCC) CC(ip string) (string, error) {
	f.seen = append(f.seen, ip)
	if f.err != nil {
		return "", f.err
	}
	return f.cc, nil
}

type mapCache struct {
	entries map[string][]string
	hits    int
	sets    int
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[string][]string{}}
}

func (c *mapCache) Get(ctx context.Context, fqdn string) ([]string, bool) {
	ips, ok := c.entries[fqdn]
	if ok {
		c.hits++
	}
	return ips, ok
}

func (c *mapCache) Set(ctx context.Context, fqdn string, ips []string) {
	c.sets++
	c.entries[fqdn] = ips
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Output: io.Discard})
}

func newTestEnricher(t *testing.T, resolver Resolver, asn ASNLookup, cc CCLookup, cache DNSCache, excluded []string) *Enricher {
	t.Helper()
	en, err := New(resolver, asn, cc, cache, excluded, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return en
}

func makeRecord() *event.Event {
	return &event.Event{
		ID:     "d41d8cd98f00b204e9800998ecf8427b",
		Source: "testsource.testchannel",
		Time:   event.NewTime(time.Date(2019, 9, 10, 12, 0, 0, 0, time.UTC)),
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestEnrichFqdnResolvedToVariousIPsWithDuplicates(t *testing.T) {
	resolver := &fakeResolver{ips: []string{
		"2.2.2.2", "127.0.0.1", "13.1.2.3", "1.1.1.1", "127.0.0.1",
		"13.1.2.3", "12.11.10.9", "13.1.2.3", "1.0.1.1",
	}}
	en := newTestEnricher(t, resolver, &fakeASN{asn: 1234}, &fakeCC{cc: "PL"}, nil, nil)

	e := makeRecord()
	e.FQDN = "cert.pl"
	en.Enrich(context.Background(), e)

	wantIPs := []string{"1.0.1.1", "1.1.1.1", "12.11.10.9", "127.0.0.1", "13.1.2.3", "2.2.2.2"}
	if len(e.Address) != len(wantIPs) {
		t.Fatalf("address has %d entries, want %d: %+v", len(e.Address), len(wantIPs), e.Address)
	}
	for i, want := range wantIPs {
		got := e.Address[i]
		if got.IP != want {
			t.Errorf("address[%d].ip = %s, want %s", i, got.IP, want)
		}
		if got.ASN != 1234 || got.CC != "PL" {
			t.Errorf("address[%d] = %+v, want asn=1234 cc=PL", i, got)
		}
	}

	if len(e.Enriched.Fields) != 0 {
		t.Errorf("top-level enriched fields = %v, want none (fqdn was given)", e.Enriched.Fields)
	}
	for _, ip := range wantIPs {
		if got := e.Enriched.PerIP[ip]; !reflect.DeepEqual(got, []string{"asn", "cc", "ip"}) {
			t.Errorf("enriched[%s] = %v, want [asn cc ip]", ip, got)
		}
	}
}

func TestEnrichURLSynthesizesFqdn(t *testing.T) {
	resolver := &fakeResolver{ips: []string{"1.2.3.4"}}
	en := newTestEnricher(t, resolver, &fakeASN{asn: 1234}, &fakeCC{cc: "PL"}, nil, nil)

	e := makeRecord()
	e.URL = "http://www.nask.pl/path?q=1"
	en.Enrich(context.Background(), e)

	if e.FQDN != "www.nask.pl" {
		t.Errorf("fqdn = %q, want www.nask.pl", e.FQDN)
	}
	if !reflect.DeepEqual(e.Enriched.Fields, []string{"fqdn"}) {
		t.Errorf("enriched fields = %v, want [fqdn]", e.Enriched.Fields)
	}
	if len(e.Address) != 1 || e.Address[0].IP != "1.2.3.4" {
		t.Errorf("address = %+v", e.Address)
	}
}

func TestEnrichIPLiteralURLBecomesAddress(t *testing.T) {
	resolver := &fakeResolver{}
	en := newTestEnricher(t, resolver, &fakeASN{asn: 1234}, &fakeCC{cc: "PL"}, nil, nil)

	e := makeRecord()
	e.URL = "http://192.0.2.7/badness"
	en.Enrich(context.Background(), e)

	if e.FQDN != "" {
		t.Errorf("fqdn = %q, want empty for an IP-literal URL", e.FQDN)
	}
	if len(resolver.queries) != 0 {
		t.Errorf("resolver consulted for an IP-literal URL: %v", resolver.queries)
	}
	if len(e.Address) != 1 || e.Address[0].IP != "192.0.2.7" {
		t.Fatalf("address = %+v", e.Address)
	}
	if got := e.Enriched.PerIP["192.0.2.7"]; !reflect.DeepEqual(got, []string{"asn", "cc", "ip"}) {
		t.Errorf("enriched[192.0.2.7] = %v", got)
	}
}

func TestEnrichResolutionFailureLeavesNoAddress(t *testing.T) {
	resolver := &fakeResolver{err: fmt.Errorf("NXDOMAIN")}
	en := newTestEnricher(t, resolver, &fakeASN{asn: 1234}, &fakeCC{cc: "PL"}, nil, nil)

	e := makeRecord()
	e.URL = "http://gone.example.org/"
	en.Enrich(context.Background(), e)

	if e.Address != nil {
		t.Errorf("address = %+v, want none", e.Address)
	}
	// the fqdn synthesized from the URL is still recorded as enriched
	if !reflect.DeepEqual(e.Enriched.Fields, []string{"fqdn"}) {
		t.Errorf("enriched fields = %v, want [fqdn]", e.Enriched.Fields)
	}
}

func TestEnrichNoResolveFlagSkipsDNS(t *testing.T) {
	resolver := &fakeResolver{ips: []string{"1.2.3.4"}}
	en := newTestEnricher(t, resolver, nil, nil, nil, nil)

	e := makeRecord()
	e.FQDN = "cert.pl"
	e.NoResolveFQDN = true
	en.Enrich(context.Background(), e)

	if len(resolver.queries) != 0 {
		t.Errorf("resolver consulted despite the no-resolve flag: %v", resolver.queries)
	}
	if e.Address != nil {
		t.Errorf("address = %+v, want none", e.Address)
	}
}

func TestEnrichExistingAddressKeepsOnlyDerivedASNAndCC(t *testing.T) {
	resolver := &fakeResolver{}
	en := newTestEnricher(t, resolver, &fakeASN{asn: 4321}, &fakeCC{cc: "DE"}, nil, nil)

	e := makeRecord()
	e.FQDN = "cert.pl"
	e.Address = []event.Address{{IP: "10.20.30.40", ASN: 999, CC: "XX"}}
	en.Enrich(context.Background(), e)

	if len(resolver.queries) != 0 {
		t.Error("resolver consulted although the record already had an address")
	}
	if len(e.Address) != 1 {
		t.Fatalf("address = %+v", e.Address)
	}
	if e.Address[0].ASN != 4321 || e.Address[0].CC != "DE" {
		t.Errorf("address = %+v, want the pre-existing asn/cc replaced", e.Address[0])
	}
	// `ip` absent: this enricher did not resolve that IP itself
	if got := e.Enriched.PerIP["10.20.30.40"]; !reflect.DeepEqual(got, []string{"asn", "cc"}) {
		t.Errorf("enriched[10.20.30.40] = %v, want [asn cc]", got)
	}
}

func TestEnrichAvailabilityFallThrough(t *testing.T) {
	cases := []struct {
		name     string
		asn      ASNLookup
		cc       CCLookup
		wantKeys []string
	}{
		{"both present", &fakeASN{asn: 1}, &fakeCC{cc: "PL"}, []string{"asn", "cc", "ip"}},
		{"asn db missing", nil, &fakeCC{cc: "PL"}, []string{"cc", "ip"}},
		{"city db missing", &fakeASN{asn: 1}, nil, []string{"asn", "ip"}},
		{"both missing", nil, nil, []string{"ip"}},
	}
	for _, c := range cases {
		resolver := &fakeResolver{ips: []string{"1.2.3.4"}}
		en := newTestEnricher(t, resolver, c.asn, c.cc, nil, nil)
		e := makeRecord()
		e.FQDN = "cert.pl"
		en.Enrich(context.Background(), e)
		if got := e.Enriched.PerIP["1.2.3.4"]; !reflect.DeepEqual(got, c.wantKeys) {
			t.Errorf("%s: enriched[1.2.3.4] = %v, want %v", c.name, got, c.wantKeys)
		}
	}
}

func TestEnrichPerIPLookupFailureOmitsAttribute(t *testing.T) {
	resolver := &fakeResolver{ips: []string{"1.2.3.4"}}
	en := newTestEnricher(t, resolver,
		&fakeASN{err: fmt.Errorf("address not found")},
		&fakeCC{cc: "PL"}, nil, nil)

	e := makeRecord()
	e.FQDN = "cert.pl"
	en.Enrich(context.Background(), e)

	if e.Address[0].ASN != 0 {
		t.Errorf("asn = %d, want omitted on lookup failure", e.Address[0].ASN)
	}
	if e.Address[0].CC != "PL" {
		t.Errorf("cc = %q, want PL", e.Address[0].CC)
	}
	if got := e.Enriched.PerIP["1.2.3.4"]; !reflect.DeepEqual(got, []string{"cc", "ip"}) {
		t.Errorf("enriched[1.2.3.4] = %v, want [cc ip]", got)
	}
}

func TestEnrichExcludedIPsAreDropped(t *testing.T) {
	resolver := &fakeResolver{ips: []string{"1.2.3.4", "10.0.0.5", "192.168.1.9"}}
	en := newTestEnricher(t, resolver, &fakeASN{asn: 1}, &fakeCC{cc: "PL"}, nil,
		[]string{"10.0.0.0/8", "192.168.1.9"})

	e := makeRecord()
	e.FQDN = "cert.pl"
	en.Enrich(context.Background(), e)

	if len(e.Address) != 1 || e.Address[0].IP != "1.2.3.4" {
		t.Fatalf("address = %+v, want only 1.2.3.4", e.Address)
	}
	if _, present := e.Enriched.PerIP["10.0.0.5"]; present {
		t.Error("excluded IP kept in the enriched map")
	}
	if _, present := e.Enriched.PerIP["192.168.1.9"]; present {
		t.Error("excluded single-IP entry kept in the enriched map")
	}
}

func TestEnrichAllAddressesExcludedRemovesKey(t *testing.T) {
	resolver := &fakeResolver{ips: []string{"10.0.0.5"}}
	en := newTestEnricher(t, resolver, nil, nil, nil, []string{"10.0.0.0/8"})

	e := makeRecord()
	e.FQDN = "cert.pl"
	en.Enrich(context.Background(), e)

	if e.Address != nil {
		t.Errorf("address = %+v, want removed entirely", e.Address)
	}
}

func TestEnrichUsesDNSCache(t *testing.T) {
	resolver := &fakeResolver{ips: []string{"1.2.3.4"}}
	cache := newMapCache()
	en := newTestEnricher(t, resolver, nil, nil, cache, nil)

	for i := 0; i < 3; i++ {
		e := makeRecord()
		e.FQDN = "cert.pl"
		en.Enrich(context.Background(), e)
	}

	if len(resolver.queries) != 1 {
		t.Errorf("resolver queried %d times, want 1 (cache)", len(resolver.queries))
	}
	if cache.hits != 2 || cache.sets != 1 {
		t.Errorf("cache hits=%d sets=%d, want 2/1", cache.hits, cache.sets)
	}
}

func TestOutputRoutingKeySubstitution(t *testing.T) {
	cases := []struct{ in, want string }{
		{"event.parsed.testsource.testchannel", "event.enriched.testsource.testchannel"},
		{"event.aggregated.testsource.testchannel", "event.enriched.testsource.testchannel"},
	}
	for _, c := range cases {
		if got := OutputRoutingKey(c.in); got != c.want {
			t.Errorf("OutputRoutingKey(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
