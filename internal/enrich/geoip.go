package enrich

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/certhub/threatpipe/pkg/config"
	"github.com/certhub/threatpipe/pkg/logger"
)

// GeoIPReaders bundles the optional MaxMind databases. Either reader may be
// nil; the enricher then simply never attaches that attribute.
type GeoIPReaders struct {
	asn  *geoip2.Reader
	city *geoip2.Reader
}

// OpenGeoIP opens whichever databases are configured. A missing path is not
// an error -- that subsystem is just unavailable.
func OpenGeoIP(cfg *config.GeoIPConfig, log *logger.Logger) (*GeoIPReaders, error) {
	readers := &GeoIPReaders{}
	if cfg.ASNDatabasePath != "" {
		r, err := geoip2.Open(cfg.ASNDatabasePath)
		if err != nil {
			return nil, fmt.Errorf("cannot open the ASN database: %w", err)
		}
		readers.asn = r
	}
	if cfg.CityDatabasePath != "" {
		r, err := geoip2.Open(cfg.CityDatabasePath)
		if err != nil {
			return nil, fmt.Errorf("cannot open the City database: %w", err)
		}
		readers.city = r
	}
	log.Info().
		Bool("asn_db", readers.asn != nil).
		Bool("city_db", readers.city != nil).
		Msg("GeoIP databases opened")
	return readers, nil
}

// Close releases both databases.
func (g *GeoIPReaders) Close() {
	if g.asn != nil {
		g.asn.Close()
	}
	if g.city != nil {
		g.city.Close()
	}
}

// ASNLookup returns the ASN side, or nil when unavailable.
func (g *GeoIPReaders) ASNLookup() ASNLookup {
	if g.asn == nil {
		return nil
	}
	return asnReader{g.asn}
}

// CCLookup returns the country side, or nil when unavailable.
func (g *GeoIPReaders) CCLookup() CCLookup {
	if g.city == nil {
		return nil
	}
	return ccReader{g.city}
}

type asnReader struct {
	r *geoip2.Reader
}

func (a asnReader) ASN(ip string) (int64, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0, fmt.Errorf("unparseable IP %q", ip)
	}
	record, err := a.r.ASN(parsed)
	if err != nil {
		return 0, err
	}
	return int64(record.AutonomousSystemNumber), nil
}

type ccReader struct {
	r *geoip2.Reader
}

func (c ccReader) CC(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("unparseable IP %q", ip)
	}
	record, err := c.r.City(parsed)
	if err != nil {
		return "", err
	}
	if record.Country.IsoCode == "" {
		return "", fmt.Errorf("no country for IP %s", ip)
	}
	return record.Country.IsoCode, nil
}
