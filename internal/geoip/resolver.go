package geoip

import (
	"fmt"
	"net"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oschwald/geoip2-golang"

	"backbone/internal/support"
)

// Resolver maps addresses to ISO country codes using a GeoLite2 Country
// database. A nil *Resolver resolves nothing.
type Resolver struct {
	lookup func(net.IP) (string, error)
	close  func() error
	cache  *lru.Cache[string, string]
}

const defaultCacheSize = 4096

func Open(path string) (*Resolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	return newReaderResolver(reader), nil
}

func FromBytes(data []byte) (*Resolver, error) {
	reader, err := geoip2.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("geoip: load database: %w", err)
	}
	return newReaderResolver(reader), nil
}

func newReaderResolver(reader *geoip2.Reader) *Resolver {
	lookup := func(ip net.IP) (string, error) {
		record, err := reader.Country(ip)
		if err != nil {
			return "", err
		}
		return record.Country.IsoCode, nil
	}
	return newResolver(lookup, reader.Close, defaultCacheSize)
}

func newResolver(lookup func(net.IP) (string, error), closeFn func() error, cacheSize int) *Resolver {
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		cache, _ = lru.New[string, string](defaultCacheSize)
	}
	return &Resolver{lookup: lookup, close: closeFn, cache: cache}
}

// OpenFromEnv loads GEOLITE_COUNTRY_DB when set. Without it, or when the file
// cannot be read, rules are simply stored without a country.
func OpenFromEnv() *Resolver {
	path := support.GetEnv("GEOLITE_COUNTRY_DB", "")
	if path == "" {
		return nil
	}
	resolver, err := Open(path)
	if err != nil {
		log.Warn("GeoLite country database unavailable", "path", path, "error", err)
		return nil
	}
	log.Info("GeoLite country database loaded", "path", path)
	return resolver
}

// CountryCode returns the ISO 3166 alpha-2 code for ip, or "" when unknown.
// Results are kept in a bounded LRU cache.
func (r *Resolver) CountryCode(ip string) string {
	if r == nil || r.lookup == nil {
		return ""
	}
	if cached, ok := r.cache.Get(ip); ok {
		return cached
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}

	code, err := r.lookup(parsed)
	if err != nil {
		code = ""
	}
	r.cache.Add(ip, code)
	return code
}

func (r *Resolver) Close() error {
	if r == nil || r.close == nil {
		return nil
	}
	return r.close()
}
