package enrich

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/certhub/threatpipe/pkg/logger"
)

const dnsCacheKeyPrefix = "threatpipe:dns:"

// RedisDNSCache caches resolver results in Redis with a TTL, so restarts and
// sibling enricher processes share lookups.
type RedisDNSCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisDNSCache wraps an existing Redis client.
func NewRedisDNSCache(client *redis.Client, ttl time.Duration, log *logger.Logger) *RedisDNSCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisDNSCache{client: client, ttl: ttl, log: log}
}

// Get implements DNSCache. Any cache failure is a miss.
func (c *RedisDNSCache) Get(ctx context.Context, fqdn string) ([]string, bool) {
	val, err := c.client.Get(ctx, dnsCacheKeyPrefix+fqdn).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn().Err(err).Str("fqdn", fqdn).Msg("DNS cache read failed")
		}
		return nil, false
	}
	var ips []string
	if err := json.Unmarshal([]byte(val), &ips); err != nil {
		c.log.Warn().Err(err).Str("fqdn", fqdn).Msg("Corrupt DNS cache entry")
		return nil, false
	}
	return ips, true
}

// Set implements DNSCache. Failures are logged and ignored.
func (c *RedisDNSCache) Set(ctx context.Context, fqdn string, ips []string) {
	data, err := json.Marshal(ips)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, dnsCacheKeyPrefix+fqdn, data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("fqdn", fqdn).Msg("DNS cache write failed")
	}
}
