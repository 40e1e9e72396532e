package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const keyPrefix = "climatescope:"

// memcached rejects keys longer than 250 bytes or containing spaces/control chars.
const maxKeyLen = 250

// DefaultMaxItemSize matches memcached's default 1 MiB slab limit, less item overhead.
const DefaultMaxItemSize = 1<<20 - 1024

// ErrValueTooLarge is returned by Set for results above the item size limit.
// Large observation pages and extremes listings hit this; they are simply recomputed.
var ErrValueTooLarge = errors.New("value exceeds memcached item size")

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client      *memcache.Client
	maxItemSize int
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client, maxItemSize: DefaultMaxItemSize}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// key maps a query key to a memcached-safe key. Query keys carry arbitrary
// filter text, so anything unsafe or too long is hashed.
func (c *MemcachedCache) key(k string) string {
	full := keyPrefix + k
	if len(full) <= maxKeyLen && safeKey(full) {
		return full
	}
	sum := sha1.Sum([]byte(k))
	return keyPrefix + "h:" + hex.EncodeToString(sum[:])
}

func safeKey(k string) bool {
	for i := 0; i < len(k); i++ {
		if k[i] <= ' ' || k[i] == 0x7f {
			return false
		}
	}
	return true
}

// Get implements Cache.Get. Returns false, nil on miss; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return item.Value, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(value) > c.maxItemSize {
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      value,
		Expiration: expiration(ttl),
	})
}

// maxRelativeExpiration is the largest TTL memcached treats as relative; larger
// values are read as absolute unix timestamps.
const maxRelativeExpiration = 30 * 24 * time.Hour

// expiration converts ttl to memcached seconds. Non-positive TTLs get an hour;
// TTLs past thirty days are capped there.
func expiration(ttl time.Duration) int32 {
	switch {
	case ttl <= 0:
		return int32(time.Hour / time.Second)
	case ttl > maxRelativeExpiration:
		return int32(maxRelativeExpiration / time.Second)
	case ttl < time.Second:
		return 1
	}
	return int32(ttl / time.Second)
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
