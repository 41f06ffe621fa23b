package pac

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	dnsCacheTTL          = 15 * time.Minute
	dnsNegativeCacheTTL  = 30 * time.Second
	dnsLookupTimeout     = 2 * time.Second
	cacheCleanupInterval = 15 * time.Minute
)

// LookupFunc resolves a host name to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// dnsCacheEntry stores a resolved IP and its expiry time. An empty ip is a
// cached negative answer.
type dnsCacheEntry struct {
	ip     string
	expiry time.Time
}

// DNSCache backs the dnsResolve family of PAC builtins. It is shared by all
// evaluations; concurrent lookups of the same host are collapsed into one.
type DNSCache struct {
	lookup   LookupFunc
	mu       sync.RWMutex
	entries  map[string]dnsCacheEntry
	group    singleflight.Group
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewDNSCache returns a cache resolving through lookup, or through
// net.DefaultResolver when lookup is nil.
func NewDNSCache(lookup LookupFunc) *DNSCache {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}
	c := &DNSCache{
		lookup:   lookup,
		entries:  make(map[string]dnsCacheEntry),
		stopChan: make(chan struct{}),
	}
	go c.periodicCleanup(cacheCleanupInterval)
	return c
}

// Resolve returns the first address of host, or false if it does not
// resolve. IP literals are returned unchanged.
func (c *DNSCache) Resolve(host string) (string, bool) {
	ips := c.ResolveAll(host)
	if len(ips) == 0 {
		return "", false
	}
	return ips[0], true
}

// ResolveAll returns every address of host, IPv4 first.
func (c *DNSCache) ResolveAll(host string) []string {
	if host == "" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}
	}

	if ip, found := c.cached(host); found {
		if ip == "" {
			slog.Debug("PAC dnsResolve negative cache hit", "host", host)
			return nil
		}
		return strings.Split(ip, ";")
	}

	v, _, _ := c.group.Do(host, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), dnsLookupTimeout)
		defer cancel()

		ips, err := c.lookup(ctx, host)
		if err != nil || len(ips) == 0 {
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
				slog.Debug("PAC dnsResolve: NXDOMAIN", "host", host)
			} else {
				slog.Warn("PAC dnsResolve: DNS lookup failed", "host", host, "error", err)
			}
			c.store(host, "", dnsNegativeCacheTTL)
			return "", nil
		}
		joined := strings.Join(sortIPv4First(ips), ";")
		c.store(host, joined, dnsCacheTTL)
		return joined, nil
	})
	joined, _ := v.(string)
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ";")
}

// Snapshot returns the current positive entries, for the status page.
func (c *DNSCache) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.entries))
	now := time.Now()
	for host, e := range c.entries {
		if e.ip != "" && now.Before(e.expiry) {
			out[host] = e.ip
		}
	}
	return out
}

// Close stops the cleanup goroutine.
func (c *DNSCache) Close() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *DNSCache) cached(host string) (string, bool) {
	c.mu.RLock()
	entry, found := c.entries[host]
	c.mu.RUnlock()
	if found && time.Now().Before(entry.expiry) {
		return entry.ip, true
	}
	return "", false
}

func (c *DNSCache) store(host, ip string, ttl time.Duration) {
	c.mu.Lock()
	c.entries[host] = dnsCacheEntry{ip: ip, expiry: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *DNSCache) cleanup() {
	c.mu.Lock()
	now := time.Now()
	cleaned := 0
	for host, entry := range c.entries {
		if now.After(entry.expiry) {
			delete(c.entries, host)
			cleaned++
		}
	}
	c.mu.Unlock()
	if cleaned > 0 {
		slog.Debug("Cleaned up expired DNS cache entries", "count", cleaned)
	}
}

func (c *DNSCache) periodicCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopChan:
			return
		}
	}
}

func sortIPv4First(ips []string) []string {
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() != nil {
			out = append(out, ip)
		}
	}
	for _, ip := range ips {
		if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() == nil {
			out = append(out, ip)
		}
	}
	return out
}
