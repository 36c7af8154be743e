// Package dnsx provides the DNS lookups that drive delivery and the
// inbound authentication checks: MX resolution, SPF, DMARC, DKIM key
// retrieval, reverse DNS and DNSBL queries. Results are cached for the
// lifetime of the process.
package dnsx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a lookup completes but no record exists.
var ErrNotFound = errors.New("dnsx: no such record")

// queryTimeout bounds a single DNS query.
const queryTimeout = 5 * time.Second

// Resolver is the subset of net.Resolver used by this package. It is
// satisfied by net.DefaultResolver and by test resolvers.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) (names []string, err error)
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Client wraps a Resolver with caching and the higher level lookups the
// rest of the server needs.
type Client struct {
	resolver Resolver

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry
}

type cacheKey struct {
	qtype string
	name  string
}

type cacheEntry struct {
	mx   []*net.MX
	txt  []string
	strs []string
	err  error
}

// NewClient creates a Client backed by the given resolver. Passing nil
// uses net.DefaultResolver.
func NewClient(resolver Resolver) *Client {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Client{
		resolver: resolver,
		cache:    map[cacheKey]cacheEntry{},
	}
}

func (c *Client) cached(qtype, name string) (cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.cache[cacheKey{qtype, name}]
	return e, ok
}

func (c *Client) store(qtype, name string, e cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[cacheKey{qtype, name}] = e
}

// FlushCache drops all cached lookup results.
func (c *Client) FlushCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = map[cacheKey]cacheEntry{}
}

// MX is one mail exchanger with its preference value.
type MX struct {
	Host string
	Pref uint16
}

// MXRecords returns the mail exchangers for domain in priority order.
// When the domain has no MX records the domain itself is used as an
// implicit exchanger per RFC 5321 section 5.1. Failed lookups are not
// cached.
func (c *Client) MXRecords(ctx context.Context, domain string) ([]MX, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if e, ok := c.cached("mx", domain); ok {
		return mxList(e.mx), e.err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	records, err := c.resolver.LookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			// Implicit MX: fall back to the domain itself.
			implicit := []*net.MX{{Host: domain, Pref: 10}}
			c.store("mx", domain, cacheEntry{mx: implicit})
			return mxList(implicit), nil
		}
		return nil, fmt.Errorf("dnsx: MX lookup for %s: %w", domain, err)
	}
	if len(records) == 0 {
		records = []*net.MX{{Host: domain, Pref: 10}}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})
	c.store("mx", domain, cacheEntry{mx: records})
	return mxList(records), nil
}

// MXHosts returns just the exchanger hostnames in priority order.
func (c *Client) MXHosts(ctx context.Context, domain string) ([]string, error) {
	records, err := c.MXRecords(ctx, domain)
	if err != nil {
		return nil, err
	}
	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		hosts = append(hosts, mx.Host)
	}
	return hosts, nil
}

func mxList(records []*net.MX) []MX {
	out := make([]MX, 0, len(records))
	for _, mx := range records {
		out = append(out, MX{Host: strings.TrimSuffix(mx.Host, "."), Pref: mx.Pref})
	}
	return out
}

// HostAddrs resolves a hostname to its IP addresses, IPv4 first.
func (c *Client) HostAddrs(ctx context.Context, host string) ([]net.IP, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	addrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dnsx: address lookup for %s: %w", host, err)
	}

	var v4, v6 []net.IP
	for _, a := range addrs {
		if a.IP.To4() != nil {
			v4 = append(v4, a.IP)
		} else {
			v6 = append(v6, a.IP)
		}
	}
	return append(v4, v6...), nil
}

// TXT returns the TXT records for name, cached.
func (c *Client) TXT(ctx context.Context, name string) ([]string, error) {
	name = strings.TrimSuffix(name, ".")
	if e, ok := c.cached("txt", name); ok {
		return e.txt, e.err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	txts, err := c.resolver.LookupTXT(ctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			c.store("txt", name, cacheEntry{err: ErrNotFound})
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dnsx: TXT lookup for %s: %w", name, err)
	}
	c.store("txt", name, cacheEntry{txt: txts})
	return txts, nil
}

// PTR returns the first reverse DNS name for ip, with the trailing dot
// stripped. Returns ErrNotFound when no PTR record exists.
func (c *Client) PTR(ctx context.Context, ip net.IP) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	names, err := c.resolver.LookupAddr(ctx, ip.String())
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("dnsx: PTR lookup for %s: %w", ip, err)
	}
	if len(names) == 0 {
		return "", ErrNotFound
	}
	return strings.TrimSuffix(names[0], "."), nil
}
