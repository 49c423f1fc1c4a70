package store

import (
	"context"
	"net"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/casefile-hq/casefile/internal/fault"
	"github.com/casefile-hq/casefile/internal/property"
)

const (
	dnsCacheSize = 256
	dnsCacheTTL  = 60 * time.Second
)

// Resolver looks up the IP addresses for a hostname. Injectable for tests.
type Resolver func(ctx context.Context, host string) ([]net.IP, error)

type dnsEntry struct {
	ips     []net.IP
	fetched time.Time
}

// ssrfGuard validates outbound URLs in property payloads: scheme must be
// https and the resolved host must not land in loopback, link-local, or
// private ranges. Resolutions are cached in a bounded TTL LRU.
type ssrfGuard struct {
	resolve Resolver
	cache   *lru.Cache[string, dnsEntry]
	clock   func() time.Time
}

func newSSRFGuard(resolve Resolver) *ssrfGuard {
	if resolve == nil {
		resolve = func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, 0, len(addrs))
			for _, a := range addrs {
				ips = append(ips, a.IP)
			}
			return ips, nil
		}
	}
	cache, _ := lru.New[string, dnsEntry](dnsCacheSize)
	return &ssrfGuard{
		resolve: resolve,
		cache:   cache,
		clock:   time.Now,
	}
}

// Check validates one URL. Violations are validation faults.
func (g *ssrfGuard) Check(ctx context.Context, raw string) error {
	if err := property.ValidateURL(raw); err != nil {
		return fault.Wrap(fault.KindValidation, "unsafe url", err).With("url_host", hostOf(raw))
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fault.Wrap(fault.KindValidation, "unsafe url", err)
	}
	host := u.Hostname()

	// Literal addresses skip resolution.
	if ip := net.ParseIP(host); ip != nil {
		if blockedIP(ip) {
			return fault.Newf(fault.KindValidation, "url host resolves to a blocked address").With("url_host", host)
		}
		return nil
	}

	ips, err := g.lookup(ctx, host)
	if err != nil {
		return fault.Wrap(fault.KindValidation, "url host did not resolve", err).With("url_host", host)
	}
	for _, ip := range ips {
		if blockedIP(ip) {
			return fault.Newf(fault.KindValidation, "url host resolves to a blocked address").With("url_host", host)
		}
	}
	return nil
}

func (g *ssrfGuard) lookup(ctx context.Context, host string) ([]net.IP, error) {
	if entry, ok := g.cache.Get(host); ok && g.clock().Sub(entry.fetched) < dnsCacheTTL {
		return entry.ips, nil
	}
	ips, err := g.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	g.cache.Add(host, dnsEntry{ips: ips, fetched: g.clock()})
	return ips, nil
}

// blockedIP reports whether ip falls in the loopback, link-local, private,
// or unspecified ranges for either address family.
func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified()
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
