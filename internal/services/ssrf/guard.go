package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
)

// Guard validates that a URL resolves to a publicly reachable address
// before any fetch is attempted. Applied to every seed at job creation and
// to every discovered link before enqueueing.
type Guard struct {
	resolver   Resolver
	logger     arbor.ILogger
	dnsTimeout time.Duration
}

// Resolver abstracts DNS lookup so tests can inject fixed answers
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// denylistedHosts are rejected without resolution
var denylistedHosts = map[string]bool{
	"localhost":                true,
	"metadata":                 true,
	"metadata.google.internal": true,
	"169.254.169.254":          true,
}

// blockedRanges covers RFC1918, loopback, link-local, CGNAT, multicast,
// reserved and their IPv6 equivalents
var blockedRanges = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"0.0.0.0/8",
	"192.0.0.0/24",
	"198.18.0.0/15",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
	"ff00::/8",
	"::/128",
	"64:ff9b::/96",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("bad CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// NewGuard creates a guard using the system resolver.
func NewGuard(logger arbor.ILogger) *Guard {
	return &Guard{
		resolver:   net.DefaultResolver,
		logger:     logger,
		dnsTimeout: 5 * time.Second,
	}
}

// NewGuardWithResolver creates a guard with an injected resolver for tests.
func NewGuardWithResolver(resolver Resolver, logger arbor.ILogger) *Guard {
	return &Guard{
		resolver:   resolver,
		logger:     logger,
		dnsTimeout: 5 * time.Second,
	}
}

// IsSafe reports whether the URL may be fetched. DNS failures, timeouts and
// parse errors all classify as unsafe.
func (g *Guard) IsSafe(ctx context.Context, rawURL string) (bool, string) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false, fmt.Sprintf("unparseable URL: %v", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false, fmt.Sprintf("scheme %q not allowed", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false, "missing hostname"
	}
	if denylistedHosts[host] {
		return false, fmt.Sprintf("host %q is denylisted", host)
	}

	// Literal IP: no resolution needed
	if ip := net.ParseIP(host); ip != nil {
		if blocked, r := blockedIP(ip); blocked {
			return false, r
		}
		return true, ""
	}

	resolveCtx, cancel := context.WithTimeout(ctx, g.dnsTimeout)
	defer cancel()

	addrs, err := g.resolver.LookupIPAddr(resolveCtx, host)
	if err != nil {
		return false, fmt.Sprintf("DNS resolution failed: %v", err)
	}
	if len(addrs) == 0 {
		return false, "DNS resolution returned no addresses"
	}

	// Every resolved address must be public; a single internal answer
	// blocks the URL
	for _, addr := range addrs {
		if blocked, r := blockedIP(addr.IP); blocked {
			g.logger.Debug().
				Str("host", host).
				Str("ip", addr.IP.String()).
				Str("reason", r).
				Msg("SSRF guard blocked resolved address")
			return false, fmt.Sprintf("host %q resolves to %s (%s)", host, addr.IP, r)
		}
	}

	return true, ""
}

// blockedIP checks an address against the internal ranges.
func blockedIP(ip net.IP) (bool, string) {
	if ip.IsLoopback() {
		return true, "loopback address"
	}
	if ip.IsUnspecified() {
		return true, "unspecified address"
	}
	for _, n := range blockedRanges {
		if n.Contains(ip) {
			return true, fmt.Sprintf("address in blocked range %s", n)
		}
	}
	return false, ""
}

// FilterSeeds splits seeds into safe and blocked sets. Used at job creation:
// the job proceeds with the survivors and records the blocked list.
func (g *Guard) FilterSeeds(ctx context.Context, seeds []string) (safe, blocked []string) {
	for _, seed := range seeds {
		if ok, reason := g.IsSafe(ctx, seed); ok {
			safe = append(safe, seed)
		} else {
			g.logger.Warn().Str("seed", seed).Str("reason", reason).Msg("Seed rejected by SSRF guard")
			blocked = append(blocked, seed)
		}
	}
	return safe, blocked
}
