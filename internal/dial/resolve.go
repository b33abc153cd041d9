// Package dial provides connection-establishment glue that sits beside
// the core protocol but outside it: SRV-based name resolution. It does
// no connection retry. It is optional: callers that already have a host:port can skip this
// package entirely and call client.Connect directly.
package dial

import (
	"context"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// ResolveSRV looks up a Hop server via a `_hop._tcp.<domain>` SRV
// record and returns the target:port to dial, picking the
// lowest-priority (then highest-weight) record the way SRV resolution
// is conventionally done. resolverAddr is the DNS server to query,
// e.g. "127.0.0.1:53".
func ResolveSRV(ctx context.Context, domain, resolverAddr string) (string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("_hop._tcp."+domain), dns.TypeSRV)
	m.RecursionDesired = true

	c := new(dns.Client)
	in, _, err := c.ExchangeContext(ctx, m, resolverAddr)
	if err != nil {
		return "", fmt.Errorf("dial: SRV lookup for %s: %w", domain, err)
	}

	var best *dns.SRV
	for _, rr := range in.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		if best == nil || srv.Priority < best.Priority ||
			(srv.Priority == best.Priority && srv.Weight > best.Weight) {
			best = srv
		}
	}
	if best == nil {
		return "", fmt.Errorf("dial: no SRV records for _hop._tcp.%s", domain)
	}

	return fmt.Sprintf("%s:%d", strings.TrimSuffix(best.Target, "."), best.Port), nil
}
