package transition

import (
	"context"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// Locator resolves a compute-node UUID to the base URL of its node agent.
type Locator interface {
	Locate(ctx context.Context, cnUUID string) (string, error)
}

// StaticLocator formats agent URLs from a template containing one %s verb
// for the node UUID, e.g. "http://%s.cn.internal:8901".
type StaticLocator struct {
	Template string
}

func (l StaticLocator) Locate(_ context.Context, cnUUID string) (string, error) {
	if !strings.Contains(l.Template, "%s") {
		return "", fmt.Errorf("locator template %q lacks a %%s verb", l.Template)
	}
	return fmt.Sprintf(l.Template, cnUUID), nil
}

// DNSLocator resolves agents through SRV records named
// _pivd-agent._tcp.<cn-uuid>.<domain>, asking the configured DNS server
// directly.
type DNSLocator struct {
	// Server is the DNS server address, host:port.
	Server string

	// Domain is the zone the node records live under.
	Domain string
}

func (l DNSLocator) Locate(ctx context.Context, cnUUID string) (string, error) {
	name := dns.Fqdn(fmt.Sprintf("_pivd-agent._tcp.%s.%s", cnUUID, strings.Trim(l.Domain, ".")))

	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeSRV)

	client := new(dns.Client)
	resp, _, err := client.ExchangeContext(ctx, msg, l.Server)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", name, err)
	}
	for _, rr := range resp.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			return fmt.Sprintf("http://%s:%d", strings.TrimSuffix(srv.Target, "."), srv.Port), nil
		}
	}
	return "", fmt.Errorf("no SRV record for %s", name)
}
