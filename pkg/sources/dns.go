package sources

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// TXTResolver looks up TXT records. A name that does not exist yields no records and no error.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// DNSResolver queries a single DNS server over UDP, falling back to TCP on truncation
type DNSResolver struct {
	server  string
	timeout time.Duration
}

// NewDNSResolver uses server ("host:port") or, when empty, the first nameserver of /etc/resolv.conf
func NewDNSResolver(server string) *DNSResolver {
	if server == "" {
		server = net.JoinHostPort("8.8.8.8", "53")
		resolveFile := "/etc/resolv.conf"
		if _, err := os.Stat(resolveFile); err == nil {
			if cfg, err := dns.ClientConfigFromFile(resolveFile); err == nil && len(cfg.Servers) > 0 {
				server = net.JoinHostPort(cfg.Servers[0], cfg.Port)
			}
		}
	}
	return &DNSResolver{server: server, timeout: 5 * time.Second}
}

func (r *DNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	m := &dns.Msg{}
	m.SetEdns0(4096, false)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	m.RecursionDesired = true

	c := &dns.Client{Timeout: r.timeout}
	resp, _, err := c.ExchangeContext(ctx, m, r.server)
	if err == nil && resp.Truncated {
		c.Net = "tcp"
		resp, _, err = c.ExchangeContext(ctx, m, r.server)
	}
	if err != nil {
		return nil, fmt.Errorf("TXT lookup of %s failed: %w", name, err)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, nil
	default:
		return nil, fmt.Errorf("TXT lookup of %s returned %s", name, dns.RcodeToString[resp.Rcode])
	}

	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}
