package sources

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/credentials"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// DefaultDKIMSelectors are the selectors Exchange Online publishes
var DefaultDKIMSelectors = []string{"selector1", "selector2"}

type mailAuthAdapter struct {
	base
	resolver  TXTResolver
	selectors []string
}

// NewMailAuthAdapter checks SPF, DMARC and DKIM of the tenant's domains. A nil resolver
// uses miekg/dns against Options.Resolver.
func NewMailAuthAdapter(opts Options, resolver TXTResolver) Adapter {
	b := newBase(types.SourceMailAuth, opts)
	if resolver == nil {
		resolver = NewDNSResolver(b.opts.Resolver)
	}

	selectors := append([]string{}, DefaultDKIMSelectors...)
	for _, s := range b.opts.DKIMSelectors {
		if s = strings.TrimSpace(s); s != "" && !contains(selectors, s) {
			selectors = append(selectors, s)
		}
	}
	return &mailAuthAdapter{base: b, resolver: resolver, selectors: selectors}
}

// ConnectionKind is DNS-only when the domains are configured, otherwise Graph lists them
func (a *mailAuthAdapter) ConnectionKind() credentials.Kind {
	if len(a.opts.Domains) > 0 {
		return credentials.KindDNS
	}
	return credentials.KindGraph
}

func (a *mailAuthAdapter) TimeBound() bool { return false }

func (a *mailAuthAdapter) Fetch(ctx context.Context, conn *credentials.ConnectionHandle, _ Query) (*Result, error) {
	return a.fetchFindings(ctx, func(ctx context.Context) (*collection, error) {
		domains, err := a.domains(ctx, conn)
		if err != nil {
			return nil, err
		}

		c := &collection{}
		for _, domain := range domains {
			if ctx.Err() != nil {
				c.cancelled = true
				return c, nil
			}
			c.add(a.checkDomain(ctx, domain))
		}
		return c, nil
	})
}

func (a *mailAuthAdapter) domains(ctx context.Context, conn *credentials.ConnectionHandle) ([]string, error) {
	if len(a.opts.Domains) > 0 {
		return normalizeDomains(a.opts.Domains), nil
	}

	items, err := a.graphClient(conn, "v1.0").GetCollection(ctx, "/domains", url.Values{"$select": {"id,isVerified"}})
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	var out []string
	for _, item := range items {
		id := str(item, "id")
		if !boolean(item, "isVerified") || strings.HasSuffix(strings.ToLower(id), ".onmicrosoft.com") {
			continue
		}
		out = append(out, id)
	}
	return normalizeDomains(out), nil
}

func normalizeDomains(in []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range in {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

// checkDomain never fails: a lookup error is recorded and the record treated as absent
func (a *mailAuthAdapter) checkDomain(ctx context.Context, domain string) types.Finding {
	lookupErrors := []string{}
	query := func(name string) []string {
		if err := a.limiter.Wait(ctx); err != nil {
			lookupErrors = append(lookupErrors, err.Error())
			return nil
		}
		records, err := a.resolver.LookupTXT(ctx, name)
		if err != nil {
			a.logger.Debug("dns lookup failed", "name", name, "error", err)
			lookupErrors = append(lookupErrors, err.Error())
			return nil
		}
		return records
	}

	raw := map[string]any{}

	spfRecords := withPrefix(query(domain), "v=spf1")
	raw["spf"] = spfRecords
	spf := ""
	if len(spfRecords) > 0 {
		spf = spfRecords[0]
	}

	dmarcRecords := withPrefix(query("_dmarc."+domain), "v=DMARC1")
	raw["dmarc"] = dmarcRecords
	dmarc := ""
	if len(dmarcRecords) > 0 {
		dmarc = dmarcRecords[0]
	}
	dmarcTags := parseTagList(dmarc)

	dkimSelectors := []string{}
	dkimRaw := map[string]any{}
	for _, selector := range a.selectors {
		records := query(selector + "._domainkey." + domain)
		dkimRaw[selector] = records
		for _, r := range records {
			if isDKIMKey(r) {
				dkimSelectors = append(dkimSelectors, selector)
				break
			}
		}
	}
	raw["dkim"] = dkimRaw

	return types.Finding{
		Type:      types.FindingMailAuthDomain,
		SubjectID: domain,
		Attributes: map[string]any{
			"domain":          domain,
			"spfPresent":      spf != "",
			"spfRecord":       spf,
			"spfRecordCount":  len(spfRecords),
			"spfAllQualifier": spfAllQualifier(spf),
			"dmarcPresent":    dmarc != "",
			"dmarcRecord":     dmarc,
			"dmarcPolicy":     strings.ToLower(dmarcTags["p"]),
			"dmarcPct":        dmarcTags["pct"],
			"dkimPresent":     len(dkimSelectors) > 0,
			"dkimSelectors":   dkimSelectors,
			"lookupErrors":    lookupErrors,
		},
		RawPayload: raw,
	}
}

func withPrefix(records []string, prefix string) []string {
	out := []string{}
	for _, r := range records {
		trimmed := strings.TrimSpace(r)
		if len(trimmed) >= len(prefix) && strings.EqualFold(trimmed[:len(prefix)], prefix) {
			out = append(out, trimmed)
		}
	}
	return out
}

// spfAllQualifier returns the "all" mechanism with its qualifier (e.g. "-all"), or "" when absent
func spfAllQualifier(record string) string {
	for _, term := range strings.Fields(strings.ToLower(record)) {
		switch term {
		case "all", "+all":
			return "+all"
		case "-all", "~all", "?all":
			return term
		}
	}
	return ""
}

// parseTagList parses "k=v; k2=v2" tag lists used by DMARC and DKIM records
func parseTagList(record string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		tags[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return tags
}

func isDKIMKey(record string) bool {
	tags := parseTagList(record)
	if p, ok := tags["p"]; ok {
		return p != ""
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(record)), "v=dkim1")
}
