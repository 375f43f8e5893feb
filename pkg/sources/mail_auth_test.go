package sources

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PeculiarLoop/m365-audit-kit/internal/logs"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/credentials"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	if name == "_dmarc.broken.example" {
		return nil, errors.New("SERVFAIL")
	}
	return f[name], nil
}

func TestMailAuthAdapter_Domains(t *testing.T) {
	resolver := fakeResolver{
		"contoso.com":                       {"google-site-verification=abc", "v=spf1 include:spf.protection.outlook.com -all"},
		"_dmarc.contoso.com":                {"v=DMARC1; p=reject; pct=100; rua=mailto:d@contoso.com"},
		"selector1._domainkey.contoso.com":  {"v=DKIM1; k=rsa; p=MIGfMA0"},
		"fabrikam.com":                      {"v=spf1 +all"},
		"_dmarc.fabrikam.com":               {"v=DMARC1; p=none"},
		"selector2._domainkey.fabrikam.com": {"v=DKIM1; k=rsa; p="},
		"custom._domainkey.fabrikam.com":    {"v=DKIM1; p=MIIB"},
		"broken.example":                    {"v=spf1 ~all"},
	}

	opts := Options{
		Logger:            logs.Discard(),
		RequestsPerSecond: 1000,
		Burst:             100,
		Domains:           []string{"Contoso.com", "fabrikam.com.", "broken.example", "contoso.com"},
		DKIMSelectors:     []string{"custom", "selector1"},
	}
	a := NewMailAuthAdapter(opts, resolver)
	assert.Equal(t, credentials.KindDNS, a.ConnectionKind())

	res, err := a.Fetch(context.Background(), nil, Query{})
	require.NoError(t, err)
	require.Len(t, res.Records, 3)

	byDomain := map[string]map[string]any{}
	for _, r := range res.Records {
		assert.Equal(t, types.FindingMailAuthDomain, r.Finding.Type)
		byDomain[r.Finding.SubjectID] = r.Finding.Attributes
	}

	contoso := byDomain["contoso.com"]
	assert.Equal(t, true, contoso["spfPresent"])
	assert.Equal(t, "-all", contoso["spfAllQualifier"])
	assert.Equal(t, "reject", contoso["dmarcPolicy"])
	assert.Equal(t, "100", contoso["dmarcPct"])
	assert.Equal(t, true, contoso["dkimPresent"])
	assert.Equal(t, []string{"selector1"}, contoso["dkimSelectors"])

	fabrikam := byDomain["fabrikam.com"]
	assert.Equal(t, "+all", fabrikam["spfAllQualifier"])
	assert.Equal(t, "none", fabrikam["dmarcPolicy"])
	assert.Equal(t, []string{"custom"}, fabrikam["dkimSelectors"], "an empty p= tag is a revoked key")

	broken := byDomain["broken.example"]
	assert.Equal(t, true, broken["spfPresent"])
	assert.Equal(t, false, broken["dmarcPresent"], "a failed lookup is treated as absence")
	assert.Len(t, broken["lookupErrors"], 1)
}

func TestMailAuthAdapter_DomainsFromGraph(t *testing.T) {
	fg := newFakeGraph(t, map[string]any{
		"/v1.0/domains": `{"value":[
			{"id":"contoso.com","isVerified":true},
			{"id":"contoso.onmicrosoft.com","isVerified":true},
			{"id":"pending.com","isVerified":false}
		]}`,
	})

	a := NewMailAuthAdapter(fg.options(), fakeResolver{})
	assert.Equal(t, credentials.KindGraph, a.ConnectionKind())

	res, err := a.Fetch(context.Background(), fg.conn(credentials.KindGraph), Query{})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "contoso.com", res.Records[0].Finding.SubjectID)
	assert.Equal(t, false, res.Records[0].Finding.Attributes["spfPresent"])
}

func TestSPFAllQualifier(t *testing.T) {
	testCases := map[string]string{
		"v=spf1 include:x -all":  "-all",
		"v=spf1 ~all":            "~all",
		"v=spf1 ?all":            "?all",
		"v=spf1 all":             "+all",
		"v=spf1 redirect=_spf.x": "",
		"":                       "",
	}
	for record, expected := range testCases {
		assert.Equal(t, expected, spfAllQualifier(record), record)
	}
}

// startDNSServer runs a miekg/dns server on a random local UDP port
func startDNSServer(t *testing.T, records map[string][]string) string {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		txts, ok := records[q.Name]
		if !ok {
			m.Rcode = dns.RcodeNameError
		}
		for _, txt := range txts {
			m.Answer = append(m.Answer, &dns.TXT{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
				Txt: []string{txt[:len(txt)/2], txt[len(txt)/2:]},
			})
		}
		w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestDNSResolver_LookupTXT(t *testing.T) {
	addr := startDNSServer(t, map[string][]string{
		"contoso.com.": {"v=spf1 include:spf.protection.outlook.com -all"},
	})
	r := NewDNSResolver(addr)

	txt, err := r.LookupTXT(context.Background(), "contoso.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"v=spf1 include:spf.protection.outlook.com -all"}, txt)

	txt, err = r.LookupTXT(context.Background(), "_dmarc.contoso.com")
	require.NoError(t, err, "NXDOMAIN is absence, not an error")
	assert.Empty(t, txt)
}
