package sources

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/credentials"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/graph"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

type appConsentAdapter struct {
	base
	now func() time.Time
}

// NewAppConsentAdapter lists delegated OAuth2 permission grants with the credentials and
// last sign-in of the client service principal
func NewAppConsentAdapter(opts Options) Adapter {
	return &appConsentAdapter{base: newBase(types.SourceAppConsent, opts), now: time.Now}
}

func (a *appConsentAdapter) ConnectionKind() credentials.Kind { return credentials.KindGraph }
func (a *appConsentAdapter) TimeBound() bool                  { return false }

type servicePrincipal struct {
	raw         map[string]any
	appID       string
	displayName string
	credentials []map[string]any
}

func (a *appConsentAdapter) Fetch(ctx context.Context, conn *credentials.ConnectionHandle, _ Query) (*Result, error) {
	client := a.graphClient(conn, "v1.0")
	beta := a.graphClient(conn, "beta")

	return a.fetchFindings(ctx, func(ctx context.Context) (*collection, error) {
		grants, err := client.GetCollection(ctx, "/oauth2PermissionGrants", nil)
		if err != nil {
			return nil, fmt.Errorf("failed to list oauth2 permission grants: %w", err)
		}

		lastSignIns, signInsAvailable := a.lastSignIns(ctx, beta)
		now := a.now().UTC()

		c := &collection{}
		principals := make(map[string]*servicePrincipal)
		failed := make(map[string]bool)

		for _, grant := range grants {
			if ctx.Err() != nil {
				c.cancelled = true
				return c, nil
			}

			clientID := str(grant, "clientId")
			if failed[clientID] {
				continue
			}
			sp, ok := principals[clientID]
			if !ok {
				sp, err = retryOnce(ctx, a.opts.RetryBackoff, a.logger, "service principal",
					func(ctx context.Context) (*servicePrincipal, error) { return a.servicePrincipal(ctx, client, clientID) })
				if err != nil {
					if ctx.Err() != nil {
						c.cancelled = true
						return c, nil
					}
					failed[clientID] = true
					c.fail(clientID, fmt.Errorf("service principal %s: %w", clientID, err))
					continue
				}
				principals[clientID] = sp
			}

			attrs := map[string]any{
				"appDisplayName":               sp.displayName,
				"appId":                        sp.appID,
				"clientId":                     clientID,
				"consentType":                  str(grant, "consentType"),
				"principalId":                  str(grant, "principalId"),
				"resourceId":                   str(grant, "resourceId"),
				"scopes":                       strings.Fields(str(grant, "scope")),
				"credentials":                  sp.credentials,
				"earliestCredentialExpiryUnix": nil,
				"expiredCredentialCount":       0,
				"signInDataAvailable":          signInsAvailable,
				"lastSignInUnix":               nil,
			}
			earliest, expired := credentialExpiry(sp.credentials, now)
			if earliest != nil {
				attrs["earliestCredentialExpiryUnix"] = *earliest
			}
			attrs["expiredCredentialCount"] = expired
			if ts, ok := lastSignIns[sp.appID]; ok {
				attrs["lastSignInUnix"] = ts
			}

			c.add(types.Finding{
				Type:       types.FindingAppConsent,
				SubjectID:  str(grant, "id"),
				Attributes: attrs,
				RawPayload: map[string]any{"grant": grant, "servicePrincipal": sp.raw},
			})
		}
		return c, nil
	})
}

func (a *appConsentAdapter) servicePrincipal(ctx context.Context, client *graph.Client, id string) (*servicePrincipal, error) {
	var raw map[string]any
	q := url.Values{"$select": {"id,appId,displayName,passwordCredentials,keyCredentials"}}
	if err := client.GetJSON(ctx, "/servicePrincipals/"+url.PathEscape(id), q, &raw); err != nil {
		return nil, err
	}

	creds := credentialList(raw)

	// secrets usually live on the app registration when the app is owned by this tenant
	appID := str(raw, "appId")
	if appID != "" {
		apps, err := client.GetCollection(ctx, "/applications", url.Values{
			"$filter": {fmt.Sprintf("appId eq '%s'", appID)},
			"$select": {"id,appId,passwordCredentials,keyCredentials"},
		})
		if err != nil && !graph.IsPermanent(err) {
			return nil, err
		}
		for _, app := range apps {
			creds = append(creds, credentialList(app)...)
		}
	}

	sort.SliceStable(creds, func(i, j int) bool {
		return fmt.Sprint(creds[i]["endDateTime"]) < fmt.Sprint(creds[j]["endDateTime"])
	})

	return &servicePrincipal{raw: raw, appID: appID, displayName: str(raw, "displayName"), credentials: creds}, nil
}

// lastSignIns maps appId to the unix time of its last sign-in. The report is a beta
// endpoint that needs Entra ID P1, so an error only marks the data unavailable.
func (a *appConsentAdapter) lastSignIns(ctx context.Context, beta *graph.Client) (map[string]int64, bool) {
	items, err := beta.GetCollection(ctx, "/reports/servicePrincipalSignInActivities", nil)
	if err != nil {
		a.logger.Debug("service principal sign-in activity unavailable", "error", err)
		return nil, false
	}
	out := make(map[string]int64, len(items))
	for _, item := range items {
		if ts, ok := parseTime(str(item, "lastSignInActivity.lastSignInDateTime")); ok {
			out[str(item, "appId")] = ts.Unix()
		}
	}
	return out, true
}

func credentialList(obj map[string]any) []map[string]any {
	var out []map[string]any
	for _, pc := range objects(obj, "passwordCredentials") {
		out = append(out, map[string]any{"type": "password", "displayName": str(pc, "displayName"), "endDateTime": str(pc, "endDateTime")})
	}
	for _, kc := range objects(obj, "keyCredentials") {
		out = append(out, map[string]any{"type": "certificate", "displayName": str(kc, "displayName"), "endDateTime": str(kc, "endDateTime")})
	}
	return out
}

// credentialExpiry returns the earliest future expiry and the number of expired credentials
func credentialExpiry(creds []map[string]any, now time.Time) (*int64, int) {
	var earliest *int64
	expired := 0
	for _, cred := range creds {
		end, ok := parseTime(str(cred, "endDateTime"))
		if !ok {
			continue
		}
		if end.Before(now) {
			expired++
			continue
		}
		u := end.Unix()
		if earliest == nil || u < *earliest {
			earliest = &u
		}
	}
	return earliest, expired
}
