package sources

import (
	"context"
	"encoding/json"
	"fmt"

	jsonserialization "github.com/microsoft/kiota-serialization-json-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	msgraphcore "github.com/microsoftgraph/msgraph-sdk-go-core"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/credentials"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// PolicyLister returns conditional access policies in their Graph JSON shape
type PolicyLister interface {
	ListPolicies(ctx context.Context, conn *credentials.ConnectionHandle) ([]map[string]any, error)
}

type conditionalAccessAdapter struct {
	base
	lister PolicyLister
}

// NewConditionalAccessAdapter reads CA policies through lister; nil uses the msgraph SDK
func NewConditionalAccessAdapter(opts Options, lister PolicyLister) Adapter {
	if lister == nil {
		lister = SDKPolicyLister{}
	}
	return &conditionalAccessAdapter{base: newBase(types.SourceConditionalAccess, opts), lister: lister}
}

func (a *conditionalAccessAdapter) ConnectionKind() credentials.Kind { return credentials.KindGraph }
func (a *conditionalAccessAdapter) TimeBound() bool                  { return false }

func (a *conditionalAccessAdapter) Fetch(ctx context.Context, conn *credentials.ConnectionHandle, _ Query) (*Result, error) {
	return a.fetchFindings(ctx, func(ctx context.Context) (*collection, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		policies, err := a.lister.ListPolicies(ctx, conn)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve conditional access policies: %w", err)
		}

		c := &collection{}
		for _, p := range policies {
			c.add(conditionalAccessFinding(p))
		}
		return c, nil
	})
}

func conditionalAccessFinding(p map[string]any) types.Finding {
	includeUsers := stringList(p, "conditions.users.includeUsers")
	includeApps := stringList(p, "conditions.applications.includeApplications")
	grant := grantControls(p)

	var session []string
	if sc, ok := lookup(p, "sessionControls").(map[string]any); ok {
		for _, key := range []string{"applicationEnforcedRestrictions", "cloudAppSecurity", "persistentBrowser", "signInFrequency"} {
			if v, ok := sc[key]; ok && v != nil {
				session = append(session, key)
			}
		}
	}

	return types.Finding{
		Type:      types.FindingCAPolicy,
		SubjectID: str(p, "id"),
		Attributes: map[string]any{
			"displayName":         str(p, "displayName"),
			"state":               str(p, "state"),
			"allUsers":            contains(includeUsers, "All"),
			"allApps":             contains(includeApps, "All"),
			"grantControls":       grant,
			"grantOperator":       str(p, "grantControls.operator"),
			"includeUsers":        includeUsers,
			"excludeUsers":        stringList(p, "conditions.users.excludeUsers"),
			"includeApplications": includeApps,
			"sessionControls":     session,
		},
		RawPayload: p,
	}
}

// grantControls lists every control a grant block enforces. Authentication
// strength, terms of use and custom factors count alongside the built-ins.
func grantControls(p map[string]any) []string {
	grant := stringList(p, "grantControls.builtInControls")
	if strength, ok := lookup(p, "grantControls.authenticationStrength").(map[string]any); ok && len(strength) > 0 {
		grant = append(grant, "authenticationStrength")
	}
	for _, key := range []string{"termsOfUse", "customAuthenticationFactors"} {
		if len(stringList(p, "grantControls."+key)) > 0 {
			grant = append(grant, key)
		}
	}
	return grant
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// SDKPolicyLister pages through policies with the msgraph SDK page iterator
type SDKPolicyLister struct{}

func (SDKPolicyLister) ListPolicies(ctx context.Context, conn *credentials.ConnectionHandle) ([]map[string]any, error) {
	graphClient, err := conn.GraphClient()
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	result, err := graphClient.Identity().ConditionalAccess().Policies().Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get conditional access policies: %w", err)
	}
	if result == nil {
		return nil, nil
	}

	pageIterator, err := msgraphcore.NewPageIterator[models.ConditionalAccessPolicyable](
		result,
		graphClient.GetAdapter(),
		models.CreateConditionalAccessPolicyCollectionResponseFromDiscriminatorValue)
	if err != nil {
		return nil, fmt.Errorf("failed to create page iterator: %w", err)
	}

	var (
		policies []map[string]any
		convErr  error
	)
	err = pageIterator.Iterate(ctx, func(policy models.ConditionalAccessPolicyable) bool {
		if policy == nil {
			return true
		}
		p, err := policyToMap(policy)
		if err != nil {
			convErr = fmt.Errorf("failed to serialize policy %s: %w", deref(policy.GetId()), err)
			return false
		}
		policies = append(policies, p)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate through conditional access policies: %w", err)
	}
	if convErr != nil {
		return nil, convErr
	}
	return policies, nil
}

// policyToMap renders an SDK policy in the JSON shape Graph returns. The
// model's own serializer writes every property, AdditionalData included.
func policyToMap(policy models.ConditionalAccessPolicyable) (map[string]any, error) {
	writer := jsonserialization.NewJsonSerializationWriter()
	defer writer.Close()

	if err := writer.WriteObjectValue("", policy); err != nil {
		return nil, err
	}
	content, err := writer.GetSerializedContent()
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(content, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
