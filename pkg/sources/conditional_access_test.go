package sources

import (
	"context"
	"errors"
	"testing"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PeculiarLoop/m365-audit-kit/internal/logs"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/credentials"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

type fakePolicyLister struct {
	policies []map[string]any
	err      error
	calls    int
}

func (f *fakePolicyLister) ListPolicies(context.Context, *credentials.ConnectionHandle) ([]map[string]any, error) {
	f.calls++
	return f.policies, f.err
}

func TestConditionalAccessAdapter_Attributes(t *testing.T) {
	lister := &fakePolicyLister{policies: []map[string]any{
		{
			"id":          "p1",
			"displayName": "Allow everything",
			"state":       "enabled",
			"conditions": map[string]any{
				"users":        map[string]any{"includeUsers": []any{"All"}, "excludeUsers": []any{"bg-1"}},
				"applications": map[string]any{"includeApplications": []any{"All"}},
			},
			"grantControls": map[string]any{"operator": "OR", "builtInControls": []any{}},
		},
		{
			"id":          "p2",
			"displayName": "Require MFA for admins",
			"state":       "enabled",
			"conditions": map[string]any{
				"users":        map[string]any{"includeRoles": []any{"62e90394-69f5-4237-9190-012177145e10"}},
				"applications": map[string]any{"includeApplications": []any{"All"}},
			},
			"grantControls":   map[string]any{"operator": "OR", "builtInControls": []any{"mfa"}},
			"sessionControls": map[string]any{"signInFrequency": map[string]any{"isEnabled": true}},
		},
	}}

	a := NewConditionalAccessAdapter(Options{Logger: logs.Discard()}, lister)
	assert.False(t, a.TimeBound())

	res, err := a.Fetch(context.Background(), nil, Query{})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	p1 := res.Records[0].Finding
	assert.Equal(t, types.FindingCAPolicy, p1.Type)
	assert.Equal(t, types.SourceConditionalAccess, p1.Source)
	assert.Equal(t, "p1", p1.SubjectID)
	assert.Equal(t, true, p1.Attributes["allUsers"])
	assert.Equal(t, true, p1.Attributes["allApps"])
	assert.Empty(t, p1.Attributes["grantControls"])
	assert.Equal(t, []string{"bg-1"}, p1.Attributes["excludeUsers"])

	p2 := res.Records[1].Finding
	assert.Equal(t, false, p2.Attributes["allUsers"])
	assert.Equal(t, []string{"mfa"}, p2.Attributes["grantControls"])
	assert.Equal(t, []string{"signInFrequency"}, p2.Attributes["sessionControls"])
}

func TestConditionalAccessAdapter_FailureAfterRetry(t *testing.T) {
	lister := &fakePolicyLister{err: errors.New("throttled")}
	a := NewConditionalAccessAdapter(Options{Logger: logs.Discard(), RetryBackoff: 1}, lister)

	_, err := a.Fetch(context.Background(), nil, Query{})

	var unavailable *types.SourceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 2, lister.calls)
}

func TestConditionalAccessAdapter_NonBuiltInGrantControls(t *testing.T) {
	lister := &fakePolicyLister{policies: []map[string]any{
		{
			"id": "strength",
			"conditions": map[string]any{
				"users":        map[string]any{"includeUsers": []any{"All"}},
				"applications": map[string]any{"includeApplications": []any{"All"}},
			},
			"grantControls": map[string]any{
				"operator":               "OR",
				"builtInControls":        []any{},
				"authenticationStrength": map[string]any{"id": "00000000-0000-0000-0000-000000000002"},
			},
		},
		{
			"id": "terms",
			"grantControls": map[string]any{
				"builtInControls":             []any{"mfa"},
				"termsOfUse":                  []any{"tou-1"},
				"customAuthenticationFactors": []any{},
			},
		},
	}}
	a := NewConditionalAccessAdapter(Options{Logger: logs.Discard()}, lister)

	res, err := a.Fetch(context.Background(), nil, Query{})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	assert.Equal(t, []string{"authenticationStrength"}, res.Records[0].Finding.Attributes["grantControls"])
	assert.Equal(t, []string{"mfa", "termsOfUse"}, res.Records[1].Finding.Attributes["grantControls"])
}

func TestPolicyToMap_KeepsSDKFields(t *testing.T) {
	strength := models.NewAuthenticationStrengthPolicy()
	strength.SetId(ptr("00000000-0000-0000-0000-000000000002"))

	grant := models.NewConditionalAccessGrantControls()
	grant.SetOperator(ptr("OR"))
	grant.SetAuthenticationStrength(strength)

	policy := models.NewConditionalAccessPolicy()
	policy.SetId(ptr("p1"))
	policy.SetDisplayName(ptr("Phishing-resistant admins"))
	policy.SetDescription(ptr("Break glass excluded"))
	policy.SetGrantControls(grant)
	policy.SetAdditionalData(map[string]any{"partialEnablementStrategy": ptr("none")})

	out, err := policyToMap(policy)
	require.NoError(t, err)

	assert.Equal(t, "p1", out["id"])
	assert.Equal(t, "Break glass excluded", out["description"])
	assert.Equal(t, "none", out["partialEnablementStrategy"])
	assert.Equal(t, "00000000-0000-0000-0000-000000000002", lookup(out, "grantControls.authenticationStrength.id"))
	assert.Equal(t, []string{"authenticationStrength"}, grantControls(out))
}

func ptr[T any](v T) *T { return &v }
