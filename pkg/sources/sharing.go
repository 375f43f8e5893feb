package sources

import (
	"context"
	"fmt"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/credentials"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// Entra ID guest user role template ids
var guestAccessLevels = map[string]string{
	"a0b1b346-4d3e-4e8b-98f8-753987be4970": "member",
	"10dae51f-b6af-4016-8d66-8c2a99b929b3": "limited",
	"2af84b1e-32c8-42b7-82bc-daa82404023b": "restricted",
}

type sharingAdapter struct {
	base
}

// NewSharingAdapter reports tenant-wide guest invitation and SharePoint sharing settings
func NewSharingAdapter(opts Options) Adapter {
	return &sharingAdapter{base: newBase(types.SourceSharing, opts)}
}

func (a *sharingAdapter) ConnectionKind() credentials.Kind { return credentials.KindGraph }
func (a *sharingAdapter) TimeBound() bool                  { return false }

func (a *sharingAdapter) Fetch(ctx context.Context, conn *credentials.ConnectionHandle, _ Query) (*Result, error) {
	client := a.graphClient(conn, "v1.0")

	return a.fetchFindings(ctx, func(ctx context.Context) (*collection, error) {
		var policy map[string]any
		if err := client.GetJSON(ctx, "/policies/authorizationPolicy", nil, &policy); err != nil {
			return nil, fmt.Errorf("failed to get authorization policy: %w", err)
		}
		// some tenants still get the collection form
		if values := objects(policy, "value"); len(values) > 0 {
			policy = values[0]
		}

		c := &collection{}
		var spo map[string]any
		if err := client.GetJSON(ctx, "/admin/sharepoint/settings", nil, &spo); err != nil {
			if ctx.Err() != nil {
				c.cancelled = true
				return c, nil
			}
			c.fail("sharepointSettings", fmt.Errorf("sharepoint settings: %w", err))
			spo = nil
		}

		guestRole := str(policy, "guestUserRoleId")
		attrs := map[string]any{
			"allowInvitesFrom":                       str(policy, "allowInvitesFrom"),
			"guestUserRoleId":                        guestRole,
			"guestAccessLevel":                       guestAccessLevels[guestRole],
			"allowEmailVerifiedUsersToJoin":          boolean(policy, "allowEmailVerifiedUsersToJoin"),
			"allowedToSignUpEmailBasedSubscriptions": boolean(policy, "allowedToSignUpEmailBasedSubscriptions"),
			"sharingCapability":                      nil,
			"sharingDomainRestrictionMode":           nil,
		}
		if spo != nil {
			attrs["sharingCapability"] = str(spo, "sharingCapability")
			attrs["sharingDomainRestrictionMode"] = str(spo, "sharingDomainRestrictionMode")
		}

		subject := str(policy, "id")
		if subject == "" {
			subject = "authorizationPolicy"
		}
		c.add(types.Finding{
			Type:       types.FindingSharingPolicy,
			SubjectID:  subject,
			Attributes: attrs,
			RawPayload: map[string]any{"authorizationPolicy": policy, "sharepointSettings": spo},
		})
		return c, nil
	})
}
