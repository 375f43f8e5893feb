package sources

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/credentials"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/graph"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

const passwordMethodType = "#microsoft.graph.passwordAuthenticationMethod"

type roleAssignmentAdapter struct {
	base
}

// NewRoleAssignmentAdapter lists directory role assignments and the MFA registration of user principals
func NewRoleAssignmentAdapter(opts Options) Adapter {
	return &roleAssignmentAdapter{base: newBase(types.SourceRoleAssignment, opts)}
}

func (a *roleAssignmentAdapter) ConnectionKind() credentials.Kind { return credentials.KindGraph }
func (a *roleAssignmentAdapter) TimeBound() bool                  { return false }

type roleDefinition struct {
	name       string
	templateID string
}

func (a *roleAssignmentAdapter) Fetch(ctx context.Context, conn *credentials.ConnectionHandle, _ Query) (*Result, error) {
	client := a.graphClient(conn, "v1.0")

	return a.fetchFindings(ctx, func(ctx context.Context) (*collection, error) {
		defs, err := a.roleDefinitions(ctx, client)
		if err != nil {
			return nil, err
		}

		active, err := client.GetCollection(ctx, "/roleManagement/directory/roleAssignments", url.Values{"$expand": {"principal"}})
		if err != nil {
			return nil, fmt.Errorf("failed to list role assignments: %w", err)
		}

		// PIM eligibility needs Entra ID P2; its absence is not an error
		eligible, err := client.GetCollection(ctx, "/roleManagement/directory/roleEligibilitySchedules", url.Values{"$expand": {"principal"}})
		if err != nil {
			a.logger.Debug("skipping eligible role assignments", "error", err)
			eligible = nil
		}

		c := &collection{}
		methods := make(map[string][]string)
		failedMethods := make(map[string]bool)

		add := func(assignment map[string]any, kind string) bool {
			if ctx.Err() != nil {
				c.cancelled = true
				return false
			}

			principal, _ := assignment["principal"].(map[string]any)
			principalID := str(assignment, "principalId")
			principalType := principalKind(str(principal, "@odata.type"))
			def := defs[str(assignment, "roleDefinitionId")]

			attrs := map[string]any{
				"roleName":         def.name,
				"roleTemplateId":   def.templateID,
				"assignmentKind":   kind,
				"principalId":      principalID,
				"principalName":    str(principal, "userPrincipalName", "displayName", "appId"),
				"principalType":    principalType,
				"directoryScopeId": str(assignment, "directoryScopeId"),
				"mfaMethodCount":   nil,
				"authMethods":      nil,
			}

			if principalType == "user" && principalID != "" && !failedMethods[principalID] {
				m, ok := methods[principalID]
				if !ok {
					m, err = retryOnce(ctx, a.opts.RetryBackoff, a.logger, "authentication methods",
						func(ctx context.Context) ([]string, error) { return a.authMethods(ctx, client, principalID) })
					if err != nil {
						if ctx.Err() != nil {
							c.cancelled = true
							return false
						}
						failedMethods[principalID] = true
						c.fail(principalID, fmt.Errorf("authentication methods of %s: %w", principalID, err))
					} else {
						methods[principalID] = m
					}
				}
				if m, ok := methods[principalID]; ok {
					attrs["authMethods"] = m
					attrs["mfaMethodCount"] = mfaCount(m)
				}
			}

			c.add(types.Finding{
				Type:       types.FindingRole,
				SubjectID:  str(assignment, "id"),
				Attributes: attrs,
				RawPayload: assignment,
			})
			return true
		}

		for _, ra := range active {
			if !add(ra, "Active") {
				return c, nil
			}
		}
		for _, ra := range eligible {
			if !add(ra, "Eligible") {
				return c, nil
			}
		}
		return c, nil
	})
}

func (a *roleAssignmentAdapter) roleDefinitions(ctx context.Context, client *graph.Client) (map[string]roleDefinition, error) {
	items, err := client.GetCollection(ctx, "/roleManagement/directory/roleDefinitions", url.Values{"$select": {"id,displayName,templateId"}})
	if err != nil {
		return nil, fmt.Errorf("failed to list role definitions: %w", err)
	}
	defs := make(map[string]roleDefinition, len(items))
	for _, item := range items {
		defs[str(item, "id")] = roleDefinition{name: str(item, "displayName"), templateID: str(item, "templateId")}
	}
	return defs, nil
}

// authMethods returns the registered authentication method types of a user, sorted
func (a *roleAssignmentAdapter) authMethods(ctx context.Context, client *graph.Client, userID string) ([]string, error) {
	items, err := client.GetCollection(ctx, "/users/"+url.PathEscape(userID)+"/authentication/methods", nil)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, str(item, "@odata.type"))
	}
	sort.Strings(out)
	return out, nil
}

func mfaCount(methods []string) int {
	n := 0
	for _, m := range methods {
		if m != passwordMethodType {
			n++
		}
	}
	return n
}

func principalKind(odataType string) string {
	t := strings.TrimPrefix(odataType, "#microsoft.graph.")
	if t == "" {
		return "unknown"
	}
	return t
}
