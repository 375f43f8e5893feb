package sources

import (
	"context"
	"fmt"
	"net/url"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/credentials"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

type secureScoreAdapter struct {
	base
}

// NewSecureScoreAdapter reports the control scores of the latest Microsoft Secure Score
func NewSecureScoreAdapter(opts Options) Adapter {
	return &secureScoreAdapter{base: newBase(types.SourceSecureScore, opts)}
}

func (a *secureScoreAdapter) ConnectionKind() credentials.Kind { return credentials.KindGraph }
func (a *secureScoreAdapter) TimeBound() bool                  { return false }

func (a *secureScoreAdapter) Fetch(ctx context.Context, conn *credentials.ConnectionHandle, _ Query) (*Result, error) {
	client := a.graphClient(conn, "v1.0")

	return a.fetchFindings(ctx, func(ctx context.Context) (*collection, error) {
		var page struct {
			Value []map[string]any `json:"value"`
		}
		if err := client.GetJSON(ctx, "/security/secureScores", url.Values{"$top": {"1"}}, &page); err != nil {
			return nil, fmt.Errorf("failed to get secure score: %w", err)
		}

		c := &collection{}
		if len(page.Value) == 0 {
			return c, nil
		}
		score := page.Value[0]

		profiles := make(map[string]map[string]any)
		items, err := client.GetCollection(ctx, "/security/secureScoreControlProfiles", nil)
		if err != nil {
			if ctx.Err() != nil {
				c.cancelled = true
				return c, nil
			}
			c.fail("secureScoreControlProfiles", fmt.Errorf("control profiles: %w", err))
		}
		for _, p := range items {
			profiles[str(p, "id")] = p
		}

		for _, control := range objects(score, "controlScores") {
			name := str(control, "controlName")
			attrs := map[string]any{
				"controlName":       name,
				"controlCategory":   str(control, "controlCategory"),
				"score":             lookup(control, "score"),
				"scoreInPercentage": lookup(control, "scoreInPercentage"),
				"description":       str(control, "description"),
				"title":             "",
				"maxScore":          nil,
			}
			raw := map[string]any{"controlScore": control}
			if p, ok := profiles[name]; ok {
				attrs["title"] = str(p, "title")
				attrs["maxScore"] = lookup(p, "maxScore")
				raw["controlProfile"] = p
			}

			c.add(types.Finding{
				Type:       types.FindingProtectionPolicy,
				SubjectID:  name,
				Attributes: attrs,
				RawPayload: raw,
			})
		}
		return c, nil
	})
}
