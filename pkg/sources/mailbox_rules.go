package sources

import (
	"context"
	"fmt"
	"net/url"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/credentials"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/graph"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

type mailboxRuleAdapter struct {
	base
}

// NewMailboxRuleAdapter lists the inbox rules of every mailbox
func NewMailboxRuleAdapter(opts Options) Adapter {
	return &mailboxRuleAdapter{base: newBase(types.SourceMailboxRule, opts)}
}

func (a *mailboxRuleAdapter) ConnectionKind() credentials.Kind { return credentials.KindGraph }
func (a *mailboxRuleAdapter) TimeBound() bool                  { return false }

func (a *mailboxRuleAdapter) Fetch(ctx context.Context, conn *credentials.ConnectionHandle, _ Query) (*Result, error) {
	client := a.graphClient(conn, "v1.0")

	return a.fetchFindings(ctx, func(ctx context.Context) (*collection, error) {
		users, err := client.GetCollection(ctx, "/users", url.Values{"$select": {"id,userPrincipalName,mail"}})
		if err != nil {
			return nil, fmt.Errorf("failed to list mailboxes: %w", err)
		}

		c := &collection{}
		inspected := 0
		for _, user := range users {
			mailbox := str(user, "mail")
			if mailbox == "" {
				continue
			}
			if a.opts.MaxMailboxes > 0 && inspected >= a.opts.MaxMailboxes {
				a.logger.Info("mailbox limit reached", "limit", a.opts.MaxMailboxes)
				break
			}
			if ctx.Err() != nil {
				c.cancelled = true
				return c, nil
			}
			inspected++

			userID := str(user, "id")
			rules, err := retryOnce(ctx, a.opts.RetryBackoff, a.logger, "inbox rules",
				func(ctx context.Context) ([]map[string]any, error) {
					return client.GetCollection(ctx, "/users/"+url.PathEscape(userID)+"/mailFolders/inbox/messageRules", nil)
				})
			if err != nil {
				if graph.IsNotFound(err) {
					a.logger.Debug("no mailbox for user", "user", mailbox)
					continue
				}
				if ctx.Err() != nil {
					c.cancelled = true
					return c, nil
				}
				c.fail(mailbox, fmt.Errorf("inbox rules of %s: %w", mailbox, err))
				continue
			}

			folders := make(map[string]string)
			for _, rule := range rules {
				c.add(a.ruleFinding(ctx, client, userID, mailbox, rule, folders))
			}
		}
		return c, nil
	})
}

func (a *mailboxRuleAdapter) ruleFinding(ctx context.Context, client *graph.Client, userID, mailbox string, rule map[string]any, folders map[string]string) types.Finding {
	var targets []string
	for _, key := range []string{"actions.forwardTo", "actions.forwardAsAttachmentTo", "actions.redirectTo"} {
		for _, recipient := range objects(rule, key) {
			if addr := str(recipient, "emailAddress.address"); addr != "" {
				targets = append(targets, addr)
			}
		}
	}

	subject := append(stringList(rule, "conditions.subjectContains"), stringList(rule, "conditions.bodyOrSubjectContains")...)

	moveTo := ""
	if folderID := str(rule, "actions.moveToFolder"); folderID != "" {
		moveTo = a.folderName(ctx, client, userID, folderID, folders)
	}

	findingType := types.FindingInboxRule
	if len(targets) > 0 {
		findingType = types.FindingForwardingRule
	}

	return types.Finding{
		Type:      findingType,
		SubjectID: mailbox + ":" + str(rule, "id"),
		Attributes: map[string]any{
			"mailbox":         mailbox,
			"mailboxDomain":   domainOf(mailbox),
			"ruleName":        str(rule, "displayName"),
			"enabled":         boolean(rule, "isEnabled"),
			"forwardTargets":  nonNil(targets),
			"deletesMessage":  boolean(rule, "actions.delete") || boolean(rule, "actions.permanentDelete"),
			"permanentDelete": boolean(rule, "actions.permanentDelete"),
			"subjectContains": nonNil(subject),
			"moveToFolder":    moveTo,
		},
		RawPayload: rule,
	}
}

// folderName resolves a folder id to its display name; the id is kept when lookup fails
func (a *mailboxRuleAdapter) folderName(ctx context.Context, client *graph.Client, userID, folderID string, cache map[string]string) string {
	if name, ok := cache[folderID]; ok {
		return name
	}
	var folder map[string]any
	path := "/users/" + url.PathEscape(userID) + "/mailFolders/" + url.PathEscape(folderID)
	name := folderID
	if err := client.GetJSON(ctx, path, url.Values{"$select": {"displayName"}}, &folder); err != nil {
		a.logger.Debug("could not resolve folder", "folder", folderID, "error", err)
	} else if n := str(folder, "displayName"); n != "" {
		name = n
	}
	cache[folderID] = name
	return name
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
