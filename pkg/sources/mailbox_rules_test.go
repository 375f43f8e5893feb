package sources

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/credentials"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

func TestMailboxRuleAdapter_ClassifiesRules(t *testing.T) {
	fg := newFakeGraph(t, map[string]any{
		"/v1.0/users": `{"value":[
			{"id":"u1","userPrincipalName":"bob@contoso.com","mail":"bob@contoso.com"},
			{"id":"u2","userPrincipalName":"svc@contoso.com"},
			{"id":"u3","userPrincipalName":"nomailbox@contoso.com","mail":"nomailbox@contoso.com"}
		]}`,
		"/v1.0/users/u1/mailFolders/inbox/messageRules": `{"value":[
			{"id":"r1","displayName":".","isEnabled":true,
			 "conditions":{"subjectContains":["invoice"]},
			 "actions":{"forwardTo":[{"emailAddress":{"address":"drop@evil.example"}}],"moveToFolder":"f-rss"}},
			{"id":"r2","displayName":"Newsletters","isEnabled":false,
			 "conditions":{"bodyOrSubjectContains":["undeliverable"]},
			 "actions":{"delete":true}}
		]}`,
		"/v1.0/users/u1/mailFolders/f-rss": `{"id":"f-rss","displayName":"RSS Feeds"}`,
		"/v1.0/users/u3/mailFolders/inbox/messageRules": http.StatusNotFound,
	})

	a := NewMailboxRuleAdapter(fg.options())
	res, err := a.Fetch(context.Background(), fg.conn(credentials.KindGraph), Query{})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	fwd := res.Records[0].Finding
	assert.Equal(t, types.FindingForwardingRule, fwd.Type)
	assert.Equal(t, "bob@contoso.com:r1", fwd.SubjectID)
	assert.Equal(t, ".", fwd.Attributes["ruleName"])
	assert.Equal(t, "contoso.com", fwd.Attributes["mailboxDomain"])
	assert.Equal(t, []string{"drop@evil.example"}, fwd.Attributes["forwardTargets"])
	assert.Equal(t, "RSS Feeds", fwd.Attributes["moveToFolder"])

	inbox := res.Records[1].Finding
	assert.Equal(t, types.FindingInboxRule, inbox.Type)
	assert.Equal(t, true, inbox.Attributes["deletesMessage"])
	assert.Equal(t, false, inbox.Attributes["enabled"])
	assert.Equal(t, []string{"undeliverable"}, inbox.Attributes["subjectContains"])
	assert.Equal(t, []string{}, inbox.Attributes["forwardTargets"])

	assert.Equal(t, 0, fg.calls("/v1.0/users/u2/mailFolders/inbox/messageRules"))
}

func TestMailboxRuleAdapter_MailboxLimit(t *testing.T) {
	fg := newFakeGraph(t, map[string]any{
		"/v1.0/users": `{"value":[
			{"id":"u1","mail":"a@contoso.com"},
			{"id":"u2","mail":"b@contoso.com"}
		]}`,
		"/v1.0/users/u1/mailFolders/inbox/messageRules": `{"value":[]}`,
		"/v1.0/users/u2/mailFolders/inbox/messageRules": `{"value":[]}`,
	})

	opts := fg.options()
	opts.MaxMailboxes = 1
	_, err := NewMailboxRuleAdapter(opts).Fetch(context.Background(), fg.conn(credentials.KindGraph), Query{})
	require.NoError(t, err)
	assert.Equal(t, 0, fg.calls("/v1.0/users/u2/mailFolders/inbox/messageRules"))
}
