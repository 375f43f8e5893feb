package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PeculiarLoop/m365-audit-kit/internal/logs"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/credentials"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/rules"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/sources"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

var cmdNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestBuildInvestigationRequest(t *testing.T) {
	req, err := buildInvestigationRequest(investigateOptions{Sources: []string{"signin", "AuditLog"}}, cmdNow)
	require.NoError(t, err)
	assert.Equal(t, cmdNow.Add(-24*time.Hour), req.Start)
	assert.Nil(t, req.End)
	assert.Equal(t, []types.SourceID{types.SourceSignIn, types.SourceAuditLog}, req.Sources)

	req, err = buildInvestigationRequest(investigateOptions{
		Start:     "2024-05-01",
		End:       "2024-05-08T00:00:00Z",
		Actors:    []string{"*@contoso.com"},
		Sources:   []string{"all"},
		Anonymize: true,
	}, cmdNow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), req.Start)
	require.NotNil(t, req.End)
	assert.Equal(t, time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC), *req.End)
	assert.Len(t, req.Sources, len(types.AllSources))
	assert.True(t, req.Anonymize)

	req, err = buildInvestigationRequest(investigateOptions{DaysBack: 7, Sources: []string{"MailboxAudit"}}, cmdNow)
	require.NoError(t, err)
	assert.Equal(t, cmdNow.AddDate(0, 0, -7), req.Start)

	for name, opts := range map[string]investigateOptions{
		"start and days-back": {Start: "2024-05-01", DaysBack: 3, Sources: []string{"SignIn"}},
		"negative days":       {DaysBack: -1, Sources: []string{"SignIn"}},
		"bad start":           {Start: "yesterday", Sources: []string{"SignIn"}},
		"start after end":     {Start: "2024-05-08", End: "2024-05-01", Sources: []string{"SignIn"}},
		"unknown source":      {Sources: []string{"Teams"}},
		"no sources":          {},
	} {
		_, err := buildInvestigationRequest(opts, cmdNow)
		assert.Error(t, err, name)
	}
}

func TestRuleTemplate_IsLoadable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRuleTemplate(&buf, "custom-forward", "CustomForward", "ForwardingRule"))

	parsed, err := rules.Parse(buf.Bytes(), "template.yaml")
	require.NoError(t, err, buf.String())
	require.Len(t, parsed, 1)
	assert.Equal(t, "custom-forward", parsed[0].ID)
	assert.Equal(t, []string{"ForwardingRule"}, parsed[0].AppliesTo)
}

func TestRulesTable_ListsBuiltins(t *testing.T) {
	set, err := rules.LoadBuiltin()
	require.NoError(t, err)

	table := rulesTable(set.Rules())
	assert.Len(t, table.Rows, set.Len())
	assert.Contains(t, table.ToString(), "| role-no-mfa")
}

func TestDisplaySourceTree(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, displaySourceTree(&buf, true))

	out := buf.String()
	assert.Contains(t, out, "├─ SignIn - events, time bounded")
	assert.Contains(t, out, "├─ MailAuth - configuration snapshot")
	assert.Contains(t, out, "├─ Posture\n")
}

// stubAdapter returns fixed records or an error
type stubAdapter struct {
	id      types.SourceID
	records []types.Record
	err     error
}

func (s *stubAdapter) ID() types.SourceID { return s.id }

func (s *stubAdapter) ConnectionKind() credentials.Kind { return credentials.KindGraph }

func (s *stubAdapter) TimeBound() bool { return types.IsEventSource(s.id) }

func (s *stubAdapter) Fetch(context.Context, *credentials.ConnectionHandle, sources.Query) (*sources.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &sources.Result{Records: s.records}, nil
}

func testHandlers(t *testing.T, out string, adapters ...sources.Adapter) *toolHandlers {
	t.Helper()
	return &toolHandlers{
		newPipeline: func(s settings) (*pipeline, error) {
			return newPipelineWith(s, &credentials.StaticProvider{}, sources.NewRegistry(adapters...), logs.Discard())
		},
		settings: func() settings { return settings{Output: out, Parallelism: 2, StaleDays: 90} },
		now:      func() time.Time { return cmdNow },
	}
}

type resultBody struct {
	IsError bool `json:"isError"`
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

func decodeResult(t *testing.T, result *mcp.CallToolResult) resultBody {
	t.Helper()
	require.NotNil(t, result)
	data, err := json.Marshal(result)
	require.NoError(t, err)

	var body resultBody
	require.NoError(t, json.Unmarshal(data, &body))
	require.NotEmpty(t, body.Content)
	return body
}

func TestQuickAuditTool_WritesReport(t *testing.T) {
	out := t.TempDir()
	sharing := &stubAdapter{id: types.SourceSharing, records: []types.Record{
		types.FindingRecord(types.Finding{
			Type: types.FindingSharingPolicy, Source: types.SourceSharing, SubjectID: "tenant",
			Attributes: map[string]any{"allowInvitesFrom": "everyone"},
		}),
	}}
	h := testHandlers(t, out, sharing)

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"profile": "collab", "formats": "json,md"}
	result, err := h.quickAudit(context.Background(), req)
	require.NoError(t, err)

	body := decodeResult(t, result)
	require.False(t, body.IsError, body.Content[0].Text)

	var summary toolSummary
	require.NoError(t, json.Unmarshal([]byte(body.Content[0].Text), &summary))
	assert.Equal(t, types.ReportQuickAudit, summary.Kind)
	assert.Equal(t, 1, summary.Records)
	require.Len(t, summary.Paths, 2)
	for _, p := range summary.Paths {
		_, err := os.Stat(p)
		assert.NoError(t, err)
	}
}

func TestQuickAuditTool_RejectsUnknownProfile(t *testing.T) {
	h := testHandlers(t, t.TempDir())

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"profile": "Everything"}
	result, err := h.quickAudit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, decodeResult(t, result).IsError)
}

func TestInvestigateTool(t *testing.T) {
	out := t.TempDir()
	signIn := &stubAdapter{id: types.SourceSignIn, records: []types.Record{
		types.EventRecord(types.NormalizedEvent{
			Source: types.SourceSignIn, ID: "s1", Timestamp: cmdNow.Add(-time.Hour),
			Actor: "alice@contoso.com", Operation: "SignIn",
		}),
		types.EventRecord(types.NormalizedEvent{
			Source: types.SourceSignIn, ID: "s2", Timestamp: cmdNow.Add(-time.Hour),
			Actor: "bob@fabrikam.com", Operation: "SignIn",
		}),
	}}
	audit := &stubAdapter{id: types.SourceAuditLog, err: errors.New("throttled")}
	h := testHandlers(t, out, signIn, audit)

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{
		"sources":   []any{"SignIn", "AuditLog"},
		"actors":    "*@contoso.com",
		"days_back": float64(2),
		"formats":   "csv",
	}
	result, err := h.investigate(context.Background(), req)
	require.NoError(t, err)

	body := decodeResult(t, result)
	require.False(t, body.IsError, body.Content[0].Text)

	var summary toolSummary
	require.NoError(t, json.Unmarshal([]byte(body.Content[0].Text), &summary))
	assert.Equal(t, 1, summary.Records)
	require.Len(t, summary.Sources, 2)
	assert.Equal(t, types.StateFailed, summary.Sources[1].Status)
	assert.Len(t, summary.Paths, 1)

	req.Params.Arguments = map[string]any{"sources": "AuditLog"}
	result, err = h.investigate(context.Background(), req)
	require.NoError(t, err)
	body = decodeResult(t, result)
	assert.True(t, body.IsError)
	assert.Contains(t, body.Content[0].Text, "no sources succeeded")

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "a failed investigation exports nothing")
}

func TestRunQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	report := `{"kind":"investigation","records":[
		{"kind":"event","event":{"id":"e1","riskFlags":[]}},
		{"kind":"event","event":{"id":"e2","riskFlags":[{"name":"ExternalForward"}]}}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(report), 0o644))

	var buf bytes.Buffer
	require.NoError(t, runQuery(&buf, path, `[.records[].event | select((.riskFlags | length) > 0) | .id]`))
	assert.JSONEq(t, `["e2"]`, buf.String())

	assert.Error(t, runQuery(&buf, path, `.records[`))
	assert.Error(t, runQuery(&buf, filepath.Join(t.TempDir(), "missing.json"), `.`))
}

func TestListArg(t *testing.T) {
	args := map[string]any{"a": " x, y ,,z", "b": []any{"p", 3, " q "}}
	assert.Equal(t, []string{"x", "y", "z"}, listArg(args, "a"))
	assert.Equal(t, []string{"p", "q"}, listArg(args, "b"))
	assert.Nil(t, listArg(args, "missing"))
}

func TestBindFlags_RejectsUnknownKey(t *testing.T) {
	assert.NoError(t, bindFlags(rootCmd.PersistentFlags(), keyOutput, keyQuiet))
	assert.Error(t, bindFlags(rootCmd.PersistentFlags(), "no-such-key"))
}
