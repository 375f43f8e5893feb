package outputters

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PeculiarLoop/m365-audit-kit/internal/logs"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

var generatedAt = time.Date(2024, 6, 1, 12, 30, 45, 0, time.UTC)

func sampleReport(id string) *types.AuditReport {
	flag := types.RiskFlag{Name: "ExternalForward", Reason: "forwards to x@evil.example", Severity: "High",
		Controls: []string{"NIST 800-53 SC-7", "HIPAA 164.312(e)(1)"}, RuleID: "mail-rule-external-forward"}

	return &types.AuditReport{
		ID:              id,
		Kind:            types.ReportInvestigation,
		InvestigationID: id,
		GeneratedAt:     generatedAt,
		Window:          types.Window{Start: generatedAt.Add(-24 * time.Hour), End: generatedAt},
		Records: []types.Record{
			types.EventRecord(types.NormalizedEvent{
				Source: types.SourceSignIn, ID: "s1", Timestamp: generatedAt.Add(-time.Hour),
				Actor: "alice@contoso.com", Operation: "SignIn", Target: "Outlook",
				RawPayload: map[string]any{"id": "s1"}, RiskFlags: []types.RiskFlag{},
			}),
			types.FindingRecord(types.Finding{
				Type: types.FindingForwardingRule, Source: types.SourceMailboxRule, SubjectID: "alice@contoso.com:r1",
				Attributes: map[string]any{
					"ruleName":       "fwd | all",
					"forwardTargets": []string{"x@evil.example", "y@evil.example"},
					"enabled":        true,
				},
				RawPayload: map[string]any{"id": "r1"},
				RiskFlags:  []types.RiskFlag{flag},
			}),
			types.FindingRecord(types.Finding{
				Type: types.FindingMailAuthDomain, Source: types.SourceMailAuth, SubjectID: "contoso.com",
				Attributes: map[string]any{"domain": "contoso.com", "spfPresent": false, "source": "dns"},
				RiskFlags:  []types.RiskFlag{},
			}),
			types.EventRecord(types.NormalizedEvent{
				Source: types.SourceSignIn, ID: "s2", Timestamp: generatedAt.Add(-30 * time.Minute),
				Actor: "bob@contoso.com", Operation: "SignInFailure",
				RawPayload: map[string]any{"id": "s2"}, RiskFlags: []types.RiskFlag{},
			}),
		},
		Sources: []types.SourceStatus{
			{Source: types.SourceSignIn, Status: types.StateComplete, Records: 2},
			{Source: types.SourceAuditLog, Status: types.StateFailed, Error: "source AuditLog unavailable: boom"},
		},
		Warnings: []string{"AuditLog: failed: boom"},
	}
}

func TestParseFormats(t *testing.T) {
	f, err := ParseFormats([]string{"JSON", "markdown", "json", "html"})
	require.NoError(t, err)
	assert.Equal(t, []Format{FormatJSON, FormatMarkdown, FormatHTML}, f)

	f, err = ParseFormats([]string{"all"})
	require.NoError(t, err)
	assert.Equal(t, AllFormats, f)

	_, err = ParseFormats([]string{"pdf"})
	assert.Error(t, err)
	_, err = ParseFormats(nil)
	assert.Error(t, err)
}

func TestExport_IsIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")
	e := NewExporter(logs.Discard())
	report := sampleReport("r-1")

	paths, err := e.Export(report, AllFormats, dir)
	require.NoError(t, err)
	require.Len(t, paths, 4)
	assert.Equal(t, filepath.Join(dir, "Investigation_20240601T123045Z.json"), paths[0])

	first := map[string][]byte{}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		first[p] = data
	}

	again, err := e.Export(report, AllFormats, dir)
	require.NoError(t, err)
	assert.Equal(t, paths, again)

	for _, p := range again {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, first[p], data, p)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 4, "re-export overwrites instead of adding files")
}

func TestExporter_FileStemCollision(t *testing.T) {
	e := NewExporter(logs.Discard())

	first := sampleReport("r-1")
	second := sampleReport("r-2")
	third := sampleReport("r-3")

	assert.Equal(t, "Investigation_20240601T123045Z", e.FileStem(first))
	assert.Equal(t, "Investigation_20240601T123045Z_1", e.FileStem(second))
	assert.Equal(t, "Investigation_20240601T123045Z_2", e.FileStem(third))
	assert.Equal(t, "Investigation_20240601T123045Z", e.FileStem(first), "a report keeps its name")

	quick := sampleReport("q-1")
	quick.Kind = types.ReportQuickAudit
	quick.Profile = "Mail"
	assert.Equal(t, "QuickAudit_Mail_20240601T123045Z", e.FileStem(quick))
}

func TestExport_WriteErrorsAreCollected(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := NewExporter(logs.Discard()).Export(sampleReport("r-1"), []Format{FormatJSON, FormatCSV}, file)
	require.Error(t, err)

	var writeErr *types.WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "json", writeErr.Format)
	assert.Contains(t, err.Error(), "csv")

	dir := t.TempDir()
	paths, err := NewExporter(logs.Discard()).Export(sampleReport("r-1"), []Format{FormatJSON, "pdf", FormatMarkdown}, dir)
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "pdf", writeErr.Format)
	assert.Len(t, paths, 2, "other formats are still written")
}

func TestCSV_SupersetHeader(t *testing.T) {
	data, err := csvRenderer{}.Render(sampleReport("r-1"))
	require.NoError(t, err)

	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 5)

	header := rows[0]
	assert.Equal(t, csvFixedColumns, header[:len(csvFixedColumns)])
	assert.Equal(t, []string{"domain", "enabled", "forwardTargets", "ruleName", "attributes.source", "spfPresent", "rawPayload"},
		header[len(csvFixedColumns):])

	col := func(name string) int {
		for i, h := range header {
			if h == name {
				return i
			}
		}
		t.Fatalf("missing column %s", name)
		return -1
	}

	assert.Equal(t, "event", rows[1][col("kind")])
	assert.Equal(t, "alice@contoso.com", rows[1][col("actor")])
	assert.Equal(t, "", rows[1][col("domain")])

	assert.Equal(t, "x@evil.example;y@evil.example", rows[2][col("forwardTargets")])
	assert.Equal(t, "fwd | all", rows[2][col("ruleName")])
	assert.Equal(t, "ExternalForward", rows[2][col("riskFlags")])
	assert.Equal(t, "HIPAA 164.312(e)(1);NIST 800-53 SC-7", rows[2][col("controls")])
	assert.Equal(t, `{"id":"r1"}`, rows[2][col("rawPayload")])

	assert.Equal(t, "dns", rows[3][col("attributes.source")])
	assert.Equal(t, "MailAuth", rows[3][col("source")])
	assert.Equal(t, "", rows[3][col("rawPayload")])
	assert.Equal(t, "SignInFailure", rows[4][col("operation")])
}

func TestMarkdown_BlocksInFirstAppearanceOrder(t *testing.T) {
	md := renderMarkdown(sampleReport("r-1"))

	signIn := strings.Index(md, "## SignIn events")
	forwarding := strings.Index(md, "## ForwardingRule findings")
	mailAuth := strings.Index(md, "## MailAuthDomain findings")
	require.True(t, signIn > 0 && forwarding > signIn && mailAuth > forwarding, md)
	assert.Equal(t, 1, strings.Count(md, "## SignIn events"), "events of a source share one block")

	assert.Contains(t, md, "## Sources")
	assert.Contains(t, md, "## Warnings\n\n- AuditLog: failed: boom")
	assert.Contains(t, md, "## Risk flags")
	assert.Contains(t, md, `fwd \| all`)
	assert.Contains(t, md, "| ---")
}

func TestHTML_RendersTablesAndScript(t *testing.T) {
	data, err := htmlRenderer{}.Render(sampleReport("r-1"))
	require.NoError(t, err)

	page := string(data)
	assert.True(t, strings.HasPrefix(page, "<!DOCTYPE html>"))
	assert.Contains(t, page, "<title>Investigation report</title>")
	assert.Contains(t, page, "<table>")
	assert.Contains(t, page, "<th>Source</th>")
	assert.Contains(t, page, `id="filter"`)
	assert.Contains(t, page, "addEventListener")
	assert.Contains(t, page, "<td>alice@contoso.com</td>")
}

func TestHTML_KeepsMarkupInCellsAsText(t *testing.T) {
	report := sampleReport("r-1")
	report.Records[1].Finding.Attributes["ruleName"] = "<b>x</b> & <script>alert(1)</script>"
	report.Warnings = []string{"MailboxRule: <img src=x> failed"}

	data, err := htmlRenderer{}.Render(report)
	require.NoError(t, err)

	page := string(data)
	assert.NotContains(t, page, "raw HTML omitted")
	assert.NotContains(t, page, "<b>x</b>")
	assert.NotContains(t, page, "<script>alert(1)</script>")
	assert.Contains(t, page, "&lt;b&gt;x&lt;/b&gt; &amp; &lt;script&gt;alert(1)&lt;/script&gt;")
	assert.Contains(t, page, "MailboxRule: &lt;img src=x&gt; failed")
}

func TestJSON_FullFidelity(t *testing.T) {
	data, err := jsonRenderer{}.Render(sampleReport("r-1"))
	require.NoError(t, err)

	var decoded types.AuditReport
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Records, 4)
	assert.Equal(t, "ExternalForward", decoded.Records[1].Finding.RiskFlags[0].Name)
	assert.Equal(t, []any{"x@evil.example", "y@evil.example"}, decoded.Records[1].Finding.Attributes["forwardTargets"])
	assert.True(t, strings.HasPrefix(string(data), "{\n  \"id\": \"r-1\""))
}
