package outputters

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

type markdownRenderer struct{}

func (markdownRenderer) Render(report *types.AuditReport) ([]byte, error) {
	return []byte(renderMarkdown(report)), nil
}

func reportTitle(report *types.AuditReport) string {
	if report.Kind == types.ReportQuickAudit {
		return "Quick audit report: " + report.Profile
	}
	return "Investigation report"
}

func renderMarkdown(report *types.AuditReport) string {
	var sb strings.Builder

	sb.WriteString("# " + reportTitle(report) + "\n\n")
	sb.WriteString(fmt.Sprintf("- **Report ID:** %s\n", report.ID))
	if report.InvestigationID != "" {
		sb.WriteString(fmt.Sprintf("- **Investigation ID:** %s\n", report.InvestigationID))
	}
	if report.Profile != "" {
		sb.WriteString(fmt.Sprintf("- **Profile:** %s\n", report.Profile))
	}
	sb.WriteString(fmt.Sprintf("- **Generated:** %s\n", formatTimestamp(report.GeneratedAt)))
	sb.WriteString(fmt.Sprintf("- **Window:** %s to %s\n", formatTimestamp(report.Window.Start), formatTimestamp(report.Window.End)))
	sb.WriteString(fmt.Sprintf("- **Records:** %d (%d risk flags)\n", len(report.Records), report.FlagCount()))
	sb.WriteString(fmt.Sprintf("- **Anonymized:** %t\n\n", report.Anonymized))

	sb.WriteString(sourcesTable(report).ToString() + "\n")

	if len(report.Warnings) > 0 {
		sb.WriteString("## Warnings\n\n")
		for _, w := range report.Warnings {
			sb.WriteString("- " + types.EscapeMarkdownCell(w) + "\n")
		}
		sb.WriteString("\n")
	}

	if flags := flagsTable(report); len(flags.Rows) > 0 {
		sb.WriteString(flags.ToString() + "\n")
	}

	order, grouped := blocks(report.Records)
	for _, block := range order {
		sb.WriteString(blockTable(block, grouped[block]).ToString() + "\n")
	}
	return sb.String()
}

func sourcesTable(report *types.AuditReport) types.MarkdownTable {
	t := types.MarkdownTable{
		TableHeading: "Sources",
		HeadingLevel: 2,
		Headers:      []string{"Source", "Status", "Records", "Failed slices", "Failed items", "Error"},
	}
	for _, s := range report.Sources {
		slices := make([]string, len(s.FailedSlices))
		for i, w := range s.FailedSlices {
			slices[i] = w.String()
		}
		t.Rows = append(t.Rows, []string{
			string(s.Source),
			string(s.Status),
			strconv.Itoa(s.Records),
			strings.Join(slices, listSeparator),
			strings.Join(s.FailedItems, listSeparator),
			s.Error,
		})
	}
	return t
}

func flagsTable(report *types.AuditReport) types.MarkdownTable {
	t := types.MarkdownTable{
		TableHeading: "Risk flags",
		HeadingLevel: 2,
		Headers:      []string{"Record", "Identity", "Flag", "Severity", "Reason", "Controls"},
	}
	for _, r := range report.Records {
		for _, f := range r.Flags() {
			t.Rows = append(t.Rows, []string{
				r.Block(),
				r.Identity(),
				f.Name,
				f.Severity,
				f.Reason,
				strings.Join(f.Controls, listSeparator),
			})
		}
	}
	return t
}

// blockTable renders one record-type block; events and findings have different columns
func blockTable(block string, records []types.Record) types.MarkdownTable {
	t := types.MarkdownTable{TableHeading: block, HeadingLevel: 2}
	if len(records) == 0 {
		return t
	}

	if records[0].Kind == types.KindEvent {
		t.Headers = []string{"Timestamp", "Actor", "Operation", "Target", "Risk flags"}
		for _, r := range records {
			e := r.Event
			t.Rows = append(t.Rows, []string{formatTimestamp(e.Timestamp), e.Actor, e.Operation, e.Target, flagNames(e.RiskFlags)})
		}
		return t
	}

	keys := attributeKeys(records)
	t.Headers = append(append([]string{"Subject"}, keys...), "Risk flags")
	for _, r := range records {
		f := r.Finding
		row := []string{f.SubjectID}
		for _, k := range keys {
			row = append(row, formatCell(f.Attributes[k]))
		}
		row = append(row, flagNames(f.RiskFlags))
		t.Rows = append(t.Rows, row)
	}
	return t
}
