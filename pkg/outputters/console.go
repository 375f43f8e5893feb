package outputters

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PeculiarLoop/m365-audit-kit/internal/message"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// flagInstance is one occurrence of a risk flag on a record
type flagInstance struct {
	identity string
	reason   string
}

type flagGroup struct {
	name      string
	severity  string
	instances []flagInstance
}

var severityRank = map[string]int{"Critical": 0, "High": 1, "Medium": 2, "Low": 3, "Info": 4}

// PrintSummary writes a human summary of the report to the console: source outcomes,
// warnings, then risk flags grouped by name, most severe first.
func PrintSummary(report *types.AuditReport, paths []string) {
	message.Section("%s", reportTitle(report))
	message.Info("%d records, %d risk flags, window %s", len(report.Records), report.FlagCount(), report.Window)

	for _, s := range report.Sources {
		switch s.Status {
		case types.StateComplete:
			message.Success("%s: %d records", s.Source, s.Records)
		case types.StateFailed:
			message.Error("%s: failed: %s", s.Source, s.Error)
		default:
			message.Warning("%s: %s, %d records", s.Source, s.Status, s.Records)
		}
	}
	for _, w := range report.Warnings {
		message.Warning("%s", w)
	}

	groups := groupFlags(report.Records)
	if len(groups) == 0 {
		message.Info("No risk flags raised")
	}
	for _, g := range groups {
		message.RiskHeading(g.severity, "%s %s (%d %s)", formatSeverity(g.severity), g.name, len(g.instances), pluralize("instance", len(g.instances)))
		for _, inst := range g.instances {
			message.Detail("%s: %s", message.Emphasize(inst.identity), inst.reason)
		}
	}

	for _, p := range paths {
		message.Success("wrote %s", p)
	}
}

func groupFlags(records []types.Record) []flagGroup {
	index := make(map[string]int)
	var groups []flagGroup
	for _, r := range records {
		for _, f := range r.Flags() {
			i, ok := index[f.Name]
			if !ok {
				i = len(groups)
				index[f.Name] = i
				groups = append(groups, flagGroup{name: f.Name, severity: f.Severity})
			}
			// a flag name can be raised by tiers of different severity; show the worst
			if rank(f.Severity) < rank(groups[i].severity) {
				groups[i].severity = f.Severity
			}
			groups[i].instances = append(groups[i].instances, flagInstance{identity: r.Identity(), reason: f.Reason})
		}
	}
	sort.SliceStable(groups, func(a, b int) bool {
		if ra, rb := rank(groups[a].severity), rank(groups[b].severity); ra != rb {
			return ra < rb
		}
		return groups[a].name < groups[b].name
	})
	return groups
}

func rank(severity string) int {
	if r, ok := severityRank[severity]; ok {
		return r
	}
	return len(severityRank)
}

func formatSeverity(severity string) string {
	if _, ok := severityRank[severity]; !ok {
		return fmt.Sprintf("[UNKNOWN %s]", severity)
	}
	return "[" + strings.ToUpper(severity) + "]"
}

func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
