package outputters

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// csvFixedColumns precede the attribute columns in every CSV export
var csvFixedColumns = []string{
	"kind", "source", "type", "timestamp", "actor", "operation", "target", "subjectId",
	"riskFlags", "severities", "reasons", "controls",
}

type csvRenderer struct{}

// Render writes one row per record under a superset header: the fixed columns, the sorted
// union of finding attribute keys, then rawPayload as compact JSON.
func (csvRenderer) Render(report *types.AuditReport) ([]byte, error) {
	fixed := make(map[string]bool, len(csvFixedColumns))
	for _, c := range csvFixedColumns {
		fixed[c] = true
	}

	attrKeys := attributeKeys(report.Records)
	header := append([]string{}, csvFixedColumns...)
	for _, k := range attrKeys {
		// an attribute named like a fixed column gets its own column
		if fixed[k] || k == "rawPayload" {
			k = "attributes." + k
		}
		header = append(header, k)
	}
	header = append(header, "rawPayload")

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("error writing CSV header: %w", err)
	}

	for i, r := range report.Records {
		row := make([]string, 0, len(header))
		var raw map[string]any
		switch {
		case r.Event != nil:
			e := r.Event
			row = append(row, string(r.Kind), string(e.Source), "", formatTimestamp(e.Timestamp),
				e.Actor, e.Operation, e.Target, "")
			raw = e.RawPayload
		case r.Finding != nil:
			f := r.Finding
			row = append(row, string(r.Kind), string(f.Source), string(f.Type), "",
				"", "", "", f.SubjectID)
			raw = f.RawPayload
		default:
			return nil, fmt.Errorf("record %d has no payload", i)
		}

		flags := r.Flags()
		row = append(row, flagNames(flags), flagSeverities(flags), flagReasons(flags), flagControls(flags))

		for _, k := range attrKeys {
			cell := ""
			if r.Finding != nil {
				if v, ok := r.Finding.Attributes[k]; ok {
					cell = formatCell(v)
				}
			}
			row = append(row, cell)
		}
		rawJSON := ""
		if raw != nil {
			rawJSON = compactJSON(raw)
		}
		row = append(row, rawJSON)

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("error writing CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
