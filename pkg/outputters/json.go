package outputters

import (
	"bytes"
	"encoding/json"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

type jsonRenderer struct{}

// Render writes the full report, indented. Map keys are sorted by encoding/json.
func (jsonRenderer) Render(report *types.AuditReport) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(report); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
