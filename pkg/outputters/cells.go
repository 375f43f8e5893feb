package outputters

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// listSeparator joins multi-valued cells
const listSeparator = ";"

// formatCell flattens an attribute value into a single cell
func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case []string:
		return strings.Join(val, listSeparator)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			switch item.(type) {
			case map[string]any, []any:
				parts[i] = compactJSON(item)
			default:
				parts[i] = formatCell(item)
			}
		}
		return strings.Join(parts, listSeparator)
	case []map[string]any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = compactJSON(item)
		}
		return strings.Join(parts, listSeparator)
	case map[string]any:
		return compactJSON(val)
	case fmt.Stringer:
		return val.String()
	default:
		return compactJSON(val)
	}
}

func compactJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func flagNames(flags []types.RiskFlag) string {
	names := make([]string, len(flags))
	for i, f := range flags {
		names[i] = f.Name
	}
	return strings.Join(names, listSeparator)
}

func flagSeverities(flags []types.RiskFlag) string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = f.Severity
	}
	return strings.Join(out, listSeparator)
}

func flagReasons(flags []types.RiskFlag) string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = f.Reason
	}
	return strings.Join(out, listSeparator)
}

// flagControls is the sorted union of the controls of all flags
func flagControls(flags []types.RiskFlag) string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range flags {
		for _, c := range f.Controls {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Strings(out)
	return strings.Join(out, listSeparator)
}

// attributeKeys returns the sorted union of attribute keys over the findings of records
func attributeKeys(records []types.Record) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, r := range records {
		if r.Finding == nil {
			continue
		}
		for k := range r.Finding.Attributes {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// blocks groups records by Record.Block in order of first appearance
func blocks(records []types.Record) ([]string, map[string][]types.Record) {
	var order []string
	grouped := make(map[string][]types.Record)
	for _, r := range records {
		b := r.Block()
		if _, ok := grouped[b]; !ok {
			order = append(order, b)
		}
		grouped[b] = append(grouped[b], r)
	}
	return order, grouped
}
