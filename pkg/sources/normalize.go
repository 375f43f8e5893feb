package sources

import (
	"strings"
	"time"
)

// lookup walks a dotted path through nested JSON objects
func lookup(m map[string]any, path string) any {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[part]
	}
	return cur
}

// str returns the first non-empty string found at any of paths
func str(m map[string]any, paths ...string) string {
	for _, p := range paths {
		if s, ok := lookup(m, p).(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func boolean(m map[string]any, path string) bool {
	b, _ := lookup(m, path).(bool)
	return b
}

func number(m map[string]any, path string) (float64, bool) {
	switch v := lookup(m, path).(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func objects(m map[string]any, path string) []map[string]any {
	raw, _ := lookup(m, path).([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

func stringList(m map[string]any, path string) []string {
	raw, _ := lookup(m, path).([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
}

// parseTime accepts Graph (RFC 3339) and Management API (zone-less UTC) timestamps
func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// domainOf returns the lower-cased domain part of an address
func domainOf(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(address[at+1:]))
}
