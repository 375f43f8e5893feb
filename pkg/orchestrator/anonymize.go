package orchestrator

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// identityAttributes are finding attributes that carry a user or principal identifier
var identityAttributes = []string{"principalName", "principalId", "mailbox"}

// Anonymizer replaces identifiers with stable "anon-<12 hex>" tokens keyed per run
type Anonymizer struct {
	key []byte

	mu     sync.Mutex
	tokens map[string]string
}

// NewAnonymizer uses a random key, so tokens are stable within a run only
func NewAnonymizer() (*Anonymizer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return NewAnonymizerWithKey(key), nil
}

func NewAnonymizerWithKey(key []byte) *Anonymizer {
	return &Anonymizer{key: key, tokens: make(map[string]string)}
}

// Token returns the pseudonym of id; identifiers differing only in case share a token
func (a *Anonymizer) Token(id string) string {
	if id == "" {
		return ""
	}
	norm := strings.ToLower(strings.TrimSpace(id))

	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.tokens[norm]; ok {
		return t
	}
	mac := hmac.New(sha256.New, a.key)
	mac.Write([]byte(norm))
	t := "anon-" + hex.EncodeToString(mac.Sum(nil))[:12]
	a.tokens[norm] = t
	return t
}

// Apply returns anonymized copies of records. Identifiers are also replaced wherever
// they appear verbatim in attributes and raw payloads.
func (a *Anonymizer) Apply(records []types.Record) []types.Record {
	out := make([]types.Record, len(records))
	for i, r := range records {
		c := r.Clone()
		ids := map[string]string{}
		remember := func(id string) string {
			if id == "" {
				return ""
			}
			t := a.Token(id)
			ids[strings.ToLower(id)] = t
			return t
		}

		if e := c.Event; e != nil {
			e.Actor = remember(e.Actor)
			e.Target = remember(e.Target)
			e.RawPayload = scrub(e.RawPayload, ids).(map[string]any)
		}
		if f := c.Finding; f != nil {
			f.SubjectID = remember(f.SubjectID)
			for _, key := range identityAttributes {
				if s, ok := f.Attributes[key].(string); ok {
					f.Attributes[key] = remember(s)
				}
			}
			f.Attributes = scrub(f.Attributes, ids).(map[string]any)
			if f.RawPayload != nil {
				f.RawPayload = scrub(f.RawPayload, ids).(map[string]any)
			}
		}
		scrubReasons(c, ids)
		out[i] = c
	}
	return out
}

// scrubReasons replaces identifiers embedded in flag reasons, longest first
func scrubReasons(r types.Record, ids map[string]string) {
	flags := r.Flags()
	if len(flags) == 0 || len(ids) == 0 {
		return
	}
	keys := make([]string, 0, len(ids))
	for k := range ids {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for i := range flags {
		for _, k := range keys {
			flags[i].Reason = replaceFold(flags[i].Reason, k, ids[k])
		}
	}
}

// replaceFold replaces every case-insensitive occurrence of old (already lower case) in s
func replaceFold(s, old, repl string) string {
	if old == "" {
		return s
	}
	lower := strings.ToLower(s)
	if len(lower) != len(s) {
		return strings.ReplaceAll(s, old, repl)
	}
	var b strings.Builder
	for {
		i := strings.Index(lower, old)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(repl)
		s, lower = s[i+len(old):], lower[i+len(old):]
	}
}

func scrub(v any, ids map[string]string) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return val
		}
		for k, item := range val {
			val[k] = scrub(item, ids)
		}
		return val
	case []any:
		for i := range val {
			val[i] = scrub(val[i], ids)
		}
		return val
	case []string:
		for i, s := range val {
			if t, ok := ids[strings.ToLower(s)]; ok {
				val[i] = t
			}
		}
		return val
	case string:
		if t, ok := ids[strings.ToLower(val)]; ok {
			return t
		}
		return val
	default:
		return v
	}
}
