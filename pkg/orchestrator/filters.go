package orchestrator

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// actorFilter matches actors case-insensitively against exact names, "prefix*" or glob patterns.
// An empty filter matches everything.
type actorFilter struct {
	exact    map[string]bool
	patterns []glob.Glob
}

func newActorFilter(patterns []string) (*actorFilter, error) {
	f := &actorFilter{exact: make(map[string]bool)}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if !strings.ContainsAny(p, "*?[{") {
			f.exact[p] = true
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid actor filter %q: %w", p, err)
		}
		f.patterns = append(f.patterns, g)
	}
	return f, nil
}

func (f *actorFilter) empty() bool {
	return len(f.exact) == 0 && len(f.patterns) == 0
}

func (f *actorFilter) match(actor string) bool {
	if f.empty() {
		return true
	}
	actor = strings.ToLower(actor)
	if f.exact[actor] {
		return true
	}
	for _, g := range f.patterns {
		if g.Match(actor) {
			return true
		}
	}
	return false
}

// operationFilter matches operation names case-insensitively; empty matches everything
type operationFilter map[string]bool

func newOperationFilter(ops []string) operationFilter {
	f := operationFilter{}
	for _, op := range ops {
		if op = strings.ToLower(strings.TrimSpace(op)); op != "" {
			f[op] = true
		}
	}
	return f
}

func (f operationFilter) match(op string) bool {
	return len(f) == 0 || f[strings.ToLower(op)]
}

// filterRecords keeps findings and the events both filters accept
func filterRecords(records []types.Record, actors *actorFilter, ops operationFilter) []types.Record {
	out := records[:0:0]
	for _, r := range records {
		if r.Kind == types.KindEvent && r.Event != nil {
			if !actors.match(r.Event.Actor) || !ops.match(r.Event.Operation) {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}
