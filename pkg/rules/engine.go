package rules

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PeculiarLoop/m365-audit-kit/internal/logs"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/utils"
)

// DefaultStaleDays is the sign-in lookback used by the Stale heuristic
const DefaultStaleDays = 90

// Engine evaluates a rule set against records. Evaluation depends only on the
// record, the rule set, the stale threshold and the instant passed in.
type Engine struct {
	set       *RuleSet
	staleDays int
	logger    *slog.Logger
}

type Option func(*Engine)

func WithStaleDays(days int) Option {
	return func(e *Engine) {
		if days > 0 {
			e.staleDays = days
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = logs.OrDefault(l) }
}

func NewEngine(set *RuleSet, opts ...Option) *Engine {
	e := &Engine{set: set, staleDays: DefaultStaleDays, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if e.set == nil {
		e.set = &RuleSet{index: map[string]int{}}
	}
	return e
}

func (e *Engine) RuleSet() *RuleSet { return e.set }

// Evaluate computes the full flag set of r at instant now. Flags follow rule order;
// the first matching rule of a flag name wins.
func (e *Engine) Evaluate(r types.Record, now time.Time) []types.RiskFlag {
	flags := []types.RiskFlag{}

	target, input, err := ruleInput(r)
	if err != nil {
		e.logger.Warn("record cannot be evaluated", "record", r.Identity(), "error", err)
		return flags
	}

	vars := []any{int(now.Unix()), e.staleDays}
	seen := make(map[string]bool)
	for _, rule := range e.set.rules {
		if seen[rule.Flag] || !rule.appliesTo(target) {
			continue
		}

		matched, err := utils.RunJq(rule.when, input, vars...)
		if err != nil {
			e.logger.Debug("rule predicate failed", "rule", rule.ID, "record", r.Identity(), "error", err)
			continue
		}
		if !truthy(matched) {
			continue
		}

		seen[rule.Flag] = true
		flags = append(flags, types.RiskFlag{
			Name:     rule.Flag,
			Reason:   e.reason(rule, input, vars),
			Severity: rule.Severity,
			Controls: append([]string(nil), rule.Controls...),
			RuleID:   rule.ID,
		})
	}
	return flags
}

// Apply returns copies of records with their flags recomputed; the inputs are not modified
func (e *Engine) Apply(records []types.Record, now time.Time) []types.Record {
	out := make([]types.Record, len(records))
	for i, r := range records {
		c := r.Clone()
		flags := e.Evaluate(c, now)
		if c.Event != nil {
			c.Event.RiskFlags = flags
		}
		if c.Finding != nil {
			c.Finding.RiskFlags = flags
		}
		out[i] = c
	}
	return out
}

func (e *Engine) reason(rule *compiledRule, input any, vars []any) string {
	v, err := utils.RunJq(rule.reason, input, vars...)
	if err != nil {
		e.logger.Debug("rule reason failed", "rule", rule.ID, "error", err)
		return rule.Description
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case nil:
		return rule.Description
	default:
		return fmt.Sprint(s)
	}
}

// ruleInput returns the appliesTo key of a record and the jq document rules see
func ruleInput(r types.Record) (string, any, error) {
	switch {
	case r.Kind == types.KindFinding && r.Finding != nil:
		v, err := utils.ToJqValue(r.Finding.Attributes)
		if v == nil && err == nil {
			v = map[string]any{}
		}
		return string(r.Finding.Type), v, err
	case r.Kind == types.KindEvent && r.Event != nil:
		ev := r.Event
		v, err := utils.ToJqValue(map[string]any{
			"source":        string(ev.Source),
			"timestamp":     ev.Timestamp.UTC().Format(time.RFC3339Nano),
			"timestampUnix": ev.Timestamp.Unix(),
			"actor":         ev.Actor,
			"operation":     ev.Operation,
			"target":        ev.Target,
			"raw":           ev.RawPayload,
		})
		return string(ev.Source), v, err
	}
	return "", nil, fmt.Errorf("record of kind %q has no payload", r.Kind)
}

func truthy(v any) bool {
	return v != nil && v != false
}
