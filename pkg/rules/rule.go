package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/utils"
)

// Rule is one declarative risk heuristic as written in a rule file
type Rule struct {
	ID          string   `yaml:"id" json:"id"`
	Flag        string   `yaml:"flag" json:"flag"`
	Severity    string   `yaml:"severity" json:"severity"`
	Description string   `yaml:"description" json:"description"`
	AppliesTo   []string `yaml:"appliesTo" json:"appliesTo"`
	When        string   `yaml:"when" json:"when"`
	Reason      string   `yaml:"reason" json:"reason"`
	Controls    []string `yaml:"controls" json:"controls"`
}

// ruleFile is the layout of a YAML rule file
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

var Severities = []string{"Info", "Low", "Medium", "High", "Critical"}

// ControlFrameworks are the accepted prefixes of a control reference
var ControlFrameworks = []string{"HIPAA", "NIST", "CIS"}

// Variables available to every when/reason expression
var Variables = []string{"$now", "$staleDays"}

type compiledRule struct {
	Rule
	targets map[string]bool
	when    *gojq.Code
	reason  *gojq.Code
}

func (r *compiledRule) appliesTo(target string) bool {
	return r.targets[target]
}

func knownTargets() map[string]bool {
	known := make(map[string]bool)
	for _, t := range types.FindingTypes {
		known[string(t)] = true
	}
	for _, s := range types.EventSources {
		known[string(s)] = true
	}
	return known
}

// compile validates a rule and compiles its expressions
func compile(r Rule, file string) (*compiledRule, error) {
	fail := func(err error) error {
		return &types.RuleConfigError{RuleID: r.ID, File: file, Err: err}
	}

	switch {
	case strings.TrimSpace(r.ID) == "":
		return nil, fail(errors.New("id is required"))
	case strings.TrimSpace(r.Flag) == "":
		return nil, fail(errors.New("flag is required"))
	case strings.TrimSpace(r.When) == "":
		return nil, fail(errors.New("when is required"))
	case strings.TrimSpace(r.Reason) == "":
		return nil, fail(errors.New("reason is required"))
	case len(r.AppliesTo) == 0:
		return nil, fail(errors.New("appliesTo is required"))
	case len(r.Controls) == 0:
		return nil, fail(errors.New("at least one control is required"))
	}

	if !validSeverity(r.Severity) {
		return nil, fail(fmt.Errorf("severity %q is not one of %s", r.Severity, strings.Join(Severities, ", ")))
	}

	known := knownTargets()
	targets := make(map[string]bool, len(r.AppliesTo))
	for _, t := range r.AppliesTo {
		if !known[t] {
			return nil, fail(fmt.Errorf("unknown appliesTo target %q", t))
		}
		targets[t] = true
	}

	for _, c := range r.Controls {
		if !validControl(c) {
			return nil, fail(fmt.Errorf("control %q must start with one of %s", c, strings.Join(ControlFrameworks, ", ")))
		}
	}

	when, err := utils.CompileJq(r.When, Variables...)
	if err != nil {
		return nil, fail(fmt.Errorf("when: %w", err))
	}
	reason, err := utils.CompileJq(r.Reason, Variables...)
	if err != nil {
		return nil, fail(fmt.Errorf("reason: %w", err))
	}

	return &compiledRule{Rule: r, targets: targets, when: when, reason: reason}, nil
}

func validSeverity(s string) bool {
	for _, v := range Severities {
		if s == v {
			return true
		}
	}
	return false
}

func validControl(c string) bool {
	for _, f := range ControlFrameworks {
		if strings.HasPrefix(c, f+" ") && len(strings.TrimSpace(c)) > len(f) {
			return true
		}
	}
	return false
}
