package rules

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

//go:embed builtin/*.yaml
var builtinRules embed.FS

// RuleSet is an ordered, validated collection of rules
type RuleSet struct {
	rules []*compiledRule
	index map[string]int
}

// LoadBuiltin returns the embedded rule set
func LoadBuiltin() (*RuleSet, error) {
	entries, err := builtinRules.ReadDir("builtin")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded rules: %w", err)
	}

	rs := &RuleSet{index: make(map[string]int)}
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}
		name := path.Join("builtin", entry.Name())
		data, err := builtinRules.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded rule file %s: %w", name, err)
		}
		if err := rs.add(data, name, false); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

// Load returns the built-in rules extended with the rule files of dir ("" means built-ins only)
func Load(dir string) (*RuleSet, error) {
	rs, err := LoadBuiltin()
	if err != nil {
		return nil, err
	}
	if err := rs.LoadDir(dir); err != nil {
		return nil, err
	}
	return rs, nil
}

// LoadDir adds every *.yaml / *.yml file of dir in name order. A rule whose id
// is already in the set replaces it in place.
func (rs *RuleSet) LoadDir(dir string) error {
	if dir == "" {
		return nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("rules directory '%s' does not exist", dir)
		}
		return fmt.Errorf("failed to access rules directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("'%s' is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list rule files: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && isRuleFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read rule file %s: %w", file, err)
		}
		if err := rs.add(data, file, true); err != nil {
			return err
		}
	}
	return nil
}

// Parse validates the rules of one YAML document without adding them to a set
func Parse(data []byte, file string) ([]Rule, error) {
	compiled, err := parse(data, file)
	if err != nil {
		return nil, err
	}
	out := make([]Rule, len(compiled))
	for i, c := range compiled {
		out[i] = c.Rule
	}
	return out, nil
}

func parse(data []byte, file string) ([]*compiledRule, error) {
	var rf ruleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil && !errors.Is(err, io.EOF) {
		return nil, &types.RuleConfigError{File: file, Err: fmt.Errorf("failed to parse: %w", err)}
	}

	seen := make(map[string]bool)
	out := make([]*compiledRule, 0, len(rf.Rules))
	for _, r := range rf.Rules {
		c, err := compile(r, file)
		if err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, &types.RuleConfigError{RuleID: r.ID, File: file, Err: errors.New("duplicate rule id")}
		}
		seen[r.ID] = true
		out = append(out, c)
	}
	return out, nil
}

func (rs *RuleSet) add(data []byte, file string, override bool) error {
	compiled, err := parse(data, file)
	if err != nil {
		return err
	}
	for _, c := range compiled {
		if i, ok := rs.index[c.ID]; ok {
			if !override {
				return &types.RuleConfigError{RuleID: c.ID, File: file, Err: errors.New("duplicate rule id")}
			}
			rs.rules[i] = c
			continue
		}
		rs.index[c.ID] = len(rs.rules)
		rs.rules = append(rs.rules, c)
	}
	return nil
}

// Rules returns the rule definitions in evaluation order
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	for i, c := range rs.rules {
		out[i] = c.Rule
	}
	return out
}

func (rs *RuleSet) Len() int { return len(rs.rules) }

func isRuleFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
