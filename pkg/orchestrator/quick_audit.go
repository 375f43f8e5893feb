package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/sources"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// ProfileNames lists the quick-audit profiles in display order
var ProfileNames = []string{"Identity", "Mail", "Collab", "Threat", "Posture"}

var profileSources = map[string][]types.SourceID{
	"Identity": {types.SourceRoleAssignment, types.SourceConditionalAccess, types.SourceAppConsent},
	"Mail":     {types.SourceMailboxRule, types.SourceMailAuth},
	"Collab":   {types.SourceSharing},
	"Threat":   {types.SourceSecureScore},
}

// ParseProfile returns the canonical name of a profile, matching case-insensitively
func ParseProfile(name string) (string, error) {
	for _, p := range ProfileNames {
		if strings.EqualFold(strings.TrimSpace(name), p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown profile %q (expected one of %s)", name, strings.Join(ProfileNames, ", "))
}

// ProfileSources returns the adapters of a profile; Posture is the deduplicated union of the others
func ProfileSources(profile string) ([]types.SourceID, error) {
	name, err := ParseProfile(profile)
	if err != nil {
		return nil, err
	}
	if name != "Posture" {
		return append([]types.SourceID(nil), profileSources[name]...), nil
	}

	seen := make(map[types.SourceID]bool)
	var out []types.SourceID
	for _, p := range ProfileNames {
		for _, id := range profileSources[p] {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out, nil
}

// QuickAuditor runs a fixed profile of adapters as a best-effort snapshot
type QuickAuditor struct {
	cfg Config
}

func NewQuickAuditor(cfg Config) (*QuickAuditor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &QuickAuditor{cfg: cfg.withDefaults()}, nil
}

type runOptions struct {
	anonymize bool
}

type RunOption func(*runOptions)

// WithAnonymization pseudonymizes identifiers before the report is returned
func WithAnonymization(enabled bool) RunOption {
	return func(o *runOptions) { o.anonymize = enabled }
}

// Run audits a profile over [now - daysBack, now). Source failures become report
// warnings; only invalid input is an error.
func (o *QuickAuditor) Run(ctx context.Context, profile string, daysBack int, opts ...RunOption) (*types.AuditReport, error) {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	name, err := ParseProfile(profile)
	if err != nil {
		return nil, err
	}
	if daysBack < 0 {
		return nil, fmt.Errorf("daysBack must not be negative, got %d", daysBack)
	}
	ids, _ := ProfileSources(name)

	var adapters []sources.Adapter
	for _, id := range ids {
		a, err := o.cfg.Registry.Get(id)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", name, err)
		}
		adapters = append(adapters, a)
	}

	now := o.cfg.Now().UTC()
	window := types.LookbackWindow(now, daysBack)
	id := uuid.New().String()
	logger := o.cfg.Logger.With("quickAudit", id, "profile", name)
	logger.Info("starting quick audit", "window", window.String(), "sources", len(adapters))

	runs := runSources(ctx, adapters, sources.Query{Window: window}, o.cfg.Credentials, o.cfg.Parallelism, o.cfg.Metrics, logger)

	records := []types.Record{}
	var statuses []types.SourceStatus
	var warnings []string
	for _, run := range runs {
		if run.status.Succeeded() {
			records = append(records, run.records...)
		}
		if w := warningOf(run.status); w != "" {
			warnings = append(warnings, w)
		}
		statuses = append(statuses, run.status)
	}

	records = o.cfg.Engine.Apply(records, now)
	o.cfg.Metrics.observeFlags(records)

	if ro.anonymize {
		anon, err := o.cfg.NewAnonymizer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialise anonymizer: %w", err)
		}
		records = anon.Apply(records)
	}

	report := &types.AuditReport{
		ID:          id,
		Kind:        types.ReportQuickAudit,
		Profile:     name,
		GeneratedAt: now,
		Window:      window,
		Records:     records,
		Sources:     statuses,
		Warnings:    warnings,
		Anonymized:  ro.anonymize,
	}
	logger.Info("quick audit finished", "records", len(records), "flags", report.FlagCount(), "warnings", len(warnings))
	return report, nil
}
