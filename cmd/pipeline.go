package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/PeculiarLoop/m365-audit-kit/internal/message"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/credentials"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/orchestrator"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/outputters"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/rules"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/sources"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// settings is the resolved configuration of one command invocation
type settings struct {
	TenantID      string
	ClientID      string
	ClientSecret  string
	Output        string
	Parallelism   int
	RulesDir      string
	StaleDays     int
	DKIMSelectors []string
	Domains       []string
	MetricsFile   string
}

func loadSettings() settings {
	return settings{
		TenantID:      viper.GetString(keyTenantID),
		ClientID:      viper.GetString(keyClientID),
		ClientSecret:  viper.GetString(keyClientSecret),
		Output:        viper.GetString(keyOutput),
		Parallelism:   viper.GetInt(keyParallelism),
		RulesDir:      viper.GetString(keyRulesDir),
		StaleDays:     viper.GetInt(keyStaleDays),
		DKIMSelectors: viper.GetStringSlice(keyDKIMSelectors),
		Domains:       viper.GetStringSlice(keyDomains),
		MetricsFile:   viper.GetString(keyMetricsFile),
	}
}

// pipeline wires credentials, adapters, rules, metrics and the exporter for one run
type pipeline struct {
	settings settings
	logger   *slog.Logger
	config   orchestrator.Config
	metrics  *orchestrator.Metrics
	exporter *outputters.Exporter
}

func newPipeline(s settings, logger *slog.Logger) (*pipeline, error) {
	provider, err := credentials.NewAzureProvider(credentials.AzureConfig{
		TenantID:     s.TenantID,
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
	}, logger)
	if err != nil {
		return nil, err
	}
	return newPipelineWith(s, provider, sources.DefaultRegistry(sources.Options{
		Logger:        logger,
		Domains:       s.Domains,
		DKIMSelectors: s.DKIMSelectors,
	}), logger)
}

func newPipelineWith(s settings, provider credentials.Provider, registry *sources.Registry, logger *slog.Logger) (*pipeline, error) {
	set, err := rules.Load(s.RulesDir)
	if err != nil {
		return nil, err
	}
	metrics := orchestrator.NewMetrics()

	return &pipeline{
		settings: s,
		logger:   logger,
		metrics:  metrics,
		exporter: outputters.NewExporter(logger),
		config: orchestrator.Config{
			Registry:    registry,
			Credentials: provider,
			Engine:      rules.NewEngine(set, rules.WithStaleDays(s.StaleDays), rules.WithLogger(logger)),
			Parallelism: s.Parallelism,
			Logger:      logger,
			Metrics:     metrics,
		},
	}, nil
}

// finish exports the report and writes the metrics file. Export errors are returned
// after every format was attempted; a metrics failure is only logged.
func (p *pipeline) finish(report *types.AuditReport, formats []outputters.Format) ([]string, error) {
	paths, err := p.exporter.Export(report, formats, p.settings.Output)
	if p.settings.MetricsFile != "" {
		if mErr := p.metrics.WriteToTextfile(p.settings.MetricsFile); mErr != nil {
			p.logger.Warn("failed to write metrics", "path", p.settings.MetricsFile, "error", mErr)
		}
	}
	return paths, err
}

// reportRunError turns a NoSourcesSucceeded failure into per-source console lines
func reportRunError(err error) error {
	var none *types.NoSourcesSucceededError
	if errors.As(err, &none) {
		for _, s := range none.Statuses {
			message.Error("%s: %s", s.Source, s.Error)
		}
	}
	return err
}

// parseSources resolves source names; "all" selects every adapter
func parseSources(names []string) ([]types.SourceID, error) {
	var out []types.SourceID
	for _, name := range names {
		if strings.EqualFold(strings.TrimSpace(name), "all") {
			out = append(out, types.AllSources...)
			continue
		}
		id, err := types.ParseSourceID(name)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// parseTime accepts RFC 3339 timestamps and plain dates (midnight UTC)
func parseTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC 3339 or YYYY-MM-DD", value)
	}
	return t, nil
}

// investigate runs one investigation and exports it. Nothing is exported when every source failed.
func (p *pipeline) investigate(ctx context.Context, req types.InvestigationRequest, formats []outputters.Format) (*types.AuditReport, []string, error) {
	investigator, err := orchestrator.NewInvestigator(p.config)
	if err != nil {
		return nil, nil, err
	}
	report, err := investigator.Run(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	paths, err := p.finish(report, formats)
	return report, paths, err
}

// quickAudit runs a profile snapshot and exports it
func (p *pipeline) quickAudit(ctx context.Context, profile string, daysBack int, anonymize bool, formats []outputters.Format) (*types.AuditReport, []string, error) {
	auditor, err := orchestrator.NewQuickAuditor(p.config)
	if err != nil {
		return nil, nil, err
	}
	report, err := auditor.Run(ctx, profile, daysBack, orchestrator.WithAnonymization(anonymize))
	if err != nil {
		return nil, nil, err
	}
	paths, err := p.finish(report, formats)
	return report, paths, err
}
