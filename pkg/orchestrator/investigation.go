package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/PeculiarLoop/m365-audit-kit/internal/logs"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/credentials"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/rules"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/sources"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// Config is shared by the investigation and quick-audit orchestrators
type Config struct {
	Registry    *sources.Registry
	Credentials credentials.Provider
	Engine      *rules.Engine

	// Parallelism bounds concurrent adapter calls (default 4)
	Parallelism int
	Logger      *slog.Logger
	// Metrics is optional
	Metrics *Metrics
	// Now is the run clock (default time.Now)
	Now func() time.Time
	// NewAnonymizer overrides the per-run anonymizer (default: random key)
	NewAnonymizer func() (*Anonymizer, error)
}

func (c Config) withDefaults() Config {
	c.Logger = logs.OrDefault(c.Logger)
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewAnonymizer == nil {
		c.NewAnonymizer = NewAnonymizer
	}
	if c.Engine == nil {
		c.Engine = rules.NewEngine(nil, rules.WithLogger(c.Logger))
	}
	return c
}

func (c Config) validate() error {
	if c.Registry == nil {
		return errors.New("orchestrator needs a source registry")
	}
	if c.Credentials == nil {
		return errors.New("orchestrator needs a credential provider")
	}
	return nil
}

// Investigator runs time-bounded, filtered investigations across a set of sources
type Investigator struct {
	cfg Config
}

func NewInvestigator(cfg Config) (*Investigator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Investigator{cfg: cfg.withDefaults()}, nil
}

// Run fans the request out to its sources. It returns a *types.NoSourcesSucceededError
// when every source failed; otherwise a report with per-source status.
func (o *Investigator) Run(ctx context.Context, req types.InvestigationRequest) (*types.AuditReport, error) {
	now := o.cfg.Now().UTC()

	window, adapters, actors, ops, err := o.prepare(req, now)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	logger := o.cfg.Logger.With("investigation", id)
	logger.Info("starting investigation", "window", window.String(), "sources", len(adapters))

	q := sources.Query{
		Window:     window,
		Actors:     append([]string(nil), req.ActorFilter...),
		Operations: append([]string(nil), req.OperationFilter...),
	}
	runs := runSources(ctx, adapters, q, o.cfg.Credentials, o.cfg.Parallelism, o.cfg.Metrics, logger)

	var (
		records  []types.Record
		statuses []types.SourceStatus
		warnings []string
		errs     *multierror.Error
		usable   bool
	)
	for _, run := range runs {
		status := run.status
		if status.Succeeded() {
			usable = true
			kept := filterRecords(run.records, actors, ops)
			status.Records = len(kept)
			records = append(records, kept...)
		}
		if run.err != nil {
			errs = multierror.Append(errs, run.err)
		}
		if w := warningOf(status); w != "" {
			warnings = append(warnings, w)
		}
		statuses = append(statuses, status)
	}

	if !usable {
		logger.Error("no source succeeded", "sources", len(runs))
		if errs == nil {
			errs = multierror.Append(errs, errors.New("no source returned data"))
		}
		return nil, &types.NoSourcesSucceededError{Statuses: statuses, Errs: errs}
	}

	records = o.cfg.Engine.Apply(records, now)
	o.cfg.Metrics.observeFlags(records)

	if req.Anonymize {
		anon, err := o.cfg.NewAnonymizer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialise anonymizer: %w", err)
		}
		records = anon.Apply(records)
	}

	if records == nil {
		records = []types.Record{}
	}
	report := &types.AuditReport{
		ID:              id,
		Kind:            types.ReportInvestigation,
		InvestigationID: id,
		GeneratedAt:     now,
		Window:          window,
		Records:         records,
		Sources:         statuses,
		Warnings:        warnings,
		Anonymized:      req.Anonymize,
	}
	logger.Info("investigation finished", "records", len(records), "flags", report.FlagCount(), "warnings", len(warnings))
	return report, nil
}

// prepare validates the request and resolves its adapters and filters
func (o *Investigator) prepare(req types.InvestigationRequest, now time.Time) (types.Window, []sources.Adapter, *actorFilter, operationFilter, error) {
	if len(req.Sources) == 0 {
		return types.Window{}, nil, nil, nil, errors.New("at least one source is required")
	}
	window, err := req.Window(now)
	if err != nil {
		return types.Window{}, nil, nil, nil, fmt.Errorf("invalid investigation window: %w", err)
	}

	seen := make(map[types.SourceID]bool)
	var adapters []sources.Adapter
	for _, id := range req.Sources {
		if seen[id] {
			continue
		}
		seen[id] = true
		a, err := o.cfg.Registry.Get(id)
		if err != nil {
			return types.Window{}, nil, nil, nil, err
		}
		adapters = append(adapters, a)
	}

	actors, err := newActorFilter(req.ActorFilter)
	if err != nil {
		return types.Window{}, nil, nil, nil, err
	}
	return window, adapters, actors, newOperationFilter(req.OperationFilter), nil
}
