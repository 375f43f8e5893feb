package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/credentials"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/sources"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// DefaultParallelism bounds concurrent adapter calls of one run
const DefaultParallelism = 4

// sourceRun is the outcome of one adapter call
type sourceRun struct {
	adapter sources.Adapter
	records []types.Record
	status  types.SourceStatus
	err     error
}

// runSources calls every adapter once through a bounded pool. Runs are returned in
// adapter order regardless of completion order.
func runSources(ctx context.Context, adapters []sources.Adapter, q sources.Query, provider credentials.Provider,
	parallelism int, metrics *Metrics, logger *slog.Logger) []sourceRun {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	creds := credentials.NewCache(provider)

	runs := make([]sourceRun, len(adapters))
	semaphore := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	for i, a := range adapters {
		runs[i].adapter = a
		wg.Add(1)

		go func(run *sourceRun) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				run.err = &types.SourceUnavailableError{Source: run.adapter.ID(), Err: ctx.Err()}
				run.status = statusOf(ctx, run.adapter.ID(), nil, run.err)
				metrics.observeSource(run.status, 0)
				return
			}
			defer func() { <-semaphore }()

			start := time.Now()
			run.records, run.status, run.err = callAdapter(ctx, run.adapter, q, creds, logger)
			metrics.observeSource(run.status, time.Since(start))
		}(&runs[i])
	}

	wg.Wait()
	return runs
}

func callAdapter(ctx context.Context, a sources.Adapter, q sources.Query, creds *credentials.Cache,
	logger *slog.Logger) ([]types.Record, types.SourceStatus, error) {
	id := a.ID()
	log := logger.With("source", string(id))

	conn, err := creds.GetConnection(ctx, a.ConnectionKind())
	if err != nil {
		err = &types.SourceUnavailableError{Source: id, Err: err}
		log.Error("no connection for source", "error", err)
		return nil, statusOf(ctx, id, nil, err), err
	}

	log.Debug("fetching", "window", q.Window.String(), "timeBound", a.TimeBound())
	res, err := a.Fetch(ctx, conn, q)
	status := statusOf(ctx, id, res, err)

	switch status.Status {
	case types.StateComplete:
		log.Info("source complete", "records", status.Records)
	case types.StatePartial, types.StateCancelled:
		log.Warn("source returned partial results", "records", status.Records, "status", status.Status, "error", err)
	default:
		log.Error("source failed", "error", err)
	}

	if res == nil || !status.Succeeded() {
		return nil, status, err
	}
	return res.Records, status, err
}

// statusOf classifies an adapter outcome
func statusOf(ctx context.Context, id types.SourceID, res *sources.Result, err error) types.SourceStatus {
	status := types.SourceStatus{Source: id, Status: types.StateComplete}
	if res != nil {
		status.Records = len(res.Records)
		status.FailedSlices = res.FailedSlices
		status.FailedItems = res.FailedItems
	}
	if err == nil {
		if res != nil && res.Cancelled {
			status.Status = types.StateCancelled
		}
		return status
	}
	status.Error = err.Error()

	var partial *types.PartialResultError
	switch {
	case errors.As(err, &partial):
		status.Status = types.StatePartial
		if partial.Cancelled {
			status.Status = types.StateCancelled
		}
		if len(status.FailedSlices) == 0 {
			status.FailedSlices = partial.FailedSlices
		}
		if len(status.FailedItems) == 0 {
			status.FailedItems = partial.FailedItems
		}
	case ctx.Err() != nil:
		status.Status = types.StateCancelled
		status.Records = 0
	default:
		status.Status = types.StateFailed
		status.Records = 0
	}
	return status
}

// warningOf describes a source that did not complete, or "" when it did
func warningOf(s types.SourceStatus) string {
	switch s.Status {
	case types.StateComplete:
		return ""
	case types.StatePartial:
		msg := fmt.Sprintf("%s: partial results", s.Source)
		if n := len(s.FailedSlices); n > 0 {
			msg += fmt.Sprintf(", %d failed slices", n)
		}
		if n := len(s.FailedItems); n > 0 {
			msg += fmt.Sprintf(", %d failed items", n)
		}
		return msg
	case types.StateCancelled:
		return fmt.Sprintf("%s: cancelled after %d records", s.Source, s.Records)
	default:
		return fmt.Sprintf("%s: failed: %s", s.Source, s.Error)
	}
}
