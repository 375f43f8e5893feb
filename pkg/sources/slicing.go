package sources

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// Maximum per-call spans of the time-bound sources
const (
	ManagementSliceSpan     = 24 * time.Hour
	SignInSliceSpan         = 24 * time.Hour
	DirectoryAuditSliceSpan = 7 * 24 * time.Hour
)

// sliceFetcher fetches the events of one sub-window
type sliceFetcher func(ctx context.Context, slice types.Window) ([]types.NormalizedEvent, error)

// fetchSliced cuts window into spans, fetches each slice with one retry and
// merges the results ascending by timestamp. Events outside window are
// dropped and events sharing a non-empty id with an earlier one are dropped,
// so boundary overlaps are counted exactly once. A slice may return events
// older than the previous slice's (Management content is listed by
// availability time), so ordering is applied to the merged set.
func (b *base) fetchSliced(ctx context.Context, window types.Window, span time.Duration, fetch sliceFetcher) (*Result, error) {
	slices := window.Slices(span)
	res := &Result{}
	seen := make(map[string]struct{})

	var (
		errs      *multierror.Error
		succeeded int
	)

	for _, slice := range slices {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}

		events, err := retryOnce(ctx, b.opts.RetryBackoff, b.logger, "slice "+slice.String(),
			func(ctx context.Context) ([]types.NormalizedEvent, error) { return fetch(ctx, slice) })
		if err != nil {
			if ctx.Err() != nil {
				res.Cancelled = true
				break
			}
			b.logger.Warn("slice failed", "slice", slice.String(), "error", err)
			res.FailedSlices = append(res.FailedSlices, slice)
			errs = multierror.Append(errs, fmt.Errorf("slice %s: %w", slice, err))
			continue
		}
		succeeded++

		for _, ev := range events {
			if !window.Contains(ev.Timestamp) {
				continue
			}
			if ev.ID != "" {
				if _, dup := seen[ev.ID]; dup {
					continue
				}
				seen[ev.ID] = struct{}{}
			}
			ev.Source = b.id
			if ev.RiskFlags == nil {
				ev.RiskFlags = []types.RiskFlag{}
			}
			res.Records = append(res.Records, types.EventRecord(ev))
		}
	}

	sort.SliceStable(res.Records, func(i, j int) bool {
		return res.Records[i].Timestamp().Before(res.Records[j].Timestamp())
	})
	return res, b.outcome(ctx, res, succeeded, len(slices), errs.ErrorOrNil())
}

// outcome classifies a result: nothing usable is SourceUnavailable, gaps are PartialResult.
func (b *base) outcome(ctx context.Context, res *Result, succeeded, attempted int, cause error) error {
	if res.Cancelled {
		if succeeded == 0 && len(res.Records) == 0 {
			return &types.SourceUnavailableError{Source: b.id, Err: fmt.Errorf("cancelled before any data was fetched: %w", ctx.Err())}
		}
		return &types.PartialResultError{
			Source:       b.id,
			FailedSlices: res.FailedSlices,
			FailedItems:  res.FailedItems,
			Cancelled:    true,
			Err:          ctx.Err(),
		}
	}
	if attempted > 0 && succeeded == 0 {
		return &types.SourceUnavailableError{Source: b.id, Err: cause}
	}
	if len(res.FailedSlices) > 0 || len(res.FailedItems) > 0 {
		return &types.PartialResultError{
			Source:       b.id,
			FailedSlices: res.FailedSlices,
			FailedItems:  res.FailedItems,
			Err:          cause,
		}
	}
	return nil
}
