package sources

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// collection is what a configuration adapter gathered in one pass
type collection struct {
	findings    []types.Finding
	failedItems []string
	itemErrs    *multierror.Error
	cancelled   bool
}

func (c *collection) add(f types.Finding) {
	c.findings = append(c.findings, f)
}

// fail records an item (user, mailbox, app) whose detail could not be fetched
func (c *collection) fail(item string, err error) {
	c.failedItems = append(c.failedItems, item)
	c.itemErrs = multierror.Append(c.itemErrs, err)
}

// fetchFindings runs collect with one retry of the top-level listing and
// converts per-item failures into a partial result.
func (b *base) fetchFindings(ctx context.Context, collect func(ctx context.Context) (*collection, error)) (*Result, error) {
	c, err := retryOnce(ctx, b.opts.RetryBackoff, b.logger, "collect", collect)
	res := &Result{}
	if err != nil {
		res.Cancelled = ctx.Err() != nil
		return res, b.outcome(ctx, res, 0, 1, err)
	}

	for _, f := range c.findings {
		f.Source = b.id
		if f.RiskFlags == nil {
			f.RiskFlags = []types.RiskFlag{}
		}
		if f.Attributes == nil {
			f.Attributes = map[string]any{}
		}
		res.Records = append(res.Records, types.FindingRecord(f))
	}
	res.FailedItems = c.failedItems
	res.Cancelled = c.cancelled
	b.logger.Debug("collected findings", "findings", len(res.Records), "failedItems", len(res.FailedItems))

	return res, b.outcome(ctx, res, 1, 1, c.itemErrs.ErrorOrNil())
}
