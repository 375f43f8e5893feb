package sources

import (
	"context"
	"fmt"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/credentials"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/graph"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// mailboxItemRecordTypes are the Management API record types of mailbox item access audit
var mailboxItemRecordTypes = map[int]bool{
	2:  true, // ExchangeItem
	3:  true, // ExchangeItemGroup
	50: true, // ExchangeItemAggregated
}

// managementEventAdapter reads the Office 365 Management Activity API feed
type managementEventAdapter struct {
	base
	contentTypes []string
	keep         func(recordType int) bool
}

// NewAuditLogAdapter reads the unified audit log, excluding mailbox item access records
func NewAuditLogAdapter(opts Options) Adapter {
	return &managementEventAdapter{
		base: newBase(types.SourceAuditLog, opts),
		contentTypes: []string{
			graph.ContentAzureActiveDirectory,
			graph.ContentExchange,
			graph.ContentSharePoint,
			graph.ContentGeneral,
		},
		keep: func(recordType int) bool { return !mailboxItemRecordTypes[recordType] },
	}
}

// NewMailboxAuditAdapter reads mailbox item access records from Audit.Exchange
func NewMailboxAuditAdapter(opts Options) Adapter {
	return &managementEventAdapter{
		base:         newBase(types.SourceMailboxAudit, opts),
		contentTypes: []string{graph.ContentExchange},
		keep:         func(recordType int) bool { return mailboxItemRecordTypes[recordType] },
	}
}

func (a *managementEventAdapter) ConnectionKind() credentials.Kind { return credentials.KindManagement }
func (a *managementEventAdapter) TimeBound() bool                  { return true }

func (a *managementEventAdapter) Fetch(ctx context.Context, conn *credentials.ConnectionHandle, q Query) (*Result, error) {
	if conn == nil || conn.TenantID == "" {
		return nil, &types.SourceUnavailableError{Source: a.id, Err: fmt.Errorf("management connection has no tenant id")}
	}

	baseURL := credentials.DefaultManagementBaseURL
	if conn.BaseURL != "" {
		baseURL = conn.BaseURL
	}
	client := graph.NewManagementClient(
		graph.NewClient(conn.HTTPClient(a.opts.HTTPClient), baseURL, graph.WithLimiter(a.limiter), graph.WithLogger(a.logger)),
		conn.TenantID,
	)

	for _, ct := range a.contentTypes {
		if err := client.StartSubscription(ctx, ct); err != nil {
			a.logger.Debug("could not start subscription", "contentType", ct, "error", err)
		}
	}

	return a.fetchSliced(ctx, q.Window, ManagementSliceSpan, func(ctx context.Context, slice types.Window) ([]types.NormalizedEvent, error) {
		var events []types.NormalizedEvent
		unparsed := 0
		for _, ct := range a.contentTypes {
			blobs, err := client.ListContent(ctx, ct, slice.Start, slice.End)
			if err != nil {
				return nil, fmt.Errorf("list %s content: %w", ct, err)
			}
			for _, blob := range blobs {
				records, err := client.FetchContent(ctx, blob.ContentURI)
				if err != nil {
					return nil, fmt.Errorf("fetch %s content %s: %w", ct, blob.ContentID, err)
				}
				for _, rec := range records {
					ev, ok := normalizeManagementRecord(rec)
					if !ok {
						unparsed++
						continue
					}
					if rt, _ := number(rec, "RecordType"); !a.keep(int(rt)) {
						continue
					}
					events = append(events, ev)
				}
			}
		}
		if unparsed > 0 {
			a.logger.Warn("dropped records with an unparseable timestamp", "slice", slice.String(), "field", "CreationTime", "count", unparsed)
		}
		a.logger.Debug("fetched slice", "slice", slice.String(), "events", len(events))
		return events, nil
	})
}

func normalizeManagementRecord(rec map[string]any) (types.NormalizedEvent, bool) {
	ts, ok := parseTime(str(rec, "CreationTime"))
	if !ok {
		return types.NormalizedEvent{}, false
	}
	return types.NormalizedEvent{
		ID:         str(rec, "Id"),
		Timestamp:  ts,
		Actor:      str(rec, "UserId", "UserKey"),
		Operation:  str(rec, "Operation"),
		Target:     str(rec, "ObjectId", "MailboxOwnerUPN"),
		RawPayload: rec,
	}, true
}
