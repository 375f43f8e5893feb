package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PeculiarLoop/m365-audit-kit/internal/logs"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/credentials"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/rules"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/sources"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

var runNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeAdapter returns canned records or errors and records how it was called
type fakeAdapter struct {
	id        types.SourceID
	kind      credentials.Kind
	timeBound bool
	records   []types.Record
	err       error
	delay     time.Duration
	// blockUntilCancel makes Fetch return its records as a cancelled partial result once ctx is done
	blockUntilCancel bool
	started          chan struct{}

	calls    atomic.Int32
	mu       sync.Mutex
	queries  []sources.Query
	inFlight *concurrency
}

type concurrency struct {
	mu      sync.Mutex
	current int
	max     int
}

func (c *concurrency) enter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current++
	if c.current > c.max {
		c.max = c.current
	}
}

func (c *concurrency) leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current--
}

func (f *fakeAdapter) ID() types.SourceID { return f.id }

func (f *fakeAdapter) ConnectionKind() credentials.Kind {
	if f.kind == "" {
		return credentials.KindGraph
	}
	return f.kind
}

func (f *fakeAdapter) TimeBound() bool { return f.timeBound }

func (f *fakeAdapter) Fetch(ctx context.Context, _ *credentials.ConnectionHandle, q sources.Query) (*sources.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()

	if f.inFlight != nil {
		f.inFlight.enter()
		defer f.inFlight.leave()
	}
	if f.started != nil {
		close(f.started)
	}

	if f.blockUntilCancel {
		<-ctx.Done()
		return &sources.Result{Records: f.records, Cancelled: true},
			&types.PartialResultError{Source: f.id, Cancelled: true, Err: ctx.Err()}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, &types.SourceUnavailableError{Source: f.id, Err: ctx.Err()}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &sources.Result{Records: f.records}, nil
}

func unavailable(id types.SourceID) error {
	return &types.SourceUnavailableError{Source: id, Err: context.DeadlineExceeded}
}

func event(source types.SourceID, id, actor, op string, ts time.Time) types.Record {
	return types.EventRecord(types.NormalizedEvent{
		Source:     source,
		ID:         id,
		Timestamp:  ts,
		Actor:      actor,
		Operation:  op,
		RawPayload: map[string]any{"Id": id, "UserId": actor},
		RiskFlags:  []types.RiskFlag{},
	})
}

func findingRecord(source types.SourceID, ft types.FindingType, subject string, attrs map[string]any) types.Record {
	return types.FindingRecord(types.Finding{
		Type:       ft,
		Source:     source,
		SubjectID:  subject,
		Attributes: attrs,
		RawPayload: map[string]any{"id": subject},
		RiskFlags:  []types.RiskFlag{},
	})
}

func testConfig(adapters ...sources.Adapter) Config {
	set, err := rules.LoadBuiltin()
	if err != nil {
		panic(err)
	}
	return Config{
		Registry:    sources.NewRegistry(adapters...),
		Credentials: &credentials.StaticProvider{},
		Engine:      rules.NewEngine(set, rules.WithLogger(logs.Discard())),
		Logger:      logs.Discard(),
		Now:         func() time.Time { return runNow },
	}
}
