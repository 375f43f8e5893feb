package sources

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/PeculiarLoop/m365-audit-kit/internal/logs"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/credentials"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/graph"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// Adapter fetches and normalizes one data source.
//
// Fetch returns a *types.SourceUnavailableError when nothing usable was
// produced and a *types.PartialResultError alongside a non-nil Result when
// some slices or items are missing.
type Adapter interface {
	ID() types.SourceID
	ConnectionKind() credentials.Kind
	// TimeBound adapters honour Query.Window; the others report current configuration.
	TimeBound() bool
	Fetch(ctx context.Context, conn *credentials.ConnectionHandle, q Query) (*Result, error)
}

// Query carries the request parameters an adapter may push down to its API
type Query struct {
	Window     types.Window
	Actors     []string
	Operations []string
}

// Result is the output of one adapter call
type Result struct {
	Records      []types.Record
	FailedSlices []types.Window
	FailedItems  []string
	Cancelled    bool
}

// Options configures the default adapters
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger

	// RetryBackoff is the wait before the single retry of a failed call (default 2s)
	RetryBackoff time.Duration

	// RequestsPerSecond and Burst size each adapter's own limiter (default 8/s, burst 4)
	RequestsPerSecond float64
	Burst             int

	// Domains overrides the domain list of the MailAuth adapter
	Domains []string
	// DKIMSelectors are probed in addition to selector1 and selector2
	DKIMSelectors []string
	// Resolver is the DNS server used by MailAuth ("" reads /etc/resolv.conf)
	Resolver string

	// MaxMailboxes caps the mailboxes inspected by the MailboxRule adapter (0 = all)
	MaxMailboxes int
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	o.Logger = logs.OrDefault(o.Logger)
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 8
	}
	if o.Burst <= 0 {
		o.Burst = 4
	}
	return o
}

func (o Options) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(o.RequestsPerSecond), o.Burst)
}

// base holds what every REST-backed adapter shares: options, its own limiter and logger
type base struct {
	id      types.SourceID
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newBase(id types.SourceID, opts Options) base {
	opts = opts.withDefaults()
	return base{
		id:      id,
		opts:    opts,
		limiter: opts.newLimiter(),
		logger:  opts.Logger.With("source", string(id)),
	}
}

func (b *base) ID() types.SourceID { return b.id }

// graphClient builds a REST client over the connection, rooted at <BaseURL>/<version>
func (b *base) graphClient(conn *credentials.ConnectionHandle, version string) *graph.Client {
	baseURL := credentials.DefaultGraphBaseURL
	if conn != nil && conn.BaseURL != "" {
		baseURL = conn.BaseURL
	}
	return graph.NewClient(conn.HTTPClient(b.opts.HTTPClient), baseURL+"/"+version,
		graph.WithLimiter(b.limiter), graph.WithLogger(b.logger))
}
