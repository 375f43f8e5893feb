package credentials

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"golang.org/x/oauth2"
)

// Kind selects which service a connection handle talks to
type Kind string

const (
	KindGraph      Kind = "graph"
	KindManagement Kind = "management"
	KindDNS        Kind = "dns"
)

const (
	GraphScope      = "https://graph.microsoft.com/.default"
	ManagementScope = "https://manage.office.com/.default"

	DefaultGraphBaseURL      = "https://graph.microsoft.com"
	DefaultManagementBaseURL = "https://manage.office.com"
)

// Scope returns the OAuth scope for a connection kind, or "" when no token is needed
func (k Kind) Scope() string {
	switch k {
	case KindGraph:
		return GraphScope
	case KindManagement:
		return ManagementScope
	}
	return ""
}

// Provider hands out authenticated, read-only connection handles.
// Failures are reported as *types.AuthenticationFailedError.
type Provider interface {
	GetConnection(ctx context.Context, kind Kind) (*ConnectionHandle, error)
}

// ConnectionHandle is an authenticated session shared read-only by adapters
type ConnectionHandle struct {
	Kind     Kind
	TenantID string
	BaseURL  string

	// TokenSource is nil for connections that need no authentication (DNS)
	TokenSource oauth2.TokenSource

	credential azcore.TokenCredential

	graphOnce   sync.Once
	graphClient *msgraphsdk.GraphServiceClient
	graphErr    error
}

// NewConnectionHandle builds a handle around an existing token source. Tests use it with oauth2.StaticTokenSource.
func NewConnectionHandle(kind Kind, tenantID, baseURL string, ts oauth2.TokenSource) *ConnectionHandle {
	return &ConnectionHandle{Kind: kind, TenantID: tenantID, BaseURL: baseURL, TokenSource: ts}
}

// HTTPClient returns a client that attaches the handle's bearer token.
// base may be nil; its transport is reused when set.
func (h *ConnectionHandle) HTTPClient(base *http.Client) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	if h == nil || h.TokenSource == nil {
		return base
	}

	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &http.Client{
		Transport: &oauth2.Transport{Source: h.TokenSource, Base: transport},
		Timeout:   base.Timeout,
	}
}

// GraphClient lazily builds a msgraph SDK client from the handle's credential
func (h *ConnectionHandle) GraphClient() (*msgraphsdk.GraphServiceClient, error) {
	h.graphOnce.Do(func() {
		if h.credential == nil {
			h.graphErr = fmt.Errorf("%s connection has no Azure credential", h.Kind)
			return
		}
		h.graphClient, h.graphErr = msgraphsdk.NewGraphServiceClientWithCredentials(h.credential, []string{GraphScope})
	})
	return h.graphClient, h.graphErr
}
