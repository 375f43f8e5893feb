package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/PeculiarLoop/m365-audit-kit/internal/logs"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// AzureConfig selects the credential chain. With ClientID and ClientSecret set a
// client-secret credential is used, otherwise azidentity's default chain.
type AzureConfig struct {
	TenantID          string
	ClientID          string
	ClientSecret      string
	GraphBaseURL      string
	ManagementBaseURL string
	TokenTimeout      time.Duration
}

// AzureProvider issues connection handles backed by azidentity
type AzureProvider struct {
	cfg    AzureConfig
	cred   azcore.TokenCredential
	logger *slog.Logger
}

func NewAzureProvider(cfg AzureConfig, logger *slog.Logger) (*AzureProvider, error) {
	if cfg.GraphBaseURL == "" {
		cfg.GraphBaseURL = DefaultGraphBaseURL
	}
	if cfg.ManagementBaseURL == "" {
		cfg.ManagementBaseURL = DefaultManagementBaseURL
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = 30 * time.Second
	}

	var (
		cred azcore.TokenCredential
		err  error
	)
	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		if cfg.TenantID == "" {
			return nil, &types.AuthenticationFailedError{Kind: "azure", Err: fmt.Errorf("tenant-id is required with client-secret authentication")}
		}
		cred, err = azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	} else {
		var opts *azidentity.DefaultAzureCredentialOptions
		if cfg.TenantID != "" {
			opts = &azidentity.DefaultAzureCredentialOptions{TenantID: cfg.TenantID}
		}
		cred, err = azidentity.NewDefaultAzureCredential(opts)
	}
	if err != nil {
		return nil, &types.AuthenticationFailedError{Kind: "azure", Err: fmt.Errorf("failed to get Azure credentials: %w", err)}
	}

	return &AzureProvider{cfg: cfg, cred: cred, logger: logs.OrDefault(logger)}, nil
}

// GetConnection verifies that a token can be acquired for kind and returns a handle
func (p *AzureProvider) GetConnection(ctx context.Context, kind Kind) (*ConnectionHandle, error) {
	if kind == KindDNS {
		return &ConnectionHandle{Kind: KindDNS, TenantID: p.cfg.TenantID}, nil
	}

	scope := kind.Scope()
	if scope == "" {
		return nil, &types.AuthenticationFailedError{Kind: string(kind), Err: fmt.Errorf("unknown connection kind")}
	}

	tok, err := p.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{scope}})
	if err != nil {
		return nil, &types.AuthenticationFailedError{Kind: string(kind), Err: err}
	}

	tenantID := p.cfg.TenantID
	if tenantID == "" {
		tenantID = TenantFromToken(tok.Token)
	}
	p.logger.Debug("acquired token", "kind", kind, "tenant", tenantID, "expires", tok.ExpiresOn)

	baseURL := p.cfg.GraphBaseURL
	if kind == KindManagement {
		baseURL = p.cfg.ManagementBaseURL
	}

	src := &azureTokenSource{cred: p.cred, scope: scope, timeout: p.cfg.TokenTimeout}
	first := &oauth2.Token{AccessToken: tok.Token, TokenType: "Bearer", Expiry: tok.ExpiresOn}

	return &ConnectionHandle{
		Kind:        kind,
		TenantID:    tenantID,
		BaseURL:     baseURL,
		TokenSource: oauth2.ReuseTokenSource(first, src),
		credential:  p.cred,
	}, nil
}

// TenantFromToken reads the tid claim of an access token without verifying it
func TenantFromToken(accessToken string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return ""
	}
	tid, _ := claims["tid"].(string)
	return tid
}

type azureTokenSource struct {
	cred    azcore.TokenCredential
	scope   string
	timeout time.Duration
}

func (s *azureTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	tok, err := s.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{s.scope}})
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok.Token, TokenType: "Bearer", Expiry: tok.ExpiresOn}, nil
}
