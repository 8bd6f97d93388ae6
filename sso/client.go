package sso

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// providerClient is the memoized result of OIDC discovery: the provider's
// endpoints plus an oauth2 configuration for the authorization code flow.
// It is built on first use and shared read-only for the rest of the process
// lifetime (see Service.client).
type providerClient struct {
	provider *oidc.Provider
	oauth2   oauth2.Config
}

// discoverClient calls the provider's discovery endpoint and assembles a
// providerClient.  The httpClient is used for discovery and every later
// request the client makes.
func discoverClient(ctx context.Context, c *Config, httpClient *http.Client) (*providerClient, error) {
	const op = "sso.discoverClient"
	ctx = HTTPClientContext(ctx, httpClient)
	provider, err := oidc.NewProvider(ctx, c.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to discover OpenID provider: %v: %w", op, err, ErrDiscoveryFailed)
	}

	scopes := []string{oidc.ScopeOpenID, "email", "profile"}
	if c.OrganizationInvites && c.OrganizationsScope != "" {
		scopes = append(scopes, c.OrganizationsScope)
	}

	return &providerClient{
		provider: provider,
		oauth2: oauth2.Config{
			ClientID:     c.ClientId,
			ClientSecret: string(c.ClientSecret),
			RedirectURL:  c.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
	}, nil
}

// AuthCodeURL returns the provider authorization URL carrying the CSRF state
// and the replay nonce.
func (p *providerClient) AuthCodeURL(state string, nonce string) string {
	return p.oauth2.AuthCodeURL(state, oidc.Nonce(nonce))
}

// Exchange swaps an authorization code for the provider's token response.
func (p *providerClient) Exchange(ctx context.Context, httpClient *http.Client, code string) (*oauth2.Token, error) {
	const op = "sso.(providerClient).Exchange"
	token, err := p.oauth2.Exchange(HTTPClientContext(ctx, httpClient), code)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to contact token endpoint: %w", op, err)
	}
	return token, nil
}

// Refresh swaps a refresh token for a fresh provider token response.
func (p *providerClient) Refresh(ctx context.Context, httpClient *http.Client, refreshToken RefreshToken) (*oauth2.Token, error) {
	const op = "sso.(providerClient).Refresh"
	source := p.oauth2.TokenSource(HTTPClientContext(ctx, httpClient), &oauth2.Token{
		RefreshToken: string(refreshToken),
	})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("%s: request to refresh endpoint failed: %w", op, err)
	}
	return token, nil
}

// userInfo is the subset of provider profile claims this server reads.
type userInfo struct {
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
}

// UserInfo fetches profile claims from the provider's user-info endpoint.
func (p *providerClient) UserInfo(ctx context.Context, httpClient *http.Client, accessToken AccessToken) (*userInfo, error) {
	const op = "sso.(providerClient).UserInfo"
	source := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: string(accessToken),
		TokenType:   "Bearer",
	})
	info, err := p.provider.UserInfo(HTTPClientContext(ctx, httpClient), source)
	if err != nil {
		return nil, fmt.Errorf("%s: request to user_info endpoint failed: %v: %w", op, err, ErrUserInfoFailed)
	}
	var claims userInfo
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%s: failed to parse user_info claims: %v: %w", op, err, ErrUserInfoFailed)
	}
	if claims.Email == "" {
		claims.Email = info.Email
	}
	return &claims, nil
}
