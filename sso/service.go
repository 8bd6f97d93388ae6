package sso

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/keywarden/keywarden/auth"
)

// Service composes the SSO core and is the only type the web layer talks
// to.  One login attempt walks through AuthorizeURL, ExchangeCode and
// Redeem, then CreateSessionTokens; a provider-side failure short-circuits
// at ExchangeCode via the error envelope channel.
//
// A Service is safe for concurrent use by many in-flight login attempts.
type Service struct {
	config     *Config
	decoder    *Decoder
	errorCoder *ErrorCoder
	cache      *identityCache
	nonces     NonceStore
	orgs       OrganizationDirectory
	httpClient *http.Client
	logger     hclog.Logger

	// mu guards provider: read-mostly, written once on first discovery.  A
	// concurrent first discovery wastes a network call, last writer wins.
	mu       sync.RWMutex
	provider *providerClient
}

// NewService creates the SSO core for the configured provider.  Provider
// discovery is deferred to first use; construction only compiles the token
// validation policy, so a bad key file fails here rather than on a login
// path.
func NewService(c *Config, nonces NonceStore, opt ...Option) (*Service, error) {
	const op = "sso.NewService"
	if c == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid config: %w", op, err)
	}
	if nonces == nil {
		return nil, fmt.Errorf("%s: nonce store is nil: %w", op, ErrNilParameter)
	}
	opts := getServiceOpts(opt...)
	logger := opts.withLogger
	if logger == nil {
		logger = hclog.Default().Named("sso")
	}
	if c.OrganizationInvites && opts.withOrganizations == nil {
		return nil, fmt.Errorf("%s: organization invites are enabled but no organization directory is configured: %w", op, ErrInvalidParameter)
	}
	decoder, err := NewDecoder(c, WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	httpClient, err := c.HTTPClient()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	errorCoder, err := NewErrorCoder(errorSigningKey(c))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Service{
		config:     c,
		decoder:    decoder,
		errorCoder: errorCoder,
		cache:      newIdentityCache(opts.withCacheSize, opts.withCacheTTL),
		nonces:     nonces,
		orgs:       opts.withOrganizations,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// errorSigningKey derives the error envelope HMAC key from the relying
// party credentials, so wrapped errors survive a process restart without
// additional key management.
func errorSigningKey(c *Config) []byte {
	sum := sha256.Sum256([]byte(c.ClientId + ":" + string(c.ClientSecret)))
	return sum[:]
}

// Decoder exposes the compiled token codec, e.g. so startup code can report
// whether the insecure policy is in effect.
func (s *Service) Decoder() *Decoder {
	return s.decoder
}

// client returns the memoized provider client, running discovery on first
// use.  Readers never block each other; the write lock is held only for the
// instant of installing the discovered client.
func (s *Service) client(ctx context.Context) (*providerClient, error) {
	s.mu.RLock()
	client := s.provider
	s.mu.RUnlock()
	if client != nil {
		return client, nil
	}

	client, err := discoverClient(ctx, s.config, s.httpClient)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.provider = client
	s.mu.Unlock()
	return client, nil
}

// AuthorizeURL builds the provider authorization URL for a new login
// attempt.  It generates and persists a fresh replay nonce and embeds it,
// along with the caller's CSRF state, in the returned URL.
func (s *Service) AuthorizeURL(ctx context.Context, state string) (string, error) {
	const op = "sso.(Service).AuthorizeURL"
	if state == "" {
		return "", fmt.Errorf("%s: state is empty: %w", op, ErrInvalidParameter)
	}
	client, err := s.client(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	nonce, err := NewNonce()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := s.nonces.Create(ctx, nonce); err != nil {
		return "", fmt.Errorf("%s: unable to save nonce: %w", op, err)
	}
	return client.AuthCodeURL(state, nonce), nil
}

// WrapProviderError encodes a provider-asserted error into an
// authorization-code-shaped string, so the redirect-only callback channel
// can carry it back into ExchangeCode.
func (s *Service) WrapProviderError(errorCode string, description string) (string, error) {
	return s.errorCoder.Encode(errorCode, description)
}

// ExchangeCode swaps an authorization code for the user's email and
// username.  The full identity, including provider token secrets and
// role/groups, is cached under the code and only released by Redeem.
//
// Calling ExchangeCode again with the same code before redemption returns
// the cached result without contacting the provider; a multi-step login
// (e.g. one interrupted by a second factor) re-enters here cheaply.
func (s *Service) ExchangeCode(ctx context.Context, code string) (*UserInformation, error) {
	const op = "sso.(Service).ExchangeCode"
	if code == "" {
		return nil, fmt.Errorf("%s: code is empty: %w", op, ErrInvalidParameter)
	}
	switch providerErr, matched, err := s.errorCoder.Decode(code); {
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	case matched:
		return nil, fmt.Errorf("%s: %w", op, providerErr)
	}

	if user, ok := s.cache.Get(code); ok {
		return &UserInformation{
			Email:    user.Email,
			UserName: user.UserName,
		}, nil
	}

	client, err := s.client(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	token, err := client.Exchange(ctx, s.httpClient, code)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rawIdToken, _ := token.Extra("id_token").(string)
	idClaims, err := s.decoder.IdToken(rawIdToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// The nonce must refer to a live login attempt.  It is only checked for
	// existence here; redemption consumes it.
	record, err := s.nonces.Find(ctx, idClaims.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to look up nonce: %w", op, err)
	}
	if record == nil {
		return nil, fmt.Errorf("%s: id token carries an unknown nonce: %w", op, ErrNonceNotFound)
	}

	accessToken := AccessToken(token.AccessToken)
	info, err := client.UserInfo(ctx, s.httpClient, accessToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	email := idClaims.Email
	if email == "" {
		email = info.Email
	}
	if email == "" {
		return nil, fmt.Errorf("%s: neither id token nor user info contained an email: %w", op, ErrMissingEmail)
	}

	accessClaims, err := s.decoder.AccessToken(email, accessToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if token.RefreshToken == "" {
		return nil, fmt.Errorf("%s: token response did not contain a refresh_token: %w", op, ErrMissingRefreshToken)
	}

	user := &AuthenticatedUser{
		Nonce:        idClaims.Nonce,
		RefreshToken: RefreshToken(token.RefreshToken),
		AccessToken:  accessToken,
		Email:        email,
		UserName:     info.PreferredUsername,
		Role:         accessClaims.Role,
		Groups:       accessClaims.Groups,
	}
	s.cache.Put(code, user)
	s.logger.Debug("authorization code exchanged", "email", email)

	return &UserInformation{
		Email:    email,
		UserName: info.PreferredUsername,
	}, nil
}

// Redeem atomically consumes the cached identity and its nonce, finalizing
// the login attempt.  A second Redeem with the same code fails: the cache
// entry is removed by the first, and the nonce record is deleted so even a
// re-exchanged code can never be redeemed twice.
func (s *Service) Redeem(ctx context.Context, code string) (*AuthenticatedUser, error) {
	const op = "sso.(Service).Redeem"
	user, ok := s.cache.Take(code)
	if !ok {
		return nil, fmt.Errorf("%s: failed to retrieve user info from sso cache: %w", op, ErrNoCachedIdentity)
	}
	record, err := s.nonces.Find(ctx, user.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to look up nonce: %w", op, err)
	}
	if record == nil {
		return nil, fmt.Errorf("%s: failed to retrieve nonce: %w", op, ErrNonceNotFound)
	}
	// A concurrent delete between Find and Delete surfaces as the same
	// missing-nonce failure.
	if err := s.nonces.Delete(ctx, user.Nonce); err != nil {
		return nil, fmt.Errorf("%s: failed to delete nonce: %w", op, err)
	}
	return user, nil
}

// CreateSessionTokens builds internal session claims for a device/user
// pair, inheriting the validity windows of the provider's token pair.
func (s *Service) CreateSessionTokens(device *auth.Device, user *auth.User, refreshToken RefreshToken, accessToken AccessToken) (*auth.TokenPair, error) {
	const op = "sso.(Service).CreateSessionTokens"
	if device == nil || user == nil {
		return nil, fmt.Errorf("%s: device or user is nil: %w", op, ErrNilParameter)
	}
	refreshPayload, err := s.decoder.BasicToken("refresh_token", string(refreshToken))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	accessPayload, err := s.decoder.BasicToken("access_token", string(accessToken))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &auth.TokenPair{
		Refresh: auth.NewRefreshClaims(device, auth.MethodSso, refreshPayload.NotBeforeOrNow(), refreshPayload.Expiry, string(refreshToken)),
		Access:  auth.NewLoginClaims(device, user, auth.MethodSso, accessPayload.NotBeforeOrNow(), accessPayload.Expiry),
	}, nil
}

// ExchangeRefreshToken rolls an SSO session against the provider's refresh
// endpoint and mints a fresh claim pair.  Sessions without an embedded
// provider refresh token (local password logins) can not be refreshed here.
func (s *Service) ExchangeRefreshToken(ctx context.Context, device *auth.Device, user *auth.User, refreshClaims *auth.RefreshClaims) (*auth.TokenPair, error) {
	const op = "sso.(Service).ExchangeRefreshToken"
	if device == nil || user == nil || refreshClaims == nil {
		return nil, fmt.Errorf("%s: device, user or refresh claims is nil: %w", op, ErrNilParameter)
	}
	if refreshClaims.ProviderRefreshToken == "" {
		return nil, fmt.Errorf("%s: impossible to retrieve new access token: %w", op, ErrMissingRefreshToken)
	}
	client, err := s.client(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	token, err := client.Refresh(ctx, s.httpClient, RefreshToken(refreshClaims.ProviderRefreshToken))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// keep the current refresh token unless the provider rolled it
	rolled := token.RefreshToken
	if rolled == "" {
		rolled = refreshClaims.ProviderRefreshToken
	}
	return s.CreateSessionTokens(device, user, RefreshToken(rolled), AccessToken(token.AccessToken))
}

// SyncGroups reconciles provider-asserted group names with organization
// membership.  For every group naming an existing organization where the
// user holds no membership in any state, it issues one auto-accepted
// invitation with default member privileges and the organization's billing
// contact as notifier.  A no-op unless organization invites are enabled.
func (s *Service) SyncGroups(ctx context.Context, user *auth.User, device *auth.Device, ip string, groups []string) error {
	const op = "sso.(Service).SyncGroups"
	if !s.config.OrganizationInvites {
		return nil
	}
	if user == nil || device == nil {
		return fmt.Errorf("%s: user or device is nil: %w", op, ErrNilParameter)
	}
	memberships, err := s.orgs.FindMembershipsAnyState(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("%s: unable to list memberships: %w", op, err)
	}
	memberOf := make(map[string]bool, len(memberships))
	for _, m := range memberships {
		memberOf[m.OrganizationID] = true
	}
	for _, group := range groups {
		org, err := s.orgs.FindOrganizationByName(ctx, group)
		if err != nil {
			return fmt.Errorf("%s: unable to look up organization %q: %w", op, group, err)
		}
		if org == nil || memberOf[org.ID] {
			continue
		}
		s.logger.Info("invitation to organization sent", "organization", group, "email", user.Email)
		invitation := &Invitation{
			User:         user,
			Device:       device,
			IP:           ip,
			Organization: org,
			Type:         MemberTypeUser,
			AutoAccept:   true,
			Notify:       org.BillingEmail,
		}
		if err := s.orgs.Invite(ctx, invitation); err != nil {
			return fmt.Errorf("%s: unable to invite %s to %q: %w", op, user.Email, group, err)
		}
	}
	return nil
}
