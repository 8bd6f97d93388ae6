package sso

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywarden/keywarden/auth"
)

// fakeDirectory is an in-memory OrganizationDirectory recording the
// invitations it is asked to send.
type fakeDirectory struct {
	organizations []*Organization
	memberships   []*Membership
	inviteErr     error

	invitations []*Invitation
}

func (d *fakeDirectory) FindOrganizationByName(_ context.Context, name string) (*Organization, error) {
	for _, org := range d.organizations {
		if org.Name == name {
			return org, nil
		}
	}
	return nil, nil
}

func (d *fakeDirectory) FindMembershipsAnyState(_ context.Context, userID string) ([]*Membership, error) {
	var found []*Membership
	for _, m := range d.memberships {
		if m.UserID == userID {
			found = append(found, m)
		}
	}
	return found, nil
}

func (d *fakeDirectory) Invite(_ context.Context, invitation *Invitation) error {
	if d.inviteErr != nil {
		return d.inviteErr
	}
	d.invitations = append(d.invitations, invitation)
	return nil
}

func testDevice() *auth.Device {
	return &auth.Device{ID: "dev-1", Name: "chrome", RefreshToken: "device-secret"}
}

func testUser() *auth.User {
	return &auth.User{ID: "user-1", Email: "alice@example.com", Name: "Alice", EmailVerified: true}
}

// startTestService stands up a Service against a fresh TestProvider with an
// in-memory nonce store and a login nonce the provider will embed in its
// id_tokens.
func startTestService(t *testing.T, mutate func(*Config), opt ...Option) (*Service, *TestProvider, *MemoryNonceStore) {
	t.Helper()
	tp := StartTestProvider(t)
	c := testConfig(t, tp)
	if mutate != nil {
		mutate(c)
	}
	store := NewMemoryNonceStore()
	svc, err := NewService(c, store, opt...)
	require.NoError(t, err)

	require.NoError(t, store.Create(context.Background(), "n_live"))
	tp.SetExpectedAuthNonce("n_live")
	return svc, tp, store
}

func TestNewService(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)

	t.Run("nil-config", func(t *testing.T) {
		_, err := NewService(nil, NewMemoryNonceStore())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNilParameter)
	})
	t.Run("invalid-config", func(t *testing.T) {
		_, err := NewService(&Config{}, NewMemoryNonceStore())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})
	t.Run("nil-nonce-store", func(t *testing.T) {
		_, err := NewService(testConfig(t, tp), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNilParameter)
	})
	t.Run("invites-require-directory", func(t *testing.T) {
		c := testConfig(t, tp)
		c.OrganizationInvites = true
		_, err := NewService(c, NewMemoryNonceStore())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})
	t.Run("bad-key-file-fails-construction", func(t *testing.T) {
		c := testConfig(t, tp)
		c.KeyFilepath = testKeyFile(t, "not a pem")
		_, err := NewService(c, NewMemoryNonceStore())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidKeyFile)
	})
}

func TestService_AuthorizeURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("persists-a-fresh-nonce", func(t *testing.T) {
		svc, _, store := startTestService(t, nil)
		raw, err := svc.AuthorizeURL(ctx, "st_csrf")
		require.NoError(t, err)

		u, err := url.Parse(raw)
		require.NoError(t, err)
		q := u.Query()
		assert.Equal(t, "st_csrf", q.Get("state"))
		assert.Equal(t, "test-client-id", q.Get("client_id"))
		assert.Equal(t, "https://vault.example.com/sso/callback", q.Get("redirect_uri"))
		assert.Contains(t, q.Get("scope"), "openid")
		assert.Contains(t, q.Get("scope"), "email")
		assert.Contains(t, q.Get("scope"), "profile")

		nonce := q.Get("nonce")
		require.NotEmpty(t, nonce)
		record, err := store.Find(ctx, nonce)
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, nonce, record.Value)
	})
	t.Run("two-attempts-two-nonces", func(t *testing.T) {
		svc, _, _ := startTestService(t, nil)
		first, err := svc.AuthorizeURL(ctx, "st_one")
		require.NoError(t, err)
		second, err := svc.AuthorizeURL(ctx, "st_two")
		require.NoError(t, err)

		u1, err := url.Parse(first)
		require.NoError(t, err)
		u2, err := url.Parse(second)
		require.NoError(t, err)
		assert.NotEqual(t, u1.Query().Get("nonce"), u2.Query().Get("nonce"))
	})
	t.Run("organizations-scope", func(t *testing.T) {
		svc, _, _ := startTestService(t, func(c *Config) {
			c.OrganizationInvites = true
			c.OrganizationsScope = "orgs:read"
		}, WithOrganizationDirectory(&fakeDirectory{}))
		raw, err := svc.AuthorizeURL(ctx, "st_csrf")
		require.NoError(t, err)
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Contains(t, u.Query().Get("scope"), "orgs:read")
	})
	t.Run("empty-state", func(t *testing.T) {
		svc, _, _ := startTestService(t, nil)
		_, err := svc.AuthorizeURL(ctx, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})
}

func TestService_ExchangeCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("insecure-policy", func(t *testing.T) {
		svc, tp, _ := startTestService(t, nil)
		got, err := svc.ExchangeCode(ctx, "test-code")
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", got.Email)
		assert.Equal(t, "alice", got.UserName)
		assert.Equal(t, 1, tp.TokenRequestCount())
	})
	t.Run("re-entry-is-served-from-cache", func(t *testing.T) {
		svc, tp, _ := startTestService(t, nil)
		first, err := svc.ExchangeCode(ctx, "test-code")
		require.NoError(t, err)
		second, err := svc.ExchangeCode(ctx, "test-code")
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, 1, tp.TokenRequestCount())
	})
	t.Run("wrapped-provider-error", func(t *testing.T) {
		svc, tp, _ := startTestService(t, nil)
		code, err := svc.WrapProviderError("access_denied", "the user cancelled the login")
		require.NoError(t, err)

		_, err = svc.ExchangeCode(ctx, code)
		require.Error(t, err)
		var providerErr *ProviderError
		require.ErrorAs(t, err, &providerErr)
		assert.Equal(t, "access_denied", providerErr.ErrorCode)
		assert.Equal(t, "the user cancelled the login", providerErr.Description)
		assert.Equal(t, 0, tp.TokenRequestCount())
	})
	t.Run("tampered-provider-error", func(t *testing.T) {
		svc, _, _ := startTestService(t, nil)
		code, err := svc.WrapProviderError("access_denied", "nope")
		require.NoError(t, err)

		_, err = svc.ExchangeCode(ctx, code+"x")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
	t.Run("rejected-code", func(t *testing.T) {
		svc, _, _ := startTestService(t, nil)
		_, err := svc.ExchangeCode(ctx, "some-other-code")
		require.Error(t, err)
	})
	t.Run("empty-code", func(t *testing.T) {
		svc, _, _ := startTestService(t, nil)
		_, err := svc.ExchangeCode(ctx, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})
	t.Run("missing-id-token", func(t *testing.T) {
		svc, tp, _ := startTestService(t, nil)
		tp.SetOmitIDToken(true)
		_, err := svc.ExchangeCode(ctx, "test-code")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMissingIdToken)
	})
	t.Run("missing-refresh-token", func(t *testing.T) {
		svc, tp, _ := startTestService(t, nil)
		tp.SetOmitRefreshToken(true)
		_, err := svc.ExchangeCode(ctx, "test-code")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMissingRefreshToken)
	})
	t.Run("unknown-nonce", func(t *testing.T) {
		svc, tp, _ := startTestService(t, nil)
		tp.SetExpectedAuthNonce("n_never_persisted")
		_, err := svc.ExchangeCode(ctx, "test-code")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNonceNotFound)
	})
	t.Run("missing-email", func(t *testing.T) {
		svc, tp, _ := startTestService(t, nil)
		tp.SetUserInfoReply(map[string]interface{}{"preferred_username": "alice"})
		_, err := svc.ExchangeCode(ctx, "test-code")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMissingEmail)
	})
	t.Run("email-from-id-token-wins", func(t *testing.T) {
		svc, tp, _ := startTestService(t, nil)
		tp.SetCustomIDClaims(map[string]interface{}{"email": "id-token@example.com"})
		got, err := svc.ExchangeCode(ctx, "test-code")
		require.NoError(t, err)
		assert.Equal(t, "id-token@example.com", got.Email)
	})
	t.Run("missing-role-is-fatal", func(t *testing.T) {
		svc, _, _ := startTestService(t, func(c *Config) {
			c.RolesEnabled = true
			c.RolesDefaultToUser = false
		})
		_, err := svc.ExchangeCode(ctx, "test-code")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMissingRole)
	})
}

func TestService_ExchangeCode_verified(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tp := StartTestProvider(t)
	c := testConfig(t, tp)
	c.KeyFilepath = testKeyFile(t, tp.PublicKeyPEM())
	store := NewMemoryNonceStore()
	svc, err := NewService(c, store)
	require.NoError(t, err)
	require.False(t, svc.Decoder().Insecure())

	require.NoError(t, store.Create(ctx, "n_live"))
	tp.SetExpectedAuthNonce("n_live")

	got, err := svc.ExchangeCode(ctx, "test-code")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)

	user, err := svc.Redeem(ctx, "test-code")
	require.NoError(t, err)
	assert.Equal(t, "n_live", user.Nonce)
}

func TestService_Redeem(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("full-identity-released-once", func(t *testing.T) {
		svc, tp, store := startTestService(t, func(c *Config) {
			c.RolesEnabled = true
			c.RolesDefaultToUser = true
			c.OrganizationInvites = true
		}, WithOrganizationDirectory(&fakeDirectory{}))
		tp.SetCustomAccessClaims(map[string]interface{}{
			"roles":  []string{"user", "admin"},
			"groups": []string{"Engineering"},
		})

		_, err := svc.ExchangeCode(ctx, "test-code")
		require.NoError(t, err)

		user, err := svc.Redeem(ctx, "test-code")
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", user.Email)
		assert.Equal(t, "alice", user.UserName)
		assert.Equal(t, "n_live", user.Nonce)
		assert.Equal(t, RoleAdmin, user.Role)
		assert.True(t, user.IsAdmin())
		assert.Equal(t, []string{"Engineering"}, user.Groups)
		assert.NotEmpty(t, string(user.AccessToken))
		assert.NotEmpty(t, string(user.RefreshToken))

		// the nonce is consumed with the identity
		record, err := store.Find(ctx, "n_live")
		require.NoError(t, err)
		assert.Nil(t, record)

		_, err = svc.Redeem(ctx, "test-code")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoCachedIdentity)
	})
	t.Run("unredeemed-code-has-no-identity", func(t *testing.T) {
		svc, _, _ := startTestService(t, nil)
		_, err := svc.Redeem(ctx, "test-code")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoCachedIdentity)
	})
	t.Run("consumed-nonce-blocks-replay", func(t *testing.T) {
		svc, _, store := startTestService(t, nil)
		_, err := svc.ExchangeCode(ctx, "test-code")
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, "n_live"))

		_, err = svc.Redeem(ctx, "test-code")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNonceNotFound)
	})
	t.Run("re-exchange-after-redeem-fails", func(t *testing.T) {
		svc, _, _ := startTestService(t, nil)
		_, err := svc.ExchangeCode(ctx, "test-code")
		require.NoError(t, err)
		_, err = svc.Redeem(ctx, "test-code")
		require.NoError(t, err)

		// the provider would still accept the code, but the nonce is gone
		_, err = svc.ExchangeCode(ctx, "test-code")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNonceNotFound)
	})
}

func TestService_CreateSessionTokens(t *testing.T) {
	t.Parallel()
	svc, tp, _ := startTestService(t, nil)
	now := time.Now().Truncate(time.Second)

	refreshRaw := tp.SignJWT(map[string]interface{}{
		"iss": tp.Addr(),
		"nbf": now.Unix(),
		"exp": now.Add(30 * 24 * time.Hour).Unix(),
	})
	accessRaw := tp.SignJWT(map[string]interface{}{
		"iss": tp.Addr(),
		"nbf": now.Unix(),
		"exp": now.Add(15 * time.Minute).Unix(),
	})

	pair, err := svc.CreateSessionTokens(testDevice(), testUser(), RefreshToken(refreshRaw), AccessToken(accessRaw))
	require.NoError(t, err)

	// refresh claims inherit the provider refresh window and embed its secret
	assert.Equal(t, auth.MethodSso, pair.Refresh.Method())
	assert.Equal(t, "device-secret", pair.Refresh.DeviceToken)
	assert.Equal(t, refreshRaw, pair.Refresh.ProviderRefreshToken)
	assert.Equal(t, now.Unix(), pair.Refresh.NotBefore.Unix())
	assert.Equal(t, now.Add(30*24*time.Hour).Unix(), pair.Refresh.ExpiresAt.Unix())

	// access claims inherit the provider access window
	assert.Equal(t, auth.LoginIssuer, pair.Access.Issuer)
	assert.Equal(t, "user-1", pair.Access.Subject)
	assert.Equal(t, "alice@example.com", pair.Access.Email)
	assert.Equal(t, "dev-1", pair.Access.Device)
	assert.Equal(t, []string{"api", "offline_access"}, pair.Access.Scope)
	assert.Equal(t, now.Add(15*time.Minute).Unix(), pair.Access.ExpiresAt.Unix())

	t.Run("nil-device", func(t *testing.T) {
		_, err := svc.CreateSessionTokens(nil, testUser(), RefreshToken(refreshRaw), AccessToken(accessRaw))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNilParameter)
	})
	t.Run("undecodable-refresh-token", func(t *testing.T) {
		_, err := svc.CreateSessionTokens(testDevice(), testUser(), "opaque", AccessToken(accessRaw))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestService_ExchangeRefreshToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	providerRefresh := func(tp *TestProvider) string {
		now := time.Now()
		return tp.SignJWT(map[string]interface{}{
			"iss": tp.Addr(),
			"nbf": now.Unix(),
			"exp": now.Add(30 * 24 * time.Hour).Unix(),
		})
	}

	t.Run("no-provider-refresh-token", func(t *testing.T) {
		svc, _, _ := startTestService(t, nil)
		claims := auth.NewRefreshClaims(testDevice(), auth.MethodPassword, time.Now(), time.Now().Add(time.Hour), "")
		_, err := svc.ExchangeRefreshToken(ctx, testDevice(), testUser(), &claims)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMissingRefreshToken)
	})
	t.Run("provider-keeps-refresh-token", func(t *testing.T) {
		svc, tp, _ := startTestService(t, nil)
		current := providerRefresh(tp)
		claims := auth.NewRefreshClaims(testDevice(), auth.MethodSso, time.Now(), time.Now().Add(time.Hour), current)

		pair, err := svc.ExchangeRefreshToken(ctx, testDevice(), testUser(), &claims)
		require.NoError(t, err)
		assert.Equal(t, current, pair.Refresh.ProviderRefreshToken)
		assert.Equal(t, auth.MethodSso, pair.Refresh.Method())
		assert.Equal(t, 1, tp.TokenRequestCount())
	})
	t.Run("provider-rolls-refresh-token", func(t *testing.T) {
		svc, tp, _ := startTestService(t, nil)
		current := providerRefresh(tp)
		rolled := providerRefresh(tp)
		tp.SetRolledRefreshToken(rolled)
		claims := auth.NewRefreshClaims(testDevice(), auth.MethodSso, time.Now(), time.Now().Add(time.Hour), current)

		pair, err := svc.ExchangeRefreshToken(ctx, testDevice(), testUser(), &claims)
		require.NoError(t, err)
		assert.Equal(t, rolled, pair.Refresh.ProviderRefreshToken)
	})
	t.Run("nil-claims", func(t *testing.T) {
		svc, _, _ := startTestService(t, nil)
		_, err := svc.ExchangeRefreshToken(ctx, testDevice(), testUser(), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNilParameter)
	})
}

func TestService_SyncGroups(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("disabled-is-a-noop", func(t *testing.T) {
		svc, _, _ := startTestService(t, nil)
		err := svc.SyncGroups(ctx, testUser(), testDevice(), "198.51.100.7", []string{"Engineering"})
		require.NoError(t, err)
	})
	t.Run("invites-only-non-members", func(t *testing.T) {
		dir := &fakeDirectory{
			organizations: []*Organization{
				{ID: "org-eng", Name: "Engineering", BillingEmail: "billing-eng@example.com"},
				{ID: "org-sales", Name: "Sales", BillingEmail: "billing-sales@example.com"},
			},
			memberships: []*Membership{
				// even a revoked membership suppresses a new invitation
				{OrganizationID: "org-eng", UserID: "user-1", Type: MemberTypeUser, Status: MembershipRevoked},
			},
		}
		svc, _, _ := startTestService(t, func(c *Config) {
			c.OrganizationInvites = true
		}, WithOrganizationDirectory(dir))

		err := svc.SyncGroups(ctx, testUser(), testDevice(), "198.51.100.7",
			[]string{"Engineering", "Sales", "NoSuchOrg"})
		require.NoError(t, err)

		require.Len(t, dir.invitations, 1)
		got := dir.invitations[0]
		assert.Equal(t, "org-sales", got.Organization.ID)
		assert.Equal(t, "user-1", got.User.ID)
		assert.Equal(t, "198.51.100.7", got.IP)
		assert.Equal(t, MemberTypeUser, got.Type)
		assert.True(t, got.AutoAccept)
		assert.Equal(t, "billing-sales@example.com", got.Notify)
	})
	t.Run("invite-failure-aborts", func(t *testing.T) {
		dir := &fakeDirectory{
			organizations: []*Organization{
				{ID: "org-sales", Name: "Sales", BillingEmail: "billing-sales@example.com"},
			},
			inviteErr: errors.New("smtp is down"),
		}
		svc, _, _ := startTestService(t, func(c *Config) {
			c.OrganizationInvites = true
		}, WithOrganizationDirectory(dir))

		err := svc.SyncGroups(ctx, testUser(), testDevice(), "198.51.100.7", []string{"Sales"})
		require.Error(t, err)
	})
	t.Run("nil-user", func(t *testing.T) {
		svc, _, _ := startTestService(t, func(c *Config) {
			c.OrganizationInvites = true
		}, WithOrganizationDirectory(&fakeDirectory{}))
		err := svc.SyncGroups(ctx, nil, testDevice(), "198.51.100.7", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNilParameter)
	})
}
