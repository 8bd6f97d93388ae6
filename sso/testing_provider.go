package sso

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TestProvider is a local OIDC server that stands in for a real identity
// provider in tests: discovery, authorization-code and refresh-token
// exchange, user-info and JWKS.  It deliberately implements just enough of
// the protocol for this package's flows.
type TestProvider struct {
	httpServer *httptest.Server
	privKey    *rsa.PrivateKey

	mu                 sync.Mutex
	clientID           string
	clientSecret       string
	expectedAuthCode   string
	expectedAuthNonce  string
	replyUserinfo      map[string]interface{}
	customIDClaims     map[string]interface{}
	customAccessClaims map[string]interface{}
	omitIDToken        bool
	omitRefreshToken   bool
	rolledRefreshToken string
	tokenRequestCount  int

	t *testing.T
}

// StartTestProvider creates and starts a running TestProvider.  The server
// is stopped when the test (and its subtests) complete.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	require := require.New(t)

	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)

	p := &TestProvider{
		t:                 t,
		privKey:           privKey,
		clientID:          "test-client-id",
		clientSecret:      "test-client-secret",
		expectedAuthCode:  "test-code",
		expectedAuthNonce: "test-nonce",
		replyUserinfo: map[string]interface{}{
			"email":              "alice@example.com",
			"preferred_username": "alice",
		},
	}
	p.httpServer = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.httpServer.Close)
	return p
}

// Addr returns the provider's issuer URL.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// PublicKeyPEM returns the provider's signing public key as PEM, suitable
// for a Config.KeyFilepath file.
func (p *TestProvider) PublicKeyPEM() string {
	der, err := x509.MarshalPKIXPublicKey(&p.privKey.PublicKey)
	require.NoError(p.t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// SetClientCreds sets the relying party credentials the provider expects.
func (p *TestProvider) SetClientCreds(id, secret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID, p.clientSecret = id, secret
}

// SetExpectedAuthCode sets the only authorization code the token endpoint
// will accept.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetExpectedAuthNonce sets the nonce embedded in minted id_tokens.
func (p *TestProvider) SetExpectedAuthNonce(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthNonce = nonce
}

// SetUserInfoReply sets the user-info endpoint response.
func (p *TestProvider) SetUserInfoReply(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyUserinfo = claims
}

// SetCustomIDClaims merges extra claims into minted id_tokens.
func (p *TestProvider) SetCustomIDClaims(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customIDClaims = claims
}

// SetCustomAccessClaims merges extra claims (e.g. roles, groups) into
// minted access tokens.
func (p *TestProvider) SetCustomAccessClaims(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customAccessClaims = claims
}

// SetOmitIDToken drops the id_token from token responses.
func (p *TestProvider) SetOmitIDToken(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = omit
}

// SetOmitRefreshToken drops the refresh_token from token responses.
func (p *TestProvider) SetOmitRefreshToken(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitRefreshToken = omit
}

// SetRolledRefreshToken makes refresh-grant responses return the given
// refresh token instead of none.
func (p *TestProvider) SetRolledRefreshToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rolledRefreshToken = token
}

// TokenRequestCount reports how many requests reached the token endpoint,
// so tests can assert an exchange was (or was not) repeated.
func (p *TestProvider) TokenRequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenRequestCount
}

// SignJWT signs arbitrary claims with the provider's key.  Handy for
// crafting tokens in decoder tests.
func (p *TestProvider) SignJWT(claims map[string]interface{}) string {
	p.t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: p.privKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(p.t, err)
	raw, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	require.NoError(p.t, err)
	return raw
}

func (p *TestProvider) handle(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		p.writeJSON(w, map[string]interface{}{
			"issuer":                                p.httpServer.URL,
			"authorization_endpoint":                p.httpServer.URL + "/authorize",
			"token_endpoint":                        p.httpServer.URL + "/token",
			"userinfo_endpoint":                     p.httpServer.URL + "/userinfo",
			"jwks_uri":                              p.httpServer.URL + "/.well-known/jwks.json",
			"id_token_signing_alg_values_supported": []string{"RS256"},
			"response_types_supported":              []string{"code"},
			"subject_types_supported":               []string{"public"},
		})
	case "/.well-known/jwks.json":
		p.writeJSON(w, jose.JSONWebKeySet{
			Keys: []jose.JSONWebKey{{Key: &p.privKey.PublicKey, Use: "sig", Algorithm: "RS256"}},
		})
	case "/token":
		p.handleToken(w, req)
	case "/userinfo":
		p.writeJSON(w, p.replyUserinfo)
	default:
		http.NotFound(w, req)
	}
}

func (p *TestProvider) handleToken(w http.ResponseWriter, req *http.Request) {
	p.tokenRequestCount++
	if err := req.ParseForm(); err != nil {
		http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
		return
	}
	if req.Form.Get("grant_type") == "authorization_code" && req.Form.Get("code") != p.expectedAuthCode {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
		return
	}

	now := time.Now()
	reply := map[string]interface{}{
		"token_type":   "Bearer",
		"expires_in":   300,
		"access_token": p.signClaims(p.standardClaims(now), p.customAccessClaims),
	}
	if !p.omitIDToken {
		idClaims := p.standardClaims(now)
		idClaims["aud"] = p.clientID
		idClaims["nonce"] = p.expectedAuthNonce
		reply["id_token"] = p.signClaims(idClaims, p.customIDClaims)
	}
	switch {
	case req.Form.Get("grant_type") == "refresh_token":
		if p.rolledRefreshToken != "" {
			reply["refresh_token"] = p.rolledRefreshToken
		}
	case !p.omitRefreshToken:
		reply["refresh_token"] = p.signClaims(p.standardClaims(now), nil)
	}
	p.writeJSON(w, reply)
}

// standardClaims are the registered claims every minted token starts from.
func (p *TestProvider) standardClaims(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"iss": p.httpServer.URL,
		"sub": "test-subject",
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
}

func (p *TestProvider) signClaims(claims map[string]interface{}, extra map[string]interface{}) string {
	for k, v := range extra {
		claims[k] = v
	}
	return p.SignJWT(claims)
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(v)
	require.NoError(p.t, err)
}
