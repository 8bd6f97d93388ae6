package sso

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/square/go-jose.v2/jwt"
)

// DefaultClockSkewLeeway is the leeway applied to expiry and not-before
// checks under the Verified policy.
const DefaultClockSkewLeeway = 30 * time.Second

// IdClaims are the claims this server needs from a provider id_token.
type IdClaims struct {
	// Expiry is the token's exp claim
	Expiry time.Time

	// Email is the optional email claim.  When absent the caller falls back
	// to the provider's user-info endpoint.
	Email string

	// Nonce binds the token to a persisted LoginNonce
	Nonce string
}

// AccessClaims are the role and group claims extracted from a provider
// access token.  Both are optional.
type AccessClaims struct {
	Role   Role
	Groups []string
}

// BasicClaims carry only the validity window of an opaque provider token.
// They are used to propagate the provider's window into internally minted
// session tokens.
type BasicClaims struct {
	IssuedAt  time.Time
	NotBefore time.Time
	Expiry    time.Time
}

// NotBeforeOrNow returns the start of the validity window: nbf, falling back
// to iat, then to the current time.
func (c *BasicClaims) NotBeforeOrNow() time.Time {
	switch {
	case !c.NotBefore.IsZero():
		return c.NotBefore
	case !c.IssuedAt.IsZero():
		return c.IssuedAt
	default:
		return time.Now()
	}
}

// Decoder decodes and validates provider JWTs.  The validation policy is
// compiled once at construction:
//
//   - Verified: the configured public key must verify the signature; issuer,
//     expiry and not-before are checked with DefaultClockSkewLeeway, and the
//     audience is checked for id_tokens.
//   - Insecure: no key is configured, signatures and time windows are not
//     checked.  The audience of id_tokens is still checked.  Every decode
//     under this policy logs at warn so an unintended insecure deployment is
//     visible to operators.
//
// A Decoder is safe for concurrent use.
type Decoder struct {
	config *Config
	logger hclog.Logger

	// key is nil under the Insecure policy
	key crypto.PublicKey
}

// NewDecoder compiles the validation policy for provider tokens.  A missing
// or unreadable key file selects the Insecure policy and logs a warning; a
// key file with invalid contents is a configuration error.
func NewDecoder(c *Config, opt ...Option) (*Decoder, error) {
	const op = "sso.NewDecoder"
	if c == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid config: %w", op, err)
	}
	opts := getDecoderOpts(opt...)
	logger := opts.withLogger
	if logger == nil {
		logger = hclog.Default().Named("sso")
	}
	d := &Decoder{
		config: c,
		logger: logger,
	}
	if c.KeyFilepath == "" {
		logger.Warn("no provider public key configured, provider token signatures will not be verified")
		return d, nil
	}
	pemBytes, err := os.ReadFile(c.KeyFilepath)
	if err != nil {
		logger.Warn("can't read provider public key, provider token signatures will not be verified",
			"path", c.KeyFilepath, "error", err)
		return d, nil
	}
	key, err := parsePublicKeyPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, c.KeyFilepath, err)
	}
	d.key = key
	return d, nil
}

// Insecure reports whether the Decoder runs without signature verification.
func (d *Decoder) Insecure() bool {
	return d.key == nil
}

// IdToken decodes and validates a raw id_token and returns the claims this
// server needs from it.
func (d *Decoder) IdToken(raw string) (*IdClaims, error) {
	const op = "sso.(Decoder).IdToken"
	if raw == "" {
		return nil, fmt.Errorf("%s: token response did not contain an id_token: %w", op, ErrMissingIdToken)
	}
	var payload struct {
		Email string `json:"email"`
		Nonce string `json:"nonce"`
	}
	std, err := d.decode(raw, true, &payload)
	if err != nil {
		d.debugToken("id_token", raw)
		return nil, fmt.Errorf("%s: could not decode id token: %w", op, err)
	}
	if std.Expiry == nil {
		return nil, fmt.Errorf("%s: id token has no exp claim: %w", op, ErrInvalidToken)
	}
	if payload.Nonce == "" {
		return nil, fmt.Errorf("%s: id token has no nonce claim: %w", op, ErrInvalidToken)
	}
	return &IdClaims{
		Expiry: std.Expiry.Time(),
		Email:  payload.Email,
		Nonce:  payload.Nonce,
	}, nil
}

// AccessToken decodes a provider access token and extracts role and group
// claims per the configured claim pointers.  When neither roles nor
// organization invitations are enabled the token is not inspected at all.
//
// Extraction failures degrade to "no role" / "no groups" and are logged; the
// one hard failure is a missing role when RolesEnabled is set without
// RolesDefaultToUser.
func (d *Decoder) AccessToken(email string, token AccessToken) (*AccessClaims, error) {
	const op = "sso.(Decoder).AccessToken"
	var claims AccessClaims
	if !d.config.RolesEnabled && !d.config.OrganizationInvites {
		return &claims, nil
	}
	raw := string(token)
	d.debugToken("access_token", raw)
	var all map[string]interface{}
	if _, err := d.decode(raw, false, &all); err != nil {
		return nil, fmt.Errorf("%s: could not decode access token: %w", op, err)
	}
	if d.config.RolesEnabled {
		claims.Role = d.roles(email, all)
		if claims.Role == "" && !d.config.RolesDefaultToUser {
			d.logger.Info("user failed to login due to missing/invalid role", "email", email)
			return nil, fmt.Errorf("%s: invalid user role, contact your administrator: %w", op, ErrMissingRole)
		}
	}
	if d.config.OrganizationInvites {
		claims.Groups = d.groups(email, all)
	}
	return &claims, nil
}

// BasicToken decodes the validity window claims of an opaque provider token.
// The tokenName is only used for logging and error messages.
func (d *Decoder) BasicToken(tokenName string, raw string) (*BasicClaims, error) {
	const op = "sso.(Decoder).BasicToken"
	std, err := d.decode(raw, false)
	if err != nil {
		d.debugToken(tokenName, raw)
		return nil, fmt.Errorf("%s: could not decode %s: %w", op, tokenName, err)
	}
	if std.Expiry == nil {
		return nil, fmt.Errorf("%s: %s has no exp claim: %w", op, tokenName, ErrInvalidToken)
	}
	claims := &BasicClaims{
		Expiry: std.Expiry.Time(),
	}
	if std.IssuedAt != nil {
		claims.IssuedAt = std.IssuedAt.Time()
	}
	if std.NotBefore != nil {
		claims.NotBefore = std.NotBefore.Time()
	}
	return claims, nil
}

// decode parses raw under the compiled policy, unmarshalling its payload
// into dest and returning the registered claims.  withAudience additionally
// requires the configured client id among the token's audiences; audience
// checking stays on even under the Insecure policy.
func (d *Decoder) decode(raw string, withAudience bool, dest ...interface{}) (*jwt.Claims, error) {
	const op = "sso.(Decoder).decode"
	parsed, err := jwt.ParseSigned(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: malformed token: %v: %w", op, err, ErrInvalidToken)
	}
	var std jwt.Claims
	all := append([]interface{}{&std}, dest...)

	if d.key == nil {
		d.logger.Warn("decoding provider token without signature verification")
		if err := parsed.UnsafeClaimsWithoutVerification(all...); err != nil {
			return nil, fmt.Errorf("%s: unable to parse claims: %v: %w", op, err, ErrInvalidToken)
		}
		if withAudience {
			if err := std.Validate(jwt.Expected{Audience: jwt.Audience{d.config.ClientId}}); err != nil {
				return nil, fmt.Errorf("%s: invalid audience: %w", op, ErrInvalidToken)
			}
		}
		return &std, nil
	}

	if len(parsed.Headers) != 1 || parsed.Headers[0].Algorithm != string(d.config.alg()) {
		return nil, fmt.Errorf("%s: token is not signed with %s: %w", op, d.config.alg(), ErrInvalidToken)
	}
	if err := parsed.Claims(d.key, all...); err != nil {
		return nil, fmt.Errorf("%s: signature verification failed: %v: %w", op, err, ErrInvalidToken)
	}
	expected := jwt.Expected{
		Issuer: d.config.Issuer,
		Time:   time.Now(),
	}
	if withAudience {
		expected.Audience = jwt.Audience{d.config.ClientId}
	}
	if err := std.ValidateWithLeeway(expected, DefaultClockSkewLeeway); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", op, err, ErrInvalidToken)
	}
	return &std, nil
}

// roles resolves the configured role claim pointer.  Failures are logged at
// debug and yield no role; when multiple roles parse the most privileged
// wins.
func (d *Decoder) roles(email string, claims map[string]interface{}) Role {
	value, ok := resolvePointer(claims, d.config.rolesClaimPath())
	if !ok {
		d.logger.Debug("no roles in access_token", "email", email, "path", d.config.rolesClaimPath())
		return ""
	}
	list, ok := value.([]interface{})
	if !ok {
		d.logger.Debug("failed to parse user roles: claim is not a list", "email", email)
		return ""
	}
	var best Role
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			d.logger.Debug("failed to parse user roles: role is not a string", "email", email)
			return ""
		}
		role, err := ParseRole(s)
		if err != nil {
			d.logger.Debug("failed to parse user roles", "email", email, "error", err)
			return ""
		}
		if privilege[role] > privilege[best] {
			best = role
		}
	}
	return best
}

// groups resolves the configured group claim pointer.  Failures are logged
// and yield an empty list; group sync simply does nothing for an
// unparseable claim.
func (d *Decoder) groups(email string, claims map[string]interface{}) []string {
	value, ok := resolvePointer(claims, d.config.groupsClaimPath())
	if !ok {
		d.logger.Debug("no groups in access_token", "email", email, "path", d.config.groupsClaimPath())
		return nil
	}
	list, ok := value.([]interface{})
	if !ok {
		d.logger.Error("failed to parse user groups: claim is not a list", "email", email)
		return nil
	}
	groups := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			d.logger.Error("failed to parse user groups: group is not a string", "email", email)
			return nil
		}
		groups = append(groups, s)
	}
	return groups
}

// debugToken re-parses a token without verification and logs its claims, so
// operators can inspect the claim shape of tokens that failed to decode.
func (d *Decoder) debugToken(tokenName string, raw string) {
	if !d.logger.IsDebug() {
		return
	}
	parsed, err := jwt.ParseSigned(raw)
	if err != nil {
		return
	}
	var all map[string]interface{}
	if err := parsed.UnsafeClaimsWithoutVerification(&all); err != nil {
		return
	}
	d.logger.Debug("token payload", "token", tokenName, "claims", fmt.Sprintf("%v", all))
}

// resolvePointer evaluates an RFC 6901 JSON pointer against a decoded claim
// set.  Provider claim shapes are configuration, not compile-time knowledge,
// so extraction walks a generic JSON value.
func resolvePointer(doc interface{}, pointer string) (interface{}, bool) {
	if pointer == "" {
		return doc, true
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, false
	}
	current := doc
	for _, token := range strings.Split(pointer[1:], "/") {
		token = strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
		switch v := current.(type) {
		case map[string]interface{}:
			next, ok := v[token]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			i, err := strconv.Atoi(token)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			current = v[i]
		default:
			return nil, false
		}
	}
	return current, true
}

// parsePublicKeyPEM is used to parse RSA and ECDSA public keys from PEMs.
// It returns a *rsa.PublicKey or *ecdsa.PublicKey.
func parsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block != nil {
		var rawKey interface{}
		var err error
		if rawKey, err = x509.ParsePKIXPublicKey(block.Bytes); err != nil {
			if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
				rawKey = cert.PublicKey
			} else {
				return nil, fmt.Errorf("unable to parse PEM block: %w", ErrInvalidKeyFile)
			}
		}

		if rsaPublicKey, ok := rawKey.(*rsa.PublicKey); ok {
			return rsaPublicKey, nil
		}
		if ecPublicKey, ok := rawKey.(*ecdsa.PublicKey); ok {
			return ecPublicKey, nil
		}
	}

	return nil, fmt.Errorf("data does not contain any valid RSA or ECDSA public keys: %w", ErrInvalidKeyFile)
}
