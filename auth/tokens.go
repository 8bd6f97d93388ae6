// Package auth defines keywarden's internal session tokens: the claims the
// server mints for a device/user pair and the signer that turns them into
// JWTs.  The SSO core builds these claims from provider token validity
// windows; the password login path builds them from its own policy.
package auth

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LoginIssuer is the issuer claim of every internally minted session token.
const LoginIssuer = "keywarden|login"

// User is the slice of the user record session tokens are bound to.
type User struct {
	ID            string
	Email         string
	Name          string
	EmailVerified bool
}

// Device is the slice of the device record session tokens are bound to.
// RefreshToken is the opaque per-device secret embedded in refresh claims so
// a stolen refresh JWT is useless without the device record.
type Device struct {
	ID           string
	Name         string
	RefreshToken string
}

// Method is the authentication method a session was established with.
type Method string

const (
	MethodPassword Method = "password"
	MethodSso      Method = "sso"
)

// Scope returns the token scopes granted to sessions established with the
// method.
func (m Method) Scope() []string {
	switch m {
	case MethodSso:
		return []string{"api", "offline_access"}
	default:
		return []string{"api"}
	}
}

// RefreshClaims are the claims of an internal refresh token.  For SSO
// sessions ProviderRefreshToken carries the provider's refresh_token secret
// so the session can later be refreshed against the provider;
// password-established sessions leave it empty.
type RefreshClaims struct {
	DeviceToken          string `json:"device_token"`
	ProviderRefreshToken string `json:"refresh_token,omitempty"`
	jwt.RegisteredClaims
}

// Method returns the authentication method recorded in the subject claim.
func (c *RefreshClaims) Method() Method {
	return Method(c.Subject)
}

// LoginClaims are the claims of an internal access token.
type LoginClaims struct {
	Name          string   `json:"name,omitempty"`
	Email         string   `json:"email"`
	EmailVerified bool     `json:"email_verified"`
	Device        string   `json:"device"`
	Scope         []string `json:"scope"`
	AMR           []string `json:"amr"`
	jwt.RegisteredClaims
}

// TokenPair is one session's refresh and access claims, minted together.
type TokenPair struct {
	Refresh RefreshClaims
	Access  LoginClaims
}

// NewRefreshClaims builds refresh claims for a device authenticated with
// method, valid over [notBefore, expiry].
func NewRefreshClaims(device *Device, method Method, notBefore time.Time, expiry time.Time, providerRefreshToken string) RefreshClaims {
	return RefreshClaims{
		DeviceToken:          device.RefreshToken,
		ProviderRefreshToken: providerRefreshToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    LoginIssuer,
			Subject:   string(method),
			NotBefore: jwt.NewNumericDate(notBefore),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
}

// NewLoginClaims builds access claims for a device/user pair authenticated
// with method, valid over [notBefore, expiry].
func NewLoginClaims(device *Device, user *User, method Method, notBefore time.Time, expiry time.Time) LoginClaims {
	return LoginClaims{
		Name:          user.Name,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		Device:        device.ID,
		Scope:         method.Scope(),
		AMR:           []string{"Application"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    LoginIssuer,
			Subject:   user.ID,
			NotBefore: jwt.NewNumericDate(notBefore),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
}

// Signer signs and parses internal session tokens with the server's RSA key.
type Signer struct {
	key *rsa.PrivateKey
}

// NewSigner creates a Signer for the given private key.
func NewSigner(key *rsa.PrivateKey) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("auth.NewSigner: private key is nil")
	}
	return &Signer{key: key}, nil
}

// Sign serializes a token pair into signed refresh and access JWTs.
func (s *Signer) Sign(pair *TokenPair) (refreshToken string, accessToken string, err error) {
	const op = "auth.(Signer).Sign"
	if pair == nil {
		return "", "", fmt.Errorf("%s: token pair is nil", op)
	}
	refreshToken, err = jwt.NewWithClaims(jwt.SigningMethodRS256, pair.Refresh).SignedString(s.key)
	if err != nil {
		return "", "", fmt.Errorf("%s: unable to sign refresh claims: %w", op, err)
	}
	accessToken, err = jwt.NewWithClaims(jwt.SigningMethodRS256, pair.Access).SignedString(s.key)
	if err != nil {
		return "", "", fmt.Errorf("%s: unable to sign access claims: %w", op, err)
	}
	return refreshToken, accessToken, nil
}

// ParseRefresh validates a signed refresh token and returns its claims.
func (s *Signer) ParseRefresh(raw string) (*RefreshClaims, error) {
	const op = "auth.(Signer).ParseRefresh"
	var claims RefreshClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return &s.key.PublicKey, nil
	}, jwt.WithIssuer(LoginIssuer))
	if err != nil {
		return nil, fmt.Errorf("%s: invalid refresh token: %w", op, err)
	}
	return &claims, nil
}
