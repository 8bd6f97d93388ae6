package sso

import (
	"encoding/json"
	"fmt"
)

// Role is a user role asserted by the provider inside an access token.
// Providers encode roles as lower case strings.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// privilege ranks roles so the most privileged can win a tie-break.
var privilege = map[Role]int{
	RoleUser:  1,
	RoleAdmin: 2,
}

// ParseRole parses a provider asserted role string.
func ParseRole(s string) (Role, error) {
	const op = "sso.ParseRole"
	switch Role(s) {
	case RoleAdmin, RoleUser:
		return Role(s), nil
	default:
		return "", fmt.Errorf("%s: unknown role %q: %w", op, s, ErrInvalidParameter)
	}
}

// AccessToken is an oauth access_token
type AccessToken string

// RedactedAccessToken is the redacted string or json for an oauth access_token
const RedactedAccessToken = "[REDACTED: access_token]"

// String will redact the token
func (t AccessToken) String() string {
	return RedactedAccessToken
}

// MarshalJSON will redact the token
func (t AccessToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedAccessToken)
}

// RefreshToken is an oauth refresh_token
type RefreshToken string

// RedactedRefreshToken is the redacted string or json for an oauth refresh_token
const RedactedRefreshToken = "[REDACTED: refresh_token]"

// String will redact the token
func (t RefreshToken) String() string {
	return RedactedRefreshToken
}

// MarshalJSON will redact the token
func (t RefreshToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedRefreshToken)
}

// AuthenticatedUser is the fully decoded result of a successful code
// exchange.  It carries live provider secrets and therefore only ever lives
// in the identity cache, never in durable storage.  Ownership transfers to
// the caller at Redeem, at which point the cache entry is removed.
type AuthenticatedUser struct {
	// Nonce binds this identity to the LoginNonce persisted when the
	// authorization URL was built
	Nonce string

	// RefreshToken is the provider refresh_token secret
	RefreshToken RefreshToken

	// AccessToken is the provider access_token secret
	AccessToken AccessToken

	// Email is the user's email address (always present)
	Email string

	// UserName is the provider's preferred_username, if any
	UserName string

	// Role is the highest-priority role found in the access token, if any
	Role Role

	// Groups are the provider asserted group names found in the access token
	Groups []string
}

// IsAdmin reports whether the provider asserted the admin role.
func (u *AuthenticatedUser) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// UserInformation is the narrow view of an authenticated user returned by
// Service.ExchangeCode.  Tokens, role and groups are deliberately withheld
// until Redeem so a partially completed login never holds secrets.
type UserInformation struct {
	Email    string
	UserName string
}
