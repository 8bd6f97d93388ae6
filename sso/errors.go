package sso

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrNilParameter        = errors.New("nil parameter")
	ErrInvalidCACert       = errors.New("invalid CA certificate")
	ErrUnsupportedAlg      = errors.New("unsupported signing algorithm")
	ErrInvalidKeyFile      = errors.New("invalid public key file")
	ErrDiscoveryFailed     = errors.New("provider discovery failed")
	ErrInvalidToken        = errors.New("invalid token")
	ErrMissingIdToken      = errors.New("id_token is missing")
	ErrMissingEmail        = errors.New("email is missing")
	ErrMissingRefreshToken = errors.New("refresh_token is missing")
	ErrMissingRole         = errors.New("missing or invalid user role")
	ErrNonceNotFound       = errors.New("nonce not found")
	ErrNoCachedIdentity    = errors.New("no cached identity")
	ErrUserInfoFailed      = errors.New("user info request failed")
	ErrNotFound            = errors.New("not found")
)

// ProviderError is an error the identity provider asserted during the
// authorization leg of the flow.  It reaches the server disguised as an
// authorization code (see ErrorCoder) and is surfaced to the user verbatim.
type ProviderError struct {
	// ErrorCode is the provider's error identifier (e.g. "access_denied")
	ErrorCode string

	// Description is the provider's optional human readable description
	Description string
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	return fmt.Sprintf("failed to login: %s, %s", e.ErrorCode, e.Description)
}
